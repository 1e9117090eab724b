// Package generation manages versioned cache generations.
// Exactly one generation is current at a time; all other generations
// carrying the same prefix are obsolete and eligible for deletion.
package generation

import "strings"

// Scheme describes how generation identifiers are formed for one deployment.
// Both fields are build-time inputs and never change within a deployed build.
type Scheme struct {
	// Prefix namespaces this application's generations so that other
	// applications sharing the same store are never touched.
	Prefix string
	// Version is the deployment version token.
	Version string
}

// Current returns the single authoritative generation identifier.
// It is a pure function of the scheme and stable across calls.
func (s Scheme) Current() string {
	return s.Prefix + "-" + s.Version
}

// Reconcile returns the subset of ids to delete: every id that carries the
// scheme's prefix but is not exactly the current generation. Ids with a
// different prefix belong to someone else and are never selected.
// Matching is exact; no case folding or whitespace trimming is done, so the
// current generation can never be selected by a near-miss.
func (s Scheme) Reconcile(all []string) []string {
	current := s.Current()
	var obsolete []string
	for _, id := range all {
		if id == current {
			continue
		}
		if strings.HasPrefix(id, s.Prefix+"-") {
			obsolete = append(obsolete, id)
		}
	}
	return obsolete
}
