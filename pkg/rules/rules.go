// Package rules classifies intercepted requests into caching categories.
//
// The rule set is an ordered list of (predicate, category) pairs evaluated
// top to bottom. The first matching rule wins and no further rules are
// consulted. Classification is total: requests matching nothing fall into
// the pass-through category.
package rules

import (
	"net/http"
	"strings"
)

// Category is the caching policy a request resolves to.
type Category string

const (
	// CacheFirst serves from the store when possible, hitting the
	// network only on a miss. Used for immutable CDN assets.
	CacheFirst Category = "cache-first"
	// StaleWhileRevalidate serves a stored response immediately while
	// refreshing the store in the background. Used for versioned local assets.
	StaleWhileRevalidate Category = "stale-while-revalidate"
	// PassThrough leaves the request for the default network path.
	PassThrough Category = "pass-through"
)

// Rule pairs a request predicate with the category it selects.
type Rule struct {
	Match    func(*http.Request) bool
	Category Category
}

// RuleSet is an ordered list of rules, first match wins.
type RuleSet []Rule

// Config holds the static classification inputs.
type Config struct {
	// CDNHosts is the domain allow-list for precached CDN assets.
	// Hosts are compared exactly (no subdomain matching).
	CDNHosts []string `yaml:"cdnHosts"`
	// VersionedPathMarker identifies versioned local assets by path substring.
	VersionedPathMarker string `yaml:"versionedPathMarker"`
	// APISuffixes lists dynamic API path suffixes that must never be cached.
	APISuffixes []string `yaml:"apiSuffixes"`
}

// New builds the rule set for the given configuration.
// The explicit API-suffix rule and the fallthrough both resolve to
// PassThrough; the rule exists to make the exclusion testable on its own.
func New(cfg Config) RuleSet {
	hosts := make(map[string]struct{}, len(cfg.CDNHosts))
	for _, h := range cfg.CDNHosts {
		hosts[h] = struct{}{}
	}
	return RuleSet{
		{
			Match: func(r *http.Request) bool {
				_, ok := hosts[r.URL.Hostname()]
				return ok
			},
			Category: CacheFirst,
		},
		{
			Match: func(r *http.Request) bool {
				return cfg.VersionedPathMarker != "" &&
					strings.Contains(r.URL.Path, cfg.VersionedPathMarker)
			},
			Category: StaleWhileRevalidate,
		},
		{
			Match: func(r *http.Request) bool {
				for _, suffix := range cfg.APISuffixes {
					if strings.HasSuffix(r.URL.Path, suffix) {
						return true
					}
				}
				return false
			},
			Category: PassThrough,
		},
	}
}

// Classify resolves a request to exactly one category.
func (rs RuleSet) Classify(r *http.Request) Category {
	for _, rule := range rs {
		if rule.Match(r) {
			return rule.Category
		}
	}
	return PassThrough
}
