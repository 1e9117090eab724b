// Package cache defines the store contract for the interception layer.
//
// A Provider owns cache generations: it opens, lists and deletes them.
// A Store is one open generation and maps request identities to stored
// response bytes. Stores are generation-scoped: a store opened for one
// generation never sees records written under another.
//
// Implementations must be safe for concurrent use.
package cache

import (
	"context"
	"errors"
)

// ErrStoreAbsent is returned when an operation targets a generation that
// has been deleted. Callers on the serving path treat it as a miss.
var ErrStoreAbsent = errors.New("cache: store absent")

// Provider manages the lifecycle of generation-scoped stores.
type Provider interface {
	// Open returns the store for the given generation, creating it if
	// absent. Open is idempotent.
	Open(generation string) (Store, error)
	// ListGenerations returns the identifiers of all existing generations.
	ListGenerations() ([]string, error)
	// Delete removes a generation and all of its records.
	// Deleting an absent generation is not an error.
	Delete(generation string) error
}

// Store is a key-value view of a single cache generation.
type Store interface {
	// Get returns the stored bytes for the given identity, if present.
	// The boolean reports whether a record was found.
	Get(ctx context.Context, identity string) ([]byte, bool, error)
	// Put stores bytes under the given identity, overwriting any
	// existing record. Each Put is atomic at the identity level.
	Put(ctx context.Context, identity string, bytes []byte) error
}

// Outcome is the per-URL result of a bulk precache.
type Outcome struct {
	URL    string
	Stored bool
	Err    error
}

// FetchFunc retrieves the bytes to store for a precache URL.
// Implementations decide fetch semantics (e.g. cross-origin mode).
type FetchFunc func(ctx context.Context, url string) (identity string, bytes []byte, err error)

// AddAll bulk-populates a store from a list of URLs.
// Every URL is attempted; one failure never aborts the rest, and the
// caller receives an outcome per URL in input order.
func AddAll(ctx context.Context, store Store, fetch FetchFunc, urls []string) []Outcome {
	outcomes := make([]Outcome, 0, len(urls))
	for _, url := range urls {
		identity, bts, err := fetch(ctx, url)
		if err == nil {
			err = store.Put(ctx, identity, bts)
		}
		outcomes = append(outcomes, Outcome{
			URL:    url,
			Stored: err == nil,
			Err:    err,
		})
	}
	return outcomes
}
