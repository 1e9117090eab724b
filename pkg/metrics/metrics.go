// Package metrics exposes prometheus counters for the interception layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts store hits by caching policy.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachefront_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"policy"},
	)

	// CacheMisses counts store misses by caching policy.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachefront_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"policy"},
	)

	// PrecacheOutcomes counts precache warm-up results ("stored" or "failed").
	PrecacheOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachefront_precache_outcomes_total",
			Help: "Total number of precache warm-up outcomes",
		},
		[]string{"outcome"},
	)

	// GenerationsSwept counts deleted obsolete cache generations.
	GenerationsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefront_generations_swept_total",
			Help: "Total number of obsolete cache generations deleted",
		},
	)

	// StoreErrors counts store operation errors by operation.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachefront_store_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"},
	)
)
