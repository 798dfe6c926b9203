package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts tokens served from Redis.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newstore_token_cache_hits_total",
			Help: "Total number of token cache hits",
		},
	)

	// CacheMisses counts lookups that found no usable token.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newstore_token_cache_misses_total",
			Help: "Total number of token cache misses",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newstore_token_cache_errors_total",
			Help: "Total number of token cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
