package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks fresh entries served from Redis
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stac_cache_hits_total",
			Help: "Total number of STAC response cache hits",
		},
	)

	// CacheMisses tracks lookups that found no entry
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stac_cache_misses_total",
			Help: "Total number of STAC response cache misses",
		},
	)

	// ConditionalRequestsSent tracks revalidation requests
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stac_conditional_requests_total",
			Help: "Total number of conditional requests sent to revalidate stale entries",
		},
	)

	// NotModifiedResponses tracks 304 Not Modified responses
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stac_304_responses_total",
			Help: "Total number of 304 Not Modified responses",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stac_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
