package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mailguard",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})

	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions by destination state.",
	}, []string{"name", "to"})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "retry",
		Name:      "attempts_failed_total",
		Help:      "Failed attempts observed by retry loops.",
	})

	retriesExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "retry",
		Name:      "exhausted_total",
		Help:      "Retry loops that gave up after the final attempt.",
	})

	poolConnsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "pool",
		Name:      "connections_created_total",
		Help:      "Connections dialed by the pool.",
	}, []string{"pool"})

	poolConnsDestroyed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "pool",
		Name:      "connections_destroyed_total",
		Help:      "Connections closed by the pool.",
	}, []string{"pool"})

	poolAcquireTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "pool",
		Name:      "acquire_timeouts_total",
		Help:      "Acquire calls that timed out waiting for a slot.",
	}, []string{"pool"})

	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "querycache",
		Name:      "hits_total",
		Help:      "Query cache hits.",
	}, []string{"cache"})

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "querycache",
		Name:      "misses_total",
		Help:      "Query cache misses, including expired lookups.",
	}, []string{"cache"})

	cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "querycache",
		Name:      "evictions_total",
		Help:      "Query cache LRU evictions.",
	}, []string{"cache"})
)

func init() {
	prometheus.MustRegister(
		breakerState,
		breakerTransitions,
		retriesTotal,
		retriesExhausted,
		poolConnsCreated,
		poolConnsDestroyed,
		poolAcquireTimeouts,
		cacheHitsTotal,
		cacheMisses,
		cacheEvictions,
	)
}
