package dnsx

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailguard",
			Subsystem: "dns",
			Name:      "cache_hits_total",
			Help:      "Number of lookups answered from the DNS cache",
		},
		[]string{"rrtype"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailguard",
			Subsystem: "dns",
			Name:      "cache_misses_total",
			Help:      "Number of lookups that went to the backend resolver",
		},
		[]string{"rrtype"},
	)
	lookupErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailguard",
			Subsystem: "dns",
			Name:      "lookup_errors_total",
			Help:      "Number of backend lookups that failed",
		},
		[]string{"rrtype"},
	)
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, lookupErrors)
}
