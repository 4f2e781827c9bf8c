package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	scansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "pipeline",
		Name:      "scans_total",
		Help:      "Completed scans by verdict action and sender type.",
	}, []string{"action", "sender_type"})

	scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mailguard",
		Subsystem: "pipeline",
		Name:      "scan_duration_seconds",
		Help:      "Wall time of a full message scan.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	threatScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mailguard",
		Subsystem: "pipeline",
		Name:      "threat_score",
		Help:      "Distribution of final threat scores.",
		Buckets:   []float64{0, 10, 25, 50, 65, 80, 90, 100},
	})
)

func init() {
	prometheus.MustRegister(scansTotal, scanDuration, threatScore)
}
