package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailguard",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending scan jobs.",
	})
	dlqDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailguard",
		Subsystem: "queue",
		Name:      "dlq_depth",
		Help:      "Dead-lettered scan jobs.",
	})
	jobsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Scan jobs completed successfully.",
	})
	jobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "queue",
		Name:      "jobs_failed_total",
		Help:      "Scan jobs dead-lettered after exhausting retries.",
	})
	jobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "queue",
		Name:      "jobs_retried_total",
		Help:      "Scan job retry attempts.",
	})
	jobsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "queue",
		Name:      "jobs_rejected_total",
		Help:      "Enqueues rejected because the queue was full.",
	})
	threatsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "queue",
		Name:      "threats_detected_total",
		Help:      "Jobs whose score reached the threat threshold.",
	})
	processingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mailguard",
		Subsystem: "queue",
		Name:      "processing_seconds",
		Help:      "Per-job scan duration.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		queueDepth,
		dlqDepth,
		jobsProcessed,
		jobsFailed,
		jobsRetried,
		jobsRejected,
		threatsDetected,
		processingSeconds,
	)
}
