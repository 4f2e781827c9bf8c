package disaster

import "github.com/prometheus/client_golang/prometheus"

var (
	backupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "disaster",
		Name:      "backups_total",
		Help:      "Backup runs by type and result.",
	}, []string{"type", "result"})

	backupBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mailguard",
		Subsystem: "disaster",
		Name:      "backup_bytes",
		Help:      "Stored backup blob sizes.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})

	restoresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "disaster",
		Name:      "restores_total",
		Help:      "Restore attempts by result.",
	}, []string{"result"})

	failoversTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "disaster",
		Name:      "failovers_total",
		Help:      "Switchover attempts by result, failback included.",
	}, []string{"result"})

	recoveryRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "disaster",
		Name:      "recovery_runs_total",
		Help:      "Recovery plan executions by plan and result.",
	}, []string{"plan", "result"})
)

func init() {
	prometheus.MustRegister(backupsTotal, backupBytes, restoresTotal, failoversTotal, recoveryRunsTotal)
}
