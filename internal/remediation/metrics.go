package remediation

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "remediation",
		Name:      "actions_total",
		Help:      "Remediation actions by action and result.",
	}, []string{"action", "result"})

	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailguard",
		Subsystem: "remediation",
		Name:      "token_refreshes_total",
		Help:      "OAuth token refreshes by integration and result.",
	}, []string{"integration", "result"})
)

func init() {
	prometheus.MustRegister(actionsTotal, tokenRefreshes)
}
