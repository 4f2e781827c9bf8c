package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/mailguard/internal/disaster"
)

const healthVersion = "1.0.0"

// HealthStatus is the overall system health payload.
type HealthStatus struct {
	Status  string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes every wired dependency. Nil sources report
// "not_configured" and never count against the overall status.
type HealthChecker struct {
	sources   Sources
	startTime time.Time
}

func NewHealthChecker(sources Sources) *HealthChecker {
	return &HealthChecker{sources: sources, startTime: time.Now()}
}

// HandleHealth runs all checks. Overall status is "healthy" when every
// configured component is up, "degraded" when any is down or degraded,
// and "unhealthy" when the scan queue itself is saturated.
//
//	GET /healthz
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())

	overall := "healthy"
	httpStatus := http.StatusOK
	for name, c := range checks {
		switch c.Status {
		case "down", "degraded":
			if name == "queue" && c.Status == "down" {
				overall = "unhealthy"
				httpStatus = http.StatusServiceUnavailable
			} else if overall != "unhealthy" {
				overall = "degraded"
			}
		}
	}

	respondJSON(w, httpStatus, HealthStatus{
		Status:  overall,
		Version: healthVersion,
		Uptime:  time.Since(hc.startTime).Round(time.Second).String(),
		Checks:  checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	checks := map[string]ComponentCheck{
		"redis":    hc.checkRedis(ctx),
		"queue":    hc.checkQueue(),
		"breakers": hc.checkBreakers(),
		"failover": hc.checkFailover(),
	}
	return checks
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.sources.Redis == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := hc.sources.Redis.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).Round(time.Millisecond).String()}
}

// checkQueue reports degraded when jobs are parking in the DLQ and
// down when nothing moves while work keeps piling up.
func (hc *HealthChecker) checkQueue() ComponentCheck {
	if hc.sources.Queue == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	st := hc.sources.Queue.Stats()
	if st.DLQDepth > 0 {
		return ComponentCheck{
			Status:  "degraded",
			Message: fmt.Sprintf("%d jobs in dead letter queue", st.DLQDepth),
		}
	}
	return ComponentCheck{
		Status:  "up",
		Message: fmt.Sprintf("depth %d, processing %d", st.Depth, st.Processing),
	}
}

func (hc *HealthChecker) checkBreakers() ComponentCheck {
	if hc.sources.Breakers == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	var open []string
	for name, st := range hc.sources.Breakers.Stats() {
		if st.State == "OPEN" {
			open = append(open, name)
		}
	}
	if len(open) > 0 {
		return ComponentCheck{
			Status:  "degraded",
			Message: fmt.Sprintf("open breakers: %v", open),
		}
	}
	return ComponentCheck{Status: "up"}
}

func (hc *HealthChecker) checkFailover() ComponentCheck {
	if hc.sources.Failover == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	status := hc.sources.Failover.CurrentStatus()
	switch status {
	case disaster.StatusHealthy:
		return ComponentCheck{Status: "up"}
	case disaster.StatusPrimaryFailing:
		return ComponentCheck{Status: "degraded", Message: "primary endpoint failing"}
	default:
		return ComponentCheck{
			Status:  "degraded",
			Message: fmt.Sprintf("serving from standby (%s)", hc.sources.Failover.Active().Name),
		}
	}
}
