package disaster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/mailguard/internal/pkg/logger"
)

// Status describes the failover manager's view of the primary.
type Status string

const (
	StatusHealthy        Status = "HEALTHY"
	StatusPrimaryFailing Status = "PRIMARY_FAILING"
	StatusFailedOver     Status = "FAILED_OVER"
)

// Endpoint is one serving location the manager can point traffic at.
type Endpoint struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Event records one status transition for operators.
type Event struct {
	At     time.Time `json:"at"`
	Status Status    `json:"status"`
	Detail string    `json:"detail"`
}

// HealthCheck probes an endpoint. nil means healthy.
type HealthCheck func(ctx context.Context, ep Endpoint) error

// Switchover points traffic at the given endpoint, typically by
// rewriting a DNS record.
type Switchover func(ctx context.Context, to Endpoint) error

// FailoverConfig configures a FailoverManager.
type FailoverConfig struct {
	Primary       Endpoint
	Standby       Endpoint
	HealthCheck   HealthCheck
	Switchover    Switchover
	Threshold     int           // consecutive failures before acting
	CheckInterval time.Duration // probe cadence
}

// FailoverManager watches the primary endpoint and flips traffic to
// the standby after Threshold+1 consecutive health failures. Reaching
// the threshold marks the primary as failing; the next failed probe
// triggers the switchover. Failing back is always manual.
type FailoverManager struct {
	primary   Endpoint
	standby   Endpoint
	health    HealthCheck
	switchFn  Switchover
	threshold int
	interval  time.Duration
	log       *logger.Logger

	mu          sync.Mutex
	active      Endpoint
	consecFails int
	status      Status
	events      []Event

	now func() time.Time
}

// NewFailoverManager builds a manager. Threshold defaults to 3 and
// CheckInterval to 10s when unset.
func NewFailoverManager(cfg FailoverConfig, log *logger.Logger) *FailoverManager {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	return &FailoverManager{
		primary:   cfg.Primary,
		standby:   cfg.Standby,
		health:    cfg.HealthCheck,
		switchFn:  cfg.Switchover,
		threshold: cfg.Threshold,
		interval:  cfg.CheckInterval,
		log:       log,
		active:    cfg.Primary,
		status:    StatusHealthy,
		now:       time.Now,
	}
}

// Run probes the primary until ctx is cancelled.
func (f *FailoverManager) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Check(ctx)
		}
	}
}

// Check runs one probe cycle. Exposed so tests and cron-style callers
// can drive the manager without the ticker.
func (f *FailoverManager) Check(ctx context.Context) {
	err := f.health(ctx, f.primary)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		if f.consecFails > 0 && f.status != StatusFailedOver {
			f.recordLocked(StatusHealthy, "primary recovered before switchover")
			f.status = StatusHealthy
		}
		f.consecFails = 0
		return
	}

	f.consecFails++
	f.log.Warn("primary health check failed",
		"endpoint", f.primary.Name,
		"consecutive", f.consecFails,
		"error", err.Error())

	if f.status == StatusFailedOver {
		return
	}

	switch {
	case f.consecFails == f.threshold:
		f.status = StatusPrimaryFailing
		f.recordLocked(StatusPrimaryFailing, fmt.Sprintf("%d consecutive failures", f.consecFails))
	case f.consecFails > f.threshold:
		f.switchoverLocked(ctx)
	}
}

// switchoverLocked flips traffic to the standby. A failed switchover
// keeps the manager in PRIMARY_FAILING so the next probe retries it.
func (f *FailoverManager) switchoverLocked(ctx context.Context) {
	if err := f.switchFn(ctx, f.standby); err != nil {
		f.log.Error("switchover failed", "to", f.standby.Name, "error", err.Error())
		failoversTotal.WithLabelValues("failed").Inc()
		return
	}
	f.active = f.standby
	f.status = StatusFailedOver
	f.consecFails = 0
	f.recordLocked(StatusFailedOver, "traffic moved to "+f.standby.Name)
	f.log.Error("failover executed", "from", f.primary.Name, "to", f.standby.Name)
	failoversTotal.WithLabelValues("ok").Inc()
}

// Failback returns traffic to the primary. It refuses while the
// primary is still unhealthy.
func (f *FailoverManager) Failback(ctx context.Context) error {
	if err := f.health(ctx, f.primary); err != nil {
		return fmt.Errorf("disaster: primary %s still unhealthy: %w", f.primary.Name, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != StatusFailedOver {
		return fmt.Errorf("disaster: not failed over (status %s)", f.status)
	}
	if err := f.switchFn(ctx, f.primary); err != nil {
		failoversTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("disaster: failback switchover: %w", err)
	}
	f.active = f.primary
	f.status = StatusHealthy
	f.consecFails = 0
	f.recordLocked(StatusHealthy, "traffic returned to "+f.primary.Name)
	f.log.Info("failback executed", "to", f.primary.Name)
	failoversTotal.WithLabelValues("ok").Inc()
	return nil
}

// Active returns the endpoint currently receiving traffic.
func (f *FailoverManager) Active() Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// CurrentStatus returns the manager's view of the primary.
func (f *FailoverManager) CurrentStatus() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Events returns a copy of the transition history, oldest first.
func (f *FailoverManager) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *FailoverManager) recordLocked(status Status, detail string) {
	f.events = append(f.events, Event{At: f.now(), Status: status, Detail: detail})
}
