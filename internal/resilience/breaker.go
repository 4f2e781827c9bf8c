package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultCallTimeout      = 30 * time.Second
	DefaultResetTimeout     = 60 * time.Second
)

// BreakerConfig tunes a single breaker. Zero values take the defaults
// above so callers only set what they care about.
type BreakerConfig struct {
	// FailureThreshold consecutive transient failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive probe successes close it again.
	SuccessThreshold int
	// CallTimeout bounds each guarded call; exceeding it counts as a
	// transient failure even if the call later returns.
	CallTimeout time.Duration
	// ResetTimeout is how long an open breaker rejects before allowing
	// a half-open probe.
	ResetTimeout time.Duration

	// Transition hooks, fired outside the breaker lock.
	OnOpen     func(Event)
	OnClose    func(Event)
	OnHalfOpen func(Event)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// Event describes a state transition for hooks and logs.
type Event struct {
	Name  string
	From  State
	To    State
	At    time.Time
	Stats BreakerStats
}

// BreakerStats is a point-in-time snapshot, JSON-shaped for the ops API.
type BreakerStats struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	Successes            int64     `json:"successes"`
	Failures             int64     `json:"failures"`
	Rejected             int64     `json:"rejected"`
	Timeouts             int64     `json:"timeouts"`
	LastStateChange      time.Time `json:"last_state_change"`
}

// BreakerOpenError is returned without invoking the guarded call.
// It is deliberately not transient: an open breaker is backpressure,
// and retry loops should surface it rather than spin against it.
type BreakerOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *BreakerOpenError) Transient() bool { return false }

// CallTimeoutError reports a guarded call that exceeded CallTimeout.
type CallTimeoutError struct {
	Name  string
	After time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("circuit breaker %q: call timed out after %s", e.Name, e.After)
}

func (e *CallTimeoutError) Transient() bool { return true }

// Breaker is a three-state circuit breaker. Consecutive transient
// failures trip it open; after ResetTimeout a single probe is let
// through half-open; SuccessThreshold probe successes close it and any
// probe failure reopens it. Permanent errors pass through untouched
// without moving the failure counters.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu              sync.Mutex
	state           State
	consecFailures  int
	consecSuccesses int
	successes       int64
	failures        int64
	rejected        int64
	timeouts        int64
	lastStateChange time.Time

	now func() time.Time
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
	b.lastStateChange = b.now()
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

func (b *Breaker) Name() string { return b.name }

// State applies the lazy open-to-half-open transition and returns the
// effective state. There is no background timer; expiry is observed on
// the next touch.
func (b *Breaker) State() State {
	b.mu.Lock()
	st, ev := b.effectiveStateLocked(b.now())
	b.mu.Unlock()
	b.fire(ev)
	return st
}

// effectiveStateLocked transitions OPEN to HALF_OPEN once ResetTimeout
// has elapsed. Callers fire the returned event after unlocking.
func (b *Breaker) effectiveStateLocked(now time.Time) (State, *Event) {
	if b.state == StateOpen && now.Sub(b.lastStateChange) >= b.cfg.ResetTimeout {
		ev := b.transitionLocked(StateHalfOpen, now)
		return b.state, ev
	}
	return b.state, nil
}

func (b *Breaker) transitionLocked(to State, now time.Time) *Event {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.lastStateChange = now
	switch to {
	case StateClosed:
		b.consecFailures = 0
		b.consecSuccesses = 0
	case StateHalfOpen:
		b.consecSuccesses = 0
	case StateOpen:
		b.consecSuccesses = 0
	}
	breakerState.WithLabelValues(b.name).Set(float64(to))
	breakerTransitions.WithLabelValues(b.name, to.String()).Inc()
	return &Event{Name: b.name, From: from, To: to, At: now, Stats: b.statsLocked()}
}

func (b *Breaker) fire(ev *Event) {
	if ev == nil {
		return
	}
	var hook func(Event)
	switch ev.To {
	case StateOpen:
		hook = b.cfg.OnOpen
	case StateClosed:
		hook = b.cfg.OnClose
	case StateHalfOpen:
		hook = b.cfg.OnHalfOpen
	}
	if hook != nil {
		hook(*ev)
	}
}

// Execute runs fn under the breaker. Open state rejects with
// BreakerOpenError. The call is bounded by CallTimeout; the synthetic
// timeout counts as a transient failure and the abandoned call's
// result is discarded when it eventually returns.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	now := b.now()
	b.mu.Lock()
	st, ev := b.effectiveStateLocked(now)
	if st == StateOpen {
		b.rejected++
		retryAfter := b.cfg.ResetTimeout - now.Sub(b.lastStateChange)
		if retryAfter < 0 {
			retryAfter = 0
		}
		b.mu.Unlock()
		b.fire(ev)
		return &BreakerOpenError{Name: b.name, RetryAfter: retryAfter}
	}
	b.mu.Unlock()
	b.fire(ev)

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
			// fn surfaced the call timeout itself.
			return b.timeout()
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return ctx.Err()
		}
		return b.record(err)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller gave up; not the dependency's fault.
			return ctx.Err()
		}
		return b.timeout()
	}
}

func (b *Breaker) timeout() error {
	b.mu.Lock()
	b.timeouts++
	b.mu.Unlock()
	err := &CallTimeoutError{Name: b.name, After: b.cfg.CallTimeout}
	b.record(err)
	return err
}

// record classifies err and moves the state machine. Permanent errors
// are surfaced as-is without touching the counters.
func (b *Breaker) record(err error) error {
	if err == nil {
		b.recordSuccess()
		return nil
	}
	if !IsTransient(err) {
		return err
	}
	b.recordFailure()
	return err
}

func (b *Breaker) recordSuccess() {
	now := b.now()
	b.mu.Lock()
	b.successes++
	var ev *Event
	switch b.state {
	case StateClosed:
		b.consecFailures = 0
	case StateHalfOpen:
		b.consecSuccesses++
		if b.consecSuccesses >= b.cfg.SuccessThreshold {
			ev = b.transitionLocked(StateClosed, now)
		}
	}
	b.mu.Unlock()
	b.fire(ev)
}

func (b *Breaker) recordFailure() {
	now := b.now()
	b.mu.Lock()
	b.failures++
	b.consecSuccesses = 0
	var ev *Event
	switch b.state {
	case StateClosed:
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			ev = b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		// A probe failure reopens immediately.
		ev = b.transitionLocked(StateOpen, now)
	}
	b.mu.Unlock()
	b.fire(ev)
}

// ForceOpen trips the breaker regardless of counters. Used by ops
// endpoints during incidents.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	ev := b.transitionLocked(StateOpen, b.now())
	b.mu.Unlock()
	b.fire(ev)
}

// ForceClose closes the breaker and clears the consecutive counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	ev := b.transitionLocked(StateClosed, b.now())
	b.mu.Unlock()
	b.fire(ev)
}

// Reset returns the breaker to a fresh closed state, zeroing the
// cumulative counters as well.
func (b *Breaker) Reset() {
	b.mu.Lock()
	ev := b.transitionLocked(StateClosed, b.now())
	b.consecFailures = 0
	b.consecSuccesses = 0
	b.successes = 0
	b.failures = 0
	b.rejected = 0
	b.timeouts = 0
	b.mu.Unlock()
	b.fire(ev)
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	_, ev := b.effectiveStateLocked(b.now())
	st := b.statsLocked()
	b.mu.Unlock()
	b.fire(ev)
	return st
}

func (b *Breaker) statsLocked() BreakerStats {
	return BreakerStats{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecFailures,
		ConsecutiveSuccesses: b.consecSuccesses,
		Successes:            b.successes,
		Failures:             b.failures,
		Rejected:             b.rejected,
		Timeouts:             b.timeouts,
		LastStateChange:      b.lastStateChange,
	}
}
