package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = &HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}

func failing(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("dns", BreakerConfig{FailureThreshold: 3, CallTimeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, b.Execute(ctx, failing(errUpstream)))
		assert.Equal(t, StateClosed, b.State())
	}
	require.Error(t, b.Execute(ctx, failing(errUpstream)))
	assert.Equal(t, StateOpen, b.State())

	// Open state rejects without invoking the call.
	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	var openErr *BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "dns", openErr.Name)
	assert.False(t, called)
	assert.Equal(t, int64(1), b.Stats().Rejected)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewBreaker("dns", BreakerConfig{FailureThreshold: 3, CallTimeout: time.Second})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing(errUpstream)))
	require.Error(t, b.Execute(ctx, failing(errUpstream)))
	require.NoError(t, b.Execute(ctx, failing(nil)))
	require.Error(t, b.Execute(ctx, failing(errUpstream)))
	require.Error(t, b.Execute(ctx, failing(errUpstream)))

	// Two failures, success, two failures: streak never reached three.
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerPermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("gmail", BreakerConfig{FailureThreshold: 2, CallTimeout: time.Second})
	ctx := context.Background()

	permanent := &HTTPError{StatusCode: 403, Status: "403 Forbidden"}
	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, failing(permanent))
		require.ErrorIs(t, err, permanent)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)

	wrapped := Permanent(errors.New("key revoked"))
	require.Error(t, b.Execute(ctx, failing(wrapped)))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker("graph", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		CallTimeout:      time.Second,
		ResetTimeout:     time.Minute,
	})
	base := time.Now()
	b.now = func() time.Time { return base }
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing(errUpstream)))
	require.Equal(t, StateOpen, b.State())

	// Before the reset timeout the breaker still rejects.
	var openErr *BreakerOpenError
	require.ErrorAs(t, b.Execute(ctx, failing(nil)), &openErr)

	// After the reset timeout it half-opens and admits probes.
	b.now = func() time.Time { return base.Add(61 * time.Second) }
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, failing(nil)))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, failing(nil)))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("graph", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		CallTimeout:      time.Second,
		ResetTimeout:     time.Minute,
	})
	base := time.Now()
	b.now = func() time.Time { return base }
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing(errUpstream)))
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Execute(ctx, failing(errUpstream)))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerCallTimeout(t *testing.T) {
	b := NewBreaker("slow", BreakerConfig{FailureThreshold: 1, CallTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	err := b.Execute(ctx, func(callCtx context.Context) error {
		<-callCtx.Done()
		return callCtx.Err()
	})
	var timeoutErr *CallTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "slow", timeoutErr.Name)
	assert.True(t, IsTransient(err))

	// The synthetic timeout counted as a failure and tripped the breaker.
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int64(1), b.Stats().Timeouts)
}

func TestBreakerCallerCancellationNotCounted(t *testing.T) {
	b := NewBreaker("slow", BreakerConfig{FailureThreshold: 1, CallTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := b.Execute(ctx, func(callCtx context.Context) error {
		<-callCtx.Done()
		return callCtx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, int64(0), b.Stats().Failures)
}

func TestBreakerHooks(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	record := func(ev Event) {
		mu.Lock()
		transitions = append(transitions, ev.From.String()+">"+ev.To.String())
		mu.Unlock()
	}
	b := NewBreaker("hooks", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		OnOpen:           record,
		OnClose:          record,
		OnHalfOpen:       record,
	})
	base := time.Now()
	b.now = func() time.Time { return base }
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing(errUpstream)))
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, b.Execute(ctx, failing(nil)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}

func TestBreakerForceAndReset(t *testing.T) {
	b := NewBreaker("ops", BreakerConfig{})
	ctx := context.Background()

	b.ForceOpen()
	var openErr *BreakerOpenError
	require.ErrorAs(t, b.Execute(ctx, failing(nil)), &openErr)

	b.ForceClose()
	require.NoError(t, b.Execute(ctx, failing(nil)))

	require.Error(t, b.Execute(ctx, failing(errUpstream)))
	b.Reset()
	st := b.Stats()
	assert.Equal(t, "CLOSED", st.State)
	assert.Zero(t, st.Failures)
	assert.Zero(t, st.Successes)
}

func TestRegistryPerNameConfig(t *testing.T) {
	r := NewRegistry(func(name string) BreakerConfig {
		if name == "dns" {
			return BreakerConfig{FailureThreshold: 1}
		}
		return BreakerConfig{FailureThreshold: 10}
	})
	ctx := context.Background()

	require.Error(t, r.Execute(ctx, "dns", failing(errUpstream)))
	assert.Equal(t, StateOpen, r.Get("dns").State())

	require.Error(t, r.Execute(ctx, "gmail", failing(errUpstream)))
	assert.Equal(t, StateClosed, r.Get("gmail").State())

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "OPEN", stats["dns"].State)
	assert.Equal(t, []string{"dns", "gmail"}, r.Names())
}

func TestRegistryOpsControls(t *testing.T) {
	r := NewRegistry(nil)
	r.Get("geoip")

	require.NoError(t, r.ForceOpen("geoip"))
	assert.Equal(t, StateOpen, r.Get("geoip").State())
	require.NoError(t, r.ForceClose("geoip"))
	assert.Equal(t, StateClosed, r.Get("geoip").State())

	require.Error(t, r.ForceOpen("nope"))
	require.Error(t, r.Reset("nope"))

	r.Get("geoip").ForceOpen()
	r.ResetAll()
	assert.Equal(t, StateClosed, r.Get("geoip").State())
}
