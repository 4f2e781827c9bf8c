package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// RetryOptions tunes a retry loop. Zero values take the defaults.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds a uniform [0, delay/2) to each backoff so synced
	// callers don't stampede a recovering dependency.
	Jitter bool
	// ShouldRetry decides which errors are worth another attempt.
	// Defaults to IsTransient.
	ShouldRetry func(error) bool
	// OnRetry is called before each sleep with the attempt that just
	// failed, the upcoming delay and the error.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = IsTransient
	}
	return o
}

// RetryError wraps the last error once every attempt is spent.
type RetryError struct {
	Attempts int
	LastErr  error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryError) Unwrap() error { return e.LastErr }

// Retry runs fn up to MaxAttempts times with exponential backoff.
// Non-retryable errors surface immediately and unwrapped; exhausting
// the attempts returns a RetryError wrapping the last failure. The
// sleeps respect ctx, so cancellation aborts the loop mid-backoff.
func Retry(ctx context.Context, fn func(context.Context) error, opts RetryOptions) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !opts.ShouldRetry(err) {
			return err
		}
		lastErr = err
		retriesTotal.Inc()
		if attempt == opts.MaxAttempts {
			break
		}
		delay := backoffDelay(attempt, opts)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	retriesExhausted.Inc()
	return &RetryError{Attempts: opts.MaxAttempts, LastErr: lastErr}
}

// backoffDelay computes min(maxDelay, base * 2^(attempt-1)), with
// optional jitter on top.
func backoffDelay(attempt int, opts RetryOptions) time.Duration {
	delay := opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= opts.MaxDelay {
			delay = opts.MaxDelay
			break
		}
	}
	if delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	if opts.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
