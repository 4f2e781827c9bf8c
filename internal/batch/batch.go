// Package batch runs a function across many items with bounded
// concurrency: a one-shot order-preserving parallel map, and a chunked
// processor with progress reporting for long-running sweeps.
package batch

import (
	"context"
	"fmt"
	"sync"
)

// Options tunes ParallelMap. The three failure policies are mutually
// exclusive: StopOnError cancels outstanding work on the first failure,
// CollectErrors gathers every failure, and the default returns the
// first error after all items finish.
type Options struct {
	Concurrency   int
	StopOnError   bool
	CollectErrors bool
}

// ItemError ties a failure back to its input index.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// ParallelMap applies fn to every item with at most Concurrency in
// flight and returns the results in input order. Under CollectErrors
// the error slice carries one *ItemError per failure and the result
// slice keeps zero values at failed positions.
func ParallelMap[T, R any](ctx context.Context, items []T, fn func(ctx context.Context, item T) (R, error), opts Options) ([]R, []error, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil, nil
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.StopOnError {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
		firstErr error
	)
	sem := make(chan struct{}, concurrency)

	for i := range items {
		if runCtx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if runCtx.Err() != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = runCtx.Err()
				}
				mu.Unlock()
				return
			}
			r, err := fn(runCtx, items[i])
			if err != nil {
				mu.Lock()
				failures = append(failures, &ItemError{Index: i, Err: err})
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				if opts.StopOnError {
					cancel()
				}
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil && firstErr == nil {
		firstErr = err
	}
	if opts.CollectErrors {
		return results, failures, nil
	}
	return results, nil, firstErr
}
