package batch

import (
	"context"
	"time"
)

// Progress is emitted once per completed chunk.
type Progress struct {
	ChunkIndex  int
	TotalChunks int
	Completed   int
	Total       int
}

// Result summarizes one Process run. Errors holds *ItemError values
// with indexes into the original item slice.
type Result struct {
	Processed int
	Failed    int
	Errors    []error
	Duration  time.Duration
}

// Processor sweeps a large item set in chunks, running each chunk as a
// parallel map, with an optional pause between chunks to spare
// downstream dependencies.
type Processor[T any] struct {
	ChunkSize    int
	Concurrency  int
	DelayBetween time.Duration
	OnProgress   func(Progress)
}

// Process runs fn over items chunk by chunk. Failures are collected,
// never fatal; cancellation between (or during) chunks stops the sweep
// and returns ctx's error alongside the partial result.
func (p *Processor[T]) Process(ctx context.Context, items []T, fn func(ctx context.Context, item T) error) (*Result, error) {
	start := time.Now()
	res := &Result{}

	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}
	totalChunks := (len(items) + chunkSize - 1) / chunkSize

	for chunk := 0; chunk*chunkSize < len(items); chunk++ {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}

		lo := chunk * chunkSize
		hi := lo + chunkSize
		if hi > len(items) {
			hi = len(items)
		}

		_, failures, _ := ParallelMap(ctx, items[lo:hi], func(ctx context.Context, item T) (struct{}, error) {
			return struct{}{}, fn(ctx, item)
		}, Options{Concurrency: p.Concurrency, CollectErrors: true})

		for _, err := range failures {
			// Rebase the chunk-relative index onto the full slice.
			if ie, ok := err.(*ItemError); ok {
				res.Errors = append(res.Errors, &ItemError{Index: lo + ie.Index, Err: ie.Err})
			} else {
				res.Errors = append(res.Errors, err)
			}
		}
		res.Failed += len(failures)
		res.Processed += (hi - lo) - len(failures)

		if p.OnProgress != nil {
			p.OnProgress(Progress{
				ChunkIndex:  chunk,
				TotalChunks: totalChunks,
				Completed:   hi,
				Total:       len(items),
			})
		}

		if p.DelayBetween > 0 && hi < len(items) {
			timer := time.NewTimer(p.DelayBetween)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				res.Duration = time.Since(start)
				return res, ctx.Err()
			}
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}
