package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelMapPreservesOrder(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	results, _, err := ParallelMap(context.Background(), items, func(_ context.Context, n int) (string, error) {
		// Reverse the natural completion order.
		time.Sleep(time.Duration(50-n) * time.Millisecond / 10)
		return fmt.Sprintf("r%d", n), nil
	}, Options{Concurrency: 8})
	require.NoError(t, err)
	require.Len(t, results, 50)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("r%d", i), r)
	}
}

func TestParallelMapBoundsConcurrency(t *testing.T) {
	var inFlight, peak int64
	items := make([]int, 40)

	_, _, err := ParallelMap(context.Background(), items, func(_ context.Context, _ int) (int, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return 0, nil
	}, Options{Concurrency: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int64(3))
}

func TestParallelMapDefaultPolicyReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	items := []int{0, 1, 2, 3}

	results, failures, err := ParallelMap(context.Background(), items, func(_ context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n * 10, nil
	}, Options{Concurrency: 2})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, failures)
	// Successful positions are still filled.
	assert.Equal(t, 10, results[1])
}

func TestParallelMapCollectErrors(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5}

	results, failures, err := ParallelMap(context.Background(), items, func(_ context.Context, n int) (int, error) {
		if n%2 == 1 {
			return 0, fmt.Errorf("odd %d", n)
		}
		return n, nil
	}, Options{Concurrency: 3, CollectErrors: true})
	require.NoError(t, err)
	assert.Len(t, failures, 3)

	indexes := map[int]bool{}
	for _, f := range failures {
		var ie *ItemError
		require.ErrorAs(t, f, &ie)
		indexes[ie.Index] = true
	}
	assert.Equal(t, map[int]bool{1: true, 3: true, 5: true}, indexes)
	assert.Equal(t, 4, results[4])
}

func TestParallelMapStopOnError(t *testing.T) {
	boom := errors.New("boom")
	var ran int64
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}

	_, _, err := ParallelMap(context.Background(), items, func(ctx context.Context, n int) (int, error) {
		atomic.AddInt64(&ran, 1)
		if n == 3 {
			return 0, boom
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
		}
		return n, nil
	}, Options{Concurrency: 2, StopOnError: true})
	require.ErrorIs(t, err, boom)
	// Far fewer than all 100 items started after the failure canceled
	// the run.
	assert.Less(t, atomic.LoadInt64(&ran), int64(100))
}

func TestParallelMapEmptyInput(t *testing.T) {
	results, failures, err := ParallelMap(context.Background(), nil, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, failures)
}

func TestProcessorChunksAndProgress(t *testing.T) {
	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}

	var progress []Progress
	p := &Processor[int]{
		ChunkSize:   10,
		Concurrency: 4,
		OnProgress:  func(pr Progress) { progress = append(progress, pr) },
	}

	res, err := p.Process(context.Background(), items, func(_ context.Context, n int) error {
		if n == 7 || n == 23 {
			return fmt.Errorf("item %d unprocessable", n)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 23, res.Processed)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Errors, 2)

	indexes := map[int]bool{}
	for _, e := range res.Errors {
		var ie *ItemError
		require.ErrorAs(t, e, &ie)
		indexes[ie.Index] = true
	}
	assert.Equal(t, map[int]bool{7: true, 23: true}, indexes)

	require.Len(t, progress, 3)
	assert.Equal(t, Progress{ChunkIndex: 0, TotalChunks: 3, Completed: 10, Total: 25}, progress[0])
	assert.Equal(t, Progress{ChunkIndex: 2, TotalChunks: 3, Completed: 25, Total: 25}, progress[2])
}

func TestProcessorInterChunkDelayHonorsContext(t *testing.T) {
	items := make([]int, 30)
	p := &Processor[int]{ChunkSize: 10, Concurrency: 2, DelayBetween: 10 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := p.Process(ctx, items, func(context.Context, int) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "delay sleep must abort on cancellation")
	assert.Equal(t, 10, res.Processed, "first chunk completed before the delay")
}
