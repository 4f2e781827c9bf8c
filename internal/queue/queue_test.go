package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailguard/internal/message"
)

func testEmail(from string) *message.ParsedEmail {
	return &message.ParsedEmail{
		MessageID: "msg-" + from,
		From:      message.NewAddress(from, ""),
		Subject:   "hello",
	}
}

func job(id string, p Priority, createdAt time.Time) *ScanJob {
	return &ScanJob{
		ID:        id,
		TenantID:  "tenant-1",
		Email:     testEmail(id + "@example.com"),
		Priority:  p,
		CreatedAt: createdAt,
	}
}

// recording processor appends job IDs in completion order.
type recorder struct {
	mu    sync.Mutex
	order []string
	score float64
	err   error
}

func (r *recorder) ProcessJob(_ context.Context, j *ScanJob) (float64, error) {
	r.mu.Lock()
	r.order = append(r.order, j.ID)
	r.mu.Unlock()
	return r.score, r.err
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestProcessAllDrainsByPriorityThenAge(t *testing.T) {
	rec := &recorder{}
	q := NewWorkerQueue(Config{MaxConcurrent: 1}, rec, nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, q.Enqueue(job("low-1", PriorityLow, base)))
	require.NoError(t, q.Enqueue(job("normal-2", PriorityNormal, base.Add(2*time.Second))))
	require.NoError(t, q.Enqueue(job("normal-1", PriorityNormal, base.Add(time.Second))))
	require.NoError(t, q.Enqueue(job("critical-1", PriorityCritical, base.Add(5*time.Second))))
	require.NoError(t, q.Enqueue(job("high-1", PriorityHigh, base.Add(3*time.Second))))

	q.ProcessAll(context.Background())

	assert.Equal(t, []string{"critical-1", "high-1", "normal-1", "normal-2", "low-1"}, rec.seen())
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, int64(5), q.Stats().Processed)
}

func TestEnqueueDefaultsAndInvalidPriority(t *testing.T) {
	q := NewWorkerQueue(Config{}, &recorder{}, nil)
	j := &ScanJob{Email: testEmail("a@example.com"), Priority: Priority("urgent")}
	require.NoError(t, q.Enqueue(j))

	assert.NotEmpty(t, j.ID)
	assert.False(t, j.CreatedAt.IsZero())
	assert.False(t, j.EnqueuedAt.IsZero())
	assert.Equal(t, PriorityNormal, j.Priority)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := NewWorkerQueue(Config{MaxDepth: 2}, &recorder{}, nil)
	require.NoError(t, q.Enqueue(job("a", PriorityNormal, time.Now())))
	require.NoError(t, q.Enqueue(job("b", PriorityNormal, time.Now())))

	err := q.Enqueue(job("c", PriorityNormal, time.Now()))
	var full *QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 2, full.Depth)
	assert.Equal(t, 2, full.MaxDepth)
	assert.Equal(t, 2, q.Depth())
}

func TestProcessAllBoundsConcurrency(t *testing.T) {
	var inFlight, peak int64
	proc := ProcessorFunc(func(ctx context.Context, _ *ScanJob) (float64, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return 0, nil
	})

	q := NewWorkerQueue(Config{MaxConcurrent: 3}, proc, nil)
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(job(string(rune('a'+i)), PriorityNormal, time.Now())))
	}
	q.ProcessAll(context.Background())

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.Equal(t, int64(20), q.Stats().Processed)
}

func TestRetryThenSuccess(t *testing.T) {
	var calls int64
	proc := ProcessorFunc(func(ctx context.Context, _ *ScanJob) (float64, error) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			return 0, errors.New("provider timeout")
		}
		return 10, nil
	})

	q := NewWorkerQueue(Config{MaxConcurrent: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, proc, nil)
	j := job("retry-me", PriorityNormal, time.Now())
	require.NoError(t, q.Enqueue(j))
	q.ProcessAll(context.Background())

	st := q.Stats()
	assert.Equal(t, int64(1), st.Processed)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, 2, j.RetryCount)
	assert.Empty(t, q.DeadLetters())
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, _ *ScanJob) (float64, error) {
		return 0, errors.New("provider exploded")
	})
	q := NewWorkerQueue(Config{MaxConcurrent: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, proc, nil)
	require.NoError(t, q.Enqueue(job("doomed", PriorityNormal, time.Now())))
	q.ProcessAll(context.Background())

	dlq := q.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, "doomed", dlq[0].ID)
	assert.Equal(t, 3, dlq[0].RetryCount)
	assert.Equal(t, "provider exploded", dlq[0].LastError)

	st := q.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(0), st.Processed)
	assert.Equal(t, 1, st.DLQDepth)
}

func TestThreatCallbackFiresAtThreshold(t *testing.T) {
	scores := map[string]float64{"clean": 20, "hot": 80, "edge": 50}
	proc := ProcessorFunc(func(ctx context.Context, j *ScanJob) (float64, error) {
		return scores[j.ID], nil
	})
	q := NewWorkerQueue(Config{MaxConcurrent: 1, ThreatThreshold: 50}, proc, nil)

	var mu sync.Mutex
	flagged := map[string]float64{}
	q.OnThreat(func(j *ScanJob, score float64) {
		mu.Lock()
		flagged[j.ID] = score
		mu.Unlock()
	})

	for id := range scores {
		require.NoError(t, q.Enqueue(job(id, PriorityNormal, time.Now())))
	}
	q.ProcessAll(context.Background())

	assert.Equal(t, map[string]float64{"hot": 80, "edge": 50}, flagged)
	st := q.Stats()
	assert.Equal(t, int64(2), st.Threats)
	assert.InDelta(t, 2.0/3.0, st.ThreatRate, 1e-9)
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	rec := &recorder{}
	q := NewWorkerQueue(Config{}, rec, nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, q.Enqueue(job("n1", PriorityNormal, base)))
	require.NoError(t, q.Enqueue(job("c1", PriorityCritical, base.Add(time.Second))))
	require.NoError(t, q.Enqueue(job("l1", PriorityLow, base.Add(2*time.Second))))

	data, err := q.Serialize()
	require.NoError(t, err)

	restored := NewWorkerQueue(Config{MaxConcurrent: 1}, rec, nil)
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, 3, restored.Depth())

	restored.ProcessAll(context.Background())
	assert.Equal(t, []string{"c1", "n1", "l1"}, rec.seen())
}

func TestSerializeIncludesProcessingJobs(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	proc := ProcessorFunc(func(ctx context.Context, _ *ScanJob) (float64, error) {
		once.Do(func() { close(started) })
		<-release
		return 0, nil
	})

	q := NewWorkerQueue(Config{MaxConcurrent: 1}, proc, nil)
	require.NoError(t, q.Enqueue(job("inflight", PriorityNormal, time.Now())))

	done := make(chan struct{})
	go func() {
		q.ProcessAll(context.Background())
		close(done)
	}()
	<-started

	data, err := q.Serialize()
	require.NoError(t, err)
	close(release)
	<-done

	// The in-flight job must come back as pending on a fresh instance.
	restored := NewWorkerQueue(Config{}, proc, nil)
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, 1, restored.Depth())
}

func TestCancelDuringRetryDelayRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc := ProcessorFunc(func(ctx context.Context, _ *ScanJob) (float64, error) {
		cancel()
		return 0, errors.New("transient blip")
	})
	q := NewWorkerQueue(Config{MaxConcurrent: 1, MaxRetries: 5, RetryDelay: time.Minute}, proc, nil)
	require.NoError(t, q.Enqueue(job("paused", PriorityNormal, time.Now())))

	q.ProcessAll(ctx)

	assert.Equal(t, 1, q.Depth())
	st := q.Stats()
	assert.Equal(t, int64(0), st.Processed)
	assert.Equal(t, int64(0), st.Failed)
}

func TestStatsAveragesProcessingTime(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, _ *ScanJob) (float64, error) {
		time.Sleep(2 * time.Millisecond)
		return 0, nil
	})
	q := NewWorkerQueue(Config{MaxConcurrent: 2}, proc, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(job(string(rune('a'+i)), PriorityNormal, time.Now())))
	}
	q.ProcessAll(context.Background())

	st := q.Stats()
	assert.Equal(t, int64(4), st.Processed)
	assert.GreaterOrEqual(t, st.AvgProcessingMs, 1.0)
}
