// Package queue is the bounded priority queue feeding scan jobs to the
// pipeline: FIFO within a priority class, bounded concurrency, per-job
// retries and a dead-letter list, with a JSON snapshot for restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailguard/internal/message"
	"github.com/ignite/mailguard/internal/pkg/logger"
)

// Priority orders jobs; lower rank drains first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

func rankOf(p Priority) int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// ScanJob is one message awaiting (or having failed) a scan.
type ScanJob struct {
	ID         string               `json:"id"`
	TenantID   string               `json:"tenantId"`
	Email      *message.ParsedEmail `json:"email"`
	Priority   Priority             `json:"priority"`
	RetryCount int                  `json:"retryCount"`
	LastError  string               `json:"lastError,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	EnqueuedAt time.Time            `json:"enqueuedAt"`
}

// Processor scans one job and reports its threat score.
type Processor interface {
	ProcessJob(ctx context.Context, job *ScanJob) (score float64, err error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *ScanJob) (float64, error)

func (f ProcessorFunc) ProcessJob(ctx context.Context, job *ScanJob) (float64, error) {
	return f(ctx, job)
}

// QueueFullError rejects an enqueue at MaxDepth, carrying the depth
// for the caller's backpressure decision.
type QueueFullError struct {
	Depth    int
	MaxDepth int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("scan queue is full (depth %d, max %d)", e.Depth, e.MaxDepth)
}

// Config tunes a WorkerQueue. Zero values take the defaults.
type Config struct {
	MaxConcurrent   int
	MaxRetries      int
	RetryDelay      time.Duration
	MaxDepth        int
	ThreatThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 10000
	}
	if c.ThreatThreshold <= 0 {
		c.ThreatThreshold = 50
	}
	return c
}

// Stats is a point-in-time queue snapshot, JSON-shaped for the ops API.
type Stats struct {
	Processed       int64   `json:"processed"`
	Failed          int64   `json:"failed"`
	Threats         int64   `json:"threats"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`
	ThreatRate      float64 `json:"threatRate"`
	Depth           int     `json:"depth"`
	Processing      int     `json:"processing"`
	DLQDepth        int     `json:"dlqDepth"`
}

// ThreatCallback fires when a job's score reaches the threshold.
type ThreatCallback func(job *ScanJob, score float64)

// WorkerQueue is a single bounded queue per daemon instance. Pending
// jobs are kept sorted by (priority rank, createdAt); ProcessAll drains
// with at most MaxConcurrent scans in flight.
type WorkerQueue struct {
	cfg       Config
	processor Processor
	onThreat  ThreatCallback
	log       *logger.Logger

	mu         sync.Mutex
	pending    []*ScanJob
	processing map[string]*ScanJob
	dlq        []*ScanJob

	processed         int64
	failed            int64
	threats           int64
	totalProcessingMs int64
}

func NewWorkerQueue(cfg Config, processor Processor, log *logger.Logger) *WorkerQueue {
	return &WorkerQueue{
		cfg:        cfg.withDefaults(),
		processor:  processor,
		log:        log,
		processing: make(map[string]*ScanJob),
	}
}

// OnThreat registers the threat callback. Call before ProcessAll.
func (q *WorkerQueue) OnThreat(cb ThreatCallback) { q.onThreat = cb }

// Enqueue adds a job, filling in ID and timestamps, and re-sorts the
// pending list. A full queue rejects with QueueFullError.
func (q *WorkerQueue) Enqueue(job *ScanJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.EnqueuedAt = now
	if _, ok := priorityRank[job.Priority]; !ok {
		job.Priority = PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.cfg.MaxDepth {
		jobsRejected.Inc()
		return &QueueFullError{Depth: len(q.pending), MaxDepth: q.cfg.MaxDepth}
	}
	q.pending = append(q.pending, job)
	q.sortLocked()
	queueDepth.Set(float64(len(q.pending)))
	return nil
}

// sortLocked keeps (rank, createdAt) order. The sort is stable so jobs
// with equal keys keep their arrival order.
func (q *WorkerQueue) sortLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		ri, rj := rankOf(q.pending[i].Priority), rankOf(q.pending[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return q.pending[i].CreatedAt.Before(q.pending[j].CreatedAt)
	})
}

// next pops the highest-priority job into the processing set.
func (q *WorkerQueue) next() *ScanJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.processing[job.ID] = job
	queueDepth.Set(float64(len(q.pending)))
	return job
}

// requeue puts an interrupted job back in pending for the next drain.
func (q *WorkerQueue) requeue(job *ScanJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, job.ID)
	q.pending = append(q.pending, job)
	q.sortLocked()
	queueDepth.Set(float64(len(q.pending)))
}

// ProcessAll drains the queue with at most MaxConcurrent jobs in
// flight, blocking until the queue is empty or ctx ends. Jobs pulled
// but not started when ctx ends go back to pending.
func (q *WorkerQueue) ProcessAll(ctx context.Context) {
	sem := make(chan struct{}, q.cfg.MaxConcurrent)
	var wg sync.WaitGroup

drain:
	for {
		if ctx.Err() != nil {
			break
		}
		job := q.next()
		if job == nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			q.requeue(job)
			break drain
		}
		wg.Add(1)
		go func(job *ScanJob) {
			defer wg.Done()
			defer func() { <-sem }()
			q.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

// Run drains on a fixed interval until ctx ends. The daemon's worker
// loop.
func (q *WorkerQueue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ProcessAll(ctx)
		}
	}
}

// runJob scans one job, retrying in place up to MaxRetries with a
// cancellable delay between attempts; the final failure dead-letters
// the job with its last error.
func (q *WorkerQueue) runJob(ctx context.Context, job *ScanJob) {
	for {
		start := time.Now()
		score, err := q.processor.ProcessJob(ctx, job)
		elapsed := time.Since(start)

		if err == nil {
			q.mu.Lock()
			delete(q.processing, job.ID)
			q.processed++
			q.totalProcessingMs += elapsed.Milliseconds()
			isThreat := score >= q.cfg.ThreatThreshold
			if isThreat {
				q.threats++
			}
			cb := q.onThreat
			q.mu.Unlock()

			jobsProcessed.Inc()
			processingSeconds.Observe(elapsed.Seconds())
			if isThreat {
				threatsDetected.Inc()
				if cb != nil {
					cb(job, score)
				}
			}
			return
		}

		job.RetryCount++
		job.LastError = err.Error()
		if job.RetryCount > q.cfg.MaxRetries {
			q.mu.Lock()
			delete(q.processing, job.ID)
			q.dlq = append(q.dlq, job)
			q.failed++
			dlqDepth.Set(float64(len(q.dlq)))
			q.mu.Unlock()
			jobsFailed.Inc()
			if q.log != nil {
				q.log.Error("scan job dead-lettered", "job_id", job.ID, "tenant_id", job.TenantID, "retries", job.RetryCount-1, "error", err.Error())
			}
			return
		}

		jobsRetried.Inc()
		if q.log != nil {
			q.log.Warn("scan job failed, retrying", "job_id", job.ID, "attempt", job.RetryCount, "error", err.Error())
		}
		timer := time.NewTimer(q.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			q.requeue(job)
			return
		}
	}
}

// DeadLetters returns a copy of the DLQ.
func (q *WorkerQueue) DeadLetters() []*ScanJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*ScanJob(nil), q.dlq...)
}

// Depth reports pending jobs.
func (q *WorkerQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *WorkerQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		Processed:  q.processed,
		Failed:     q.failed,
		Threats:    q.threats,
		Depth:      len(q.pending),
		Processing: len(q.processing),
		DLQDepth:   len(q.dlq),
	}
	if q.processed > 0 {
		st.AvgProcessingMs = float64(q.totalProcessingMs) / float64(q.processed)
		st.ThreatRate = float64(q.threats) / float64(q.processed)
	}
	return st
}

// snapshot is the serialized queue state. Processing jobs rehydrate as
// pending: a restart must rescan anything that never finished.
type snapshot struct {
	SavedAt time.Time  `json:"savedAt"`
	Pending []*ScanJob `json:"pending"`
	DLQ     []*ScanJob `json:"dlq,omitempty"`
}

// Serialize captures pending + processing + DLQ as JSON.
func (q *WorkerQueue) Serialize() ([]byte, error) {
	q.mu.Lock()
	snap := snapshot{SavedAt: time.Now()}
	snap.Pending = append(snap.Pending, q.pending...)
	for _, job := range q.processing {
		snap.Pending = append(snap.Pending, job)
	}
	snap.DLQ = append(snap.DLQ, q.dlq...)
	q.mu.Unlock()
	return json.Marshal(snap)
}

// Restore merges a serialized snapshot into the queue.
func (q *WorkerQueue) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("restore queue snapshot: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, snap.Pending...)
	q.sortLocked()
	q.dlq = append(q.dlq, snap.DLQ...)
	queueDepth.Set(float64(len(q.pending)))
	dlqDepth.Set(float64(len(q.dlq)))
	return nil
}

// Persist saves the snapshot to store; used on shutdown.
func (q *WorkerQueue) Persist(ctx context.Context, store SnapshotStore) error {
	data, err := q.Serialize()
	if err != nil {
		return err
	}
	return store.Save(ctx, data)
}

// RestoreFrom loads a snapshot from store; a missing snapshot is not
// an error.
func (q *WorkerQueue) RestoreFrom(ctx context.Context, store SnapshotStore) error {
	data, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return q.Restore(data)
}
