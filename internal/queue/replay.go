package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/mailguard/internal/batch"
)

// ReplayOptions tunes a dead-letter replay sweep. Zero values take the
// defaults: chunks of 50, the queue's MaxConcurrent, no pause.
type ReplayOptions struct {
	ChunkSize    int
	Concurrency  int
	DelayBetween time.Duration
}

// ReplayDLQ drains the dead-letter list and scans every job one more
// time, chunk by chunk with bounded concurrency. A job that fails again
// goes straight back to the DLQ with the new error; successes count as
// processed and fire the threat callback like any other scan. Jobs not
// yet attempted when ctx ends are returned to the DLQ untouched.
func (q *WorkerQueue) ReplayDLQ(ctx context.Context, opts ReplayOptions) (*batch.Result, error) {
	q.mu.Lock()
	jobs := q.dlq
	q.dlq = nil
	dlqDepth.Set(0)
	q.mu.Unlock()

	if len(jobs) == 0 {
		return &batch.Result{}, nil
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = q.cfg.MaxConcurrent
	}
	proc := &batch.Processor[*ScanJob]{
		ChunkSize:    opts.ChunkSize,
		Concurrency:  concurrency,
		DelayBetween: opts.DelayBetween,
	}
	if q.log != nil {
		proc.OnProgress = func(p batch.Progress) {
			q.log.Info("dlq replay progress",
				"chunk", p.ChunkIndex+1,
				"chunks", p.TotalChunks,
				"completed", p.Completed,
				"total", p.Total)
		}
	}

	var (
		attemptedMu sync.Mutex
		attempted   = make(map[string]bool, len(jobs))
	)
	res, err := proc.Process(ctx, jobs, func(ctx context.Context, job *ScanJob) error {
		attemptedMu.Lock()
		attempted[job.ID] = true
		attemptedMu.Unlock()
		job.RetryCount = 0
		job.LastError = ""

		start := time.Now()
		score, perr := q.processor.ProcessJob(ctx, job)
		elapsed := time.Since(start)
		if perr != nil {
			job.RetryCount++
			job.LastError = perr.Error()
			q.mu.Lock()
			q.dlq = append(q.dlq, job)
			q.failed++
			dlqDepth.Set(float64(len(q.dlq)))
			q.mu.Unlock()
			jobsFailed.Inc()
			return perr
		}

		q.mu.Lock()
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
		return nil
	})

	// An interrupted sweep leaves the tail unattempted; put it back.
	if err != nil {
		q.mu.Lock()
		for _, job := range jobs {
			if !attempted[job.ID] {
				q.dlq = append(q.dlq, job)
			}
		}
		dlqDepth.Set(float64(len(q.dlq)))
		q.mu.Unlock()
	}

	if q.log != nil {
		q.log.Info("dlq replay finished",
			"processed", res.Processed,
			"failed", res.Failed,
			"duration_ms", res.Duration.Milliseconds())
	}
	return res, err
}
