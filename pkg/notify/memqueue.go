package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryQueue runs jobs on a fixed pool of workers inside the process. A
// failed attempt is rescheduled on a timer with the policy's exponential
// backoff, so a worker is never parked on a retry wait.
type MemoryQueue struct {
	proc    Processor
	policy  Policy
	workers int
	size    int

	jobs     chan attempt
	pending  atomic.Int64
	stopped  chan struct{}
	stopOnce sync.Once

	succeeded atomic.Int64
	failed    atomic.Int64
}

// attempt is a job with the number of the attempt about to run.
type attempt struct {
	job Job
	n   int
}

func NewMemoryQueue(proc Processor, policy Policy, workers, size int) *MemoryQueue {
	if workers <= 0 {
		workers = 4
	}
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{
		proc:    proc,
		policy:  policy,
		workers: workers,
		size:    size,
		jobs:    make(chan attempt, size),
		stopped: make(chan struct{}),
	}
}

// Enqueue schedules job to start at job.NotBefore. It fails with
// ErrQueueFull when size jobs are already scheduled or waiting.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	if q.pending.Add(1) > int64(q.size) {
		q.pending.Add(-1)
		return ErrQueueFull
	}
	q.schedule(attempt{job: job, n: 1}, time.Until(job.NotBefore))
	return nil
}

// schedule hands a to the workers after wait. Jobs due after Run returned
// are discarded.
func (q *MemoryQueue) schedule(a attempt, wait time.Duration) {
	deliver := func() {
		select {
		case q.jobs <- a:
		case <-q.stopped:
			q.pending.Add(-1)
		}
	}
	if wait <= 0 {
		go deliver()
		return
	}
	time.AfterFunc(wait, deliver)
}

// Run starts the workers and blocks until ctx is done and the workers have
// finished their current attempt.
func (q *MemoryQueue) Run(ctx context.Context) {
	defer q.stopOnce.Do(func() { close(q.stopped) })
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case a := <-q.jobs:
					q.run(ctx, a)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *MemoryQueue) run(ctx context.Context, a attempt) {
	job := a.job
	if !job.Deadline.IsZero() && !time.Now().Before(job.Deadline) {
		q.pending.Add(-1)
		q.failed.Add(1)
		slog.ErrorContext(ctx, "Notification job expired before running", "job", job.ID, "user", job.RecipientID)
		return
	}

	err := q.proc.Process(ctx, job)
	switch act, delay := decide(err, a.n, time.Now(), job, q.policy); act {
	case ack:
		q.pending.Add(-1)
		q.succeeded.Add(1)
	case retry:
		slog.WarnContext(ctx, "Notification attempt failed, retrying", "job", job.ID, "attempt", a.n, "retry_in", delay, "error", err)
		q.schedule(attempt{job: job, n: a.n + 1}, delay)
	default:
		q.pending.Add(-1)
		q.failed.Add(1)
		slog.ErrorContext(ctx, "Notification job failed permanently", "job", job.ID, "user", job.RecipientID, "attempts", a.n, "error", err)
	}
}

// Stats reports finished jobs.
func (q *MemoryQueue) Stats() (succeeded, failed int64) {
	return q.succeeded.Load(), q.failed.Load()
}
