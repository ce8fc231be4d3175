// Package queue provides the in-process async work queue used for
// revocation side effects. Delivery is at-least-once: a job that fails is
// retried with bounded exponential backoff, so handlers must be idempotent.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"sentra.org/internal/obs"
)

// Job is a named unit of work. Run must tolerate repeated execution.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue executes jobs on a fixed worker pool with retries.
type Queue struct {
	jobs        chan Job
	workers     int
	maxAttempts int
	baseBackoff time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once

	// onExhausted is invoked after the final failed attempt. Tests hook it;
	// the default emits an error log so silent retry failure cannot happen.
	onExhausted func(name string, err error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithExhaustedHook overrides the handler called when retries run out.
func WithExhaustedHook(fn func(name string, err error)) Option {
	return func(q *Queue) {
		if fn != nil {
			q.onExhausted = fn
		}
	}
}

// New builds a stopped queue; call Start before enqueueing.
func New(workers, maxAttempts int, baseBackoff time.Duration, opts ...Option) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:        make(chan Job, 256),
		workers:     workers,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		ctx:         ctx,
		cancel:      cancel,
	}
	q.onExhausted = func(name string, err error) {
		obs.LogError("queue job exhausted retries", map[string]any{
			"job":   name,
			"error": err.Error(),
		})
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.worker()
		}
	})
}

// Enqueue submits a job. It fails once the queue is shut down.
func (q *Queue) Enqueue(job Job) error {
	if job.Run == nil {
		return errors.New("queue: job has no work")
	}
	select {
	case <-q.ctx.Done():
		return errors.New("queue: shut down")
	case q.jobs <- job:
		return nil
	}
}

// Close stops intake and waits for in-flight jobs to finish.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			// Drain whatever is already buffered before exiting.
			for {
				select {
				case job := <-q.jobs:
					q.execute(job)
				default:
					return
				}
			}
		case job := <-q.jobs:
			q.execute(job)
		}
	}
}

func (q *Queue) execute(job Job) {
	var err error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		err = job.Run(context.Background())
		if err == nil {
			obs.RevocationJob(job.Name, "ok")
			return
		}
		if attempt == q.maxAttempts {
			break
		}
		obs.RevocationJob(job.Name, "retry")
		if !q.sleep(q.backoff(attempt)) {
			// Shutdown during backoff: one last immediate attempt below.
			continue
		}
	}
	obs.RevocationJob(job.Name, "failed")
	q.onExhausted(job.Name, err)
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.baseBackoff << (attempt - 1)
	const maxBackoff = 30 * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (q *Queue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
