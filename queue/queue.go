// Package queue provides the bounded pipeline queue and the fixed-size
// worker pool that executes submitted tasks with rate limiting, per-task
// timeouts, and job-count recycling.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360studio/semhooks/model"
)

// Task is one unit of work for the pool. Timeout overrides the pool default
// when positive.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Handle resolves when the task finishes.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task completes or ctx expires, returning the task's
// error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

// Done exposes the completion channel for select loops.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task error once Done is closed.
func (h *Handle) Err() error { return h.err }

type item struct {
	task   Task
	handle *Handle
}

// Queue is a bounded FIFO with interval rate limiting and backpressure.
// Submissions past the bound block up to the submit timeout and then fail
// with QUEUE_FULL.
type Queue struct {
	tasks         chan item
	sem           chan struct{}
	limiter       *rate.Limiter
	submitTimeout time.Duration

	submitted atomic.Int64
	rejected  atomic.Int64
}

// Options configures a Queue.
type Options struct {
	Capacity      int
	Concurrency   int
	Interval      time.Duration
	IntervalCap   int
	SubmitTimeout time.Duration
}

// New creates a queue. The limiter admits at most IntervalCap task starts
// per Interval; Concurrency bounds tasks running at once.
func New(opts Options) *Queue {
	limit := rate.Inf
	if opts.Interval > 0 && opts.IntervalCap > 0 {
		limit = rate.Every(opts.Interval / time.Duration(opts.IntervalCap))
	}
	burst := opts.IntervalCap
	if burst < 1 {
		burst = 1
	}
	return &Queue{
		tasks:         make(chan item, opts.Capacity),
		sem:           make(chan struct{}, opts.Concurrency),
		limiter:       rate.NewLimiter(limit, burst),
		submitTimeout: opts.SubmitTimeout,
	}
}

// Submit enqueues a task and returns its handle. When the queue is full the
// call blocks up to the submit timeout before failing with QUEUE_FULL.
func (q *Queue) Submit(ctx context.Context, task Task) (*Handle, error) {
	it := item{task: task, handle: &Handle{done: make(chan struct{})}}

	var timeout <-chan time.Time
	if q.submitTimeout > 0 {
		timer := time.NewTimer(q.submitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case q.tasks <- it:
		q.submitted.Add(1)
		return it.handle, nil
	case <-timeout:
		q.rejected.Add(1)
		return nil, model.Ef(model.KindQueueFull, "submit task",
			"queue full, submission of %q timed out after %s", task.Name, q.submitTimeout)
	case <-ctx.Done():
		q.rejected.Add(1)
		return nil, model.E(model.KindOf(ctx.Err(), model.KindCancelled), "submit task", ctx.Err())
	}
}

// Depth returns the number of queued, not yet started tasks.
func (q *Queue) Depth() int { return len(q.tasks) }

// Status returns runtime counters.
func (q *Queue) Status() model.QueueStatus {
	return model.QueueStatus{
		Depth:     len(q.tasks),
		Capacity:  cap(q.tasks),
		Submitted: q.submitted.Load(),
		Rejected:  q.rejected.Load(),
	}
}
