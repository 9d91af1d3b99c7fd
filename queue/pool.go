package queue

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semhooks/model"
)

// Pool is a fixed-size set of long-lived workers draining a Queue. A worker
// retires after maxJobs tasks and is replaced by a fresh one to bound
// resource drift.
type Pool struct {
	queue   *Queue
	threads int
	maxJobs int
	timeout time.Duration
	logger  *slog.Logger

	active   atomic.Int64
	total    atomic.Int64
	recycled atomic.Int64
	wg       sync.WaitGroup
}

// NewPool creates a worker pool over q. timeout is the default per-task
// deadline; tasks may override it.
func NewPool(q *Queue, threads, maxJobs int, timeout time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   q,
		threads: threads,
		maxJobs: maxJobs,
		timeout: timeout,
		logger:  logger,
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.threads; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	jobs := 0
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.queue.tasks:
			p.execute(ctx, it)
			jobs++
			if jobs >= p.maxJobs {
				p.recycled.Add(1)
				p.logger.Debug("Recycling worker",
					slog.Int("worker", id),
					slog.Int("jobs", jobs))
				p.wg.Add(1)
				go p.worker(ctx, id)
				return
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, it item) {
	// Honour the rate-limit window before the task counts as started.
	if err := p.queue.limiter.Wait(ctx); err != nil {
		p.finish(it, model.E(model.KindCancelled, "await rate limit", err))
		return
	}
	select {
	case p.queue.sem <- struct{}{}:
	case <-ctx.Done():
		p.finish(it, model.E(model.KindCancelled, "await concurrency slot", ctx.Err()))
		return
	}
	defer func() { <-p.queue.sem }()

	timeout := p.timeout
	if it.task.Timeout > 0 {
		timeout = it.task.Timeout
	}
	taskCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p.active.Add(1)
	defer p.active.Add(-1)
	p.total.Add(1)

	p.finish(it, p.runSafely(taskCtx, it.task))
}

// runSafely converts a task panic into an INTERNAL error so one bad task
// cannot take down its worker.
func (p *Pool) runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked",
				slog.String("task", task.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = model.Ef(model.KindInternal, "run task", "task %q panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}

func (p *Pool) finish(it item, err error) {
	it.handle.err = err
	close(it.handle.done)
}

// Status returns runtime counters.
func (p *Pool) Status() model.WorkerStatus {
	return model.WorkerStatus{
		Threads:  p.threads,
		Active:   p.active.Load(),
		Total:    p.total.Load(),
		Recycled: p.recycled.Load(),
	}
}
