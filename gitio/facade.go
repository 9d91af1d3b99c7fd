package gitio

import (
	"context"
	"log/slog"

	"github.com/c360studio/semhooks/config"
	"github.com/c360studio/semhooks/model"
	"github.com/c360studio/semhooks/queue"
)

// IO is the facade over the Git-native persistence layer: queue, worker
// pool, locks, snapshots, and receipts. One IO belongs to one orchestrator
// instance; cross-process coordination happens only through refs and notes.
type IO struct {
	runner    *Runner
	locks     *LockManager
	snapshots *SnapshotStore
	receipts  *ReceiptWriter
	queue     *queue.Queue
	pool      *queue.Pool
	logger    *slog.Logger
}

// New wires the persistence layer from configuration. Start must be called
// before tasks are submitted.
func New(cfg *config.Config, logger *slog.Logger) *IO {
	if logger == nil {
		logger = slog.Default()
	}
	runner := NewRunner(cfg.Repo.Path, logger)
	locks := NewLockManager(runner, cfg.Locks.DefaultTTL, cfg.Locks.AcquireTimeout, logger)
	snapshots := NewSnapshotStore(runner, locks, cfg.Snapshots.CompressOver, logger)
	receipts := NewReceiptWriter(runner, locks, snapshots, cfg.Receipts.BatchSize, cfg.Receipts.FlushInterval, logger)
	q := queue.New(queue.Options{
		Capacity:      cfg.Queue.Capacity,
		Concurrency:   cfg.Queue.Concurrency,
		Interval:      cfg.Queue.Interval,
		IntervalCap:   cfg.Queue.IntervalCap,
		SubmitTimeout: cfg.Queue.SubmitTimeout,
	})
	pool := queue.NewPool(q, cfg.Workers.Threads, cfg.Workers.MaxJobs, cfg.Workers.Timeout, logger)

	return &IO{
		runner:    runner,
		locks:     locks,
		snapshots: snapshots,
		receipts:  receipts,
		queue:     q,
		pool:      pool,
		logger:    logger,
	}
}

// Start launches the worker pool and the receipt auto-flusher. Both stop
// when ctx is cancelled; Stop waits for them.
func (io *IO) Start(ctx context.Context) {
	io.pool.Start(ctx)
	go io.receipts.Run(ctx)
}

// Stop waits for the workers to drain after their context is cancelled.
func (io *IO) Stop() {
	io.pool.Wait()
}

// Runner exposes the underlying git runner for signal extraction.
func (io *IO) Runner() *Runner { return io.runner }

// Locks exposes the lock manager.
func (io *IO) Locks() *LockManager { return io.locks }

// Snapshots exposes the snapshot store.
func (io *IO) Snapshots() *SnapshotStore { return io.snapshots }

// Receipts exposes the receipt writer.
func (io *IO) Receipts() *ReceiptWriter { return io.receipts }

// QueueDepth reports how many tasks are waiting in the queue.
func (io *IO) QueueDepth() int { return io.queue.Depth() }

// Enqueue submits a task for execution by the worker pool.
func (io *IO) Enqueue(ctx context.Context, task queue.Task) (*queue.Handle, error) {
	return io.queue.Submit(ctx, task)
}

// WithLock runs fn under the named lock, releasing on every exit path.
func (io *IO) WithLock(ctx context.Context, name string, opts LockOptions, fn func(ctx context.Context) error) error {
	return io.locks.WithLock(ctx, name, opts, fn)
}

// StoreSnapshot writes value to the snapshot store and returns its hash.
func (io *IO) StoreSnapshot(ctx context.Context, key string, value []byte, meta map[string]string) (string, error) {
	return io.snapshots.Put(ctx, key, value, meta)
}

// WriteReceipt buffers a sealed receipt for the given commit.
func (io *IO) WriteReceipt(ctx context.Context, commit string, receipt model.Receipt) error {
	return io.receipts.Append(ctx, commit, receipt)
}

// FlushAll drains pending receipt writes synchronously.
func (io *IO) FlushAll(ctx context.Context) error {
	return io.receipts.Flush(ctx)
}

// Status reports runtime counters across the persistence layer.
func (io *IO) Status(ctx context.Context) model.StatusReport {
	return model.StatusReport{
		Queue:     io.queue.Status(),
		Workers:   io.pool.Status(),
		Receipts:  io.receipts.Status(),
		Snapshots: io.snapshots.Status(ctx),
	}
}
