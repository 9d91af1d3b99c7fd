package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semhooks/model"
)

func newTestQueue(capacity, concurrency int) *Queue {
	return New(Options{
		Capacity:      capacity,
		Concurrency:   concurrency,
		Interval:      time.Millisecond,
		IntervalCap:   100,
		SubmitTimeout: 50 * time.Millisecond,
	})
}

func TestSubmitAndExecute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(8, 2)
	pool := NewPool(q, 2, 100, time.Second, nil)
	pool.Start(ctx)

	var ran atomic.Int32
	handle, err := q.Submit(ctx, Task{
		Name: "noop",
		Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, int64(1), q.Status().Submitted)
}

func TestTaskErrorPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(8, 1)
	pool := NewPool(q, 1, 100, time.Second, nil)
	pool.Start(ctx)

	boom := errors.New("boom")
	handle, err := q.Submit(ctx, Task{Name: "fail", Run: func(ctx context.Context) error { return boom }})
	require.NoError(t, err)
	assert.ErrorIs(t, handle.Wait(ctx), boom)
}

func TestQueueFullBackpressure(t *testing.T) {
	ctx := context.Background()

	// No pool draining: the queue fills and submissions time out.
	q := newTestQueue(1, 1)
	_, err := q.Submit(ctx, Task{Name: "first", Run: func(ctx context.Context) error { return nil }})
	require.NoError(t, err)

	_, err = q.Submit(ctx, Task{Name: "second", Run: func(ctx context.Context) error { return nil }})
	require.Error(t, err)
	assert.Equal(t, model.KindQueueFull, model.KindOf(err, model.KindInternal))
	assert.Equal(t, int64(1), q.Status().Rejected)
}

func TestPerTaskTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(4, 1)
	pool := NewPool(q, 1, 100, 20*time.Millisecond, nil)
	pool.Start(ctx)

	handle, err := q.Submit(ctx, Task{
		Name: "slow",
		Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		},
	})
	require.NoError(t, err)
	err = handle.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskTimeoutOverride(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(4, 1)
	pool := NewPool(q, 1, 100, 5*time.Millisecond, nil)
	pool.Start(ctx)

	handle, err := q.Submit(ctx, Task{
		Name:    "slow-but-allowed",
		Timeout: time.Second,
		Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(30 * time.Millisecond):
				return nil
			}
		},
	})
	require.NoError(t, err)
	assert.NoError(t, handle.Wait(ctx))
}

func TestPanicBecomesInternalError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(4, 1)
	pool := NewPool(q, 1, 100, time.Second, nil)
	pool.Start(ctx)

	handle, err := q.Submit(ctx, Task{Name: "panics", Run: func(ctx context.Context) error { panic("oops") }})
	require.NoError(t, err)
	err = handle.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, model.KindInternal, model.KindOf(err, model.KindIO))

	// The worker survives the panic.
	handle, err = q.Submit(ctx, Task{Name: "after", Run: func(ctx context.Context) error { return nil }})
	require.NoError(t, err)
	assert.NoError(t, handle.Wait(ctx))
}

func TestWorkerRecycling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(16, 1)
	pool := NewPool(q, 1, 2, time.Second, nil)
	pool.Start(ctx)

	for i := 0; i < 6; i++ {
		handle, err := q.Submit(ctx, Task{Name: "job", Run: func(ctx context.Context) error { return nil }})
		require.NoError(t, err)
		require.NoError(t, handle.Wait(ctx))
	}

	status := pool.Status()
	assert.Equal(t, int64(6), status.Total)
	assert.GreaterOrEqual(t, status.Recycled, int64(2))
}

func TestConcurrencyBound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(16, 2)
	pool := NewPool(q, 4, 100, time.Second, nil)
	pool.Start(ctx)

	var running, peak atomic.Int32
	var handles []*Handle
	for i := 0; i < 8; i++ {
		handle, err := q.Submit(ctx, Task{
			Name: "tracked",
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		})
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	for _, h := range handles {
		require.NoError(t, h.Wait(ctx))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
