package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	var results atomic.Int32
	pool := NewWorkerPool(Config{
		Name:       "test",
		MaxWorkers: 2,
		QueueSize:  4,
		OnResult: func(task Task, err error, _ time.Duration) {
			results.Add(1)
		},
	})
	defer pool.Stop(time.Second)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{
			ID: "ok",
			Fn: func(ctx context.Context) error {
				ran.Add(1)
				return nil
			},
		}))
	}
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "fail",
		Fn: func(ctx context.Context) error { return errors.New("boom") },
	}))
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "panic",
		Fn: func(ctx context.Context) error { panic("bad") },
	}))

	require.Eventually(t, func() bool { return results.Load() == 12 }, 2*time.Second, 5*time.Millisecond)

	stats := pool.Stats()
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, uint64(12), stats.Submitted)
	assert.Equal(t, uint64(10), stats.Completed)
	assert.Equal(t, uint64(2), stats.Failed)
}

func TestWorkerPool_StopCancelsAndRejects(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "long",
		Fn: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	}))
	<-started

	require.NoError(t, pool.Stop(time.Second))
	<-cancelled

	err := pool.Submit(context.Background(), Task{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, uint64(1), pool.Stats().Rejected)
}

func TestWorkerPool_SubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	block := make(chan struct{})
	defer close(block)
	busy := func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}

	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Task{ID: "first", Fn: func(ctx context.Context) error {
		close(started)
		return busy(ctx)
	}}))
	<-started
	require.NoError(t, pool.Submit(context.Background(), Task{ID: "queued", Fn: busy}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, Task{ID: "overflow", Fn: busy})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
