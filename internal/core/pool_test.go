package core

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolBatchJoinsAllTasks(t *testing.T) {
	t.Parallel()
	for _, workers := range []int{0, 1, 8} {
		pool, err := NewWorkerPool(PoolOptions{Workers: workers})
		require.NoError(t, err)

		var done atomic.Int64
		batch := pool.NewBatch()
		for i := 0; i < 500; i++ {
			require.NoError(t, batch.Go(func() {
				time.Sleep(time.Microsecond)
				done.Add(1)
			}))
		}
		batch.Wait()
		assert.EqualValues(t, 500, done.Load(), "workers=%d", workers)
		assert.Equal(t, 500, batch.Len())
		pool.Shutdown()
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	pool, err := NewWorkerPool(PoolOptions{Workers: 3})
	require.NoError(t, err)
	defer pool.Shutdown()

	var running, peak atomic.Int64
	batch := pool.NewBatch()
	for i := 0; i < 50; i++ {
		require.NoError(t, batch.Go(func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		}))
	}
	batch.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	t.Parallel()
	pool, err := NewWorkerPool(PoolOptions{Workers: 2})
	require.NoError(t, err)
	defer pool.Shutdown()

	var ok atomic.Int64
	batch := pool.NewBatch()
	require.NoError(t, batch.Go(func() { panic("boom") }))
	require.NoError(t, batch.Go(func() { ok.Add(1) }))
	batch.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 1, pool.Panics())
}

func TestWorkerPoolRejectsWorkAfterShutdown(t *testing.T) {
	t.Parallel()
	pool, err := NewWorkerPool(PoolOptions{Workers: 2})
	require.NoError(t, err)
	pool.Shutdown()
	pool.Shutdown()

	err = pool.NewBatch().Go(func() {})
	assert.ErrorIs(t, err, ErrPoolShutdown)
	assert.False(t, IsRetryable(err))
}

func TestNewWorkerPoolValidatesCount(t *testing.T) {
	t.Parallel()
	_, err := NewWorkerPool(PoolOptions{Workers: -1})
	assert.Error(t, err)
	_, err = NewWorkerPool(PoolOptions{Workers: MaxWorkers + 1})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRetryable(NewError("rate limited", true)))
	assert.False(t, IsRetryable(NewError("bad request", false)))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(assert.AnError))

	wrapped := WrapError(assert.AnError, "page 3", true)
	assert.True(t, IsRetryable(wrapped))
	assert.ErrorIs(t, wrapped, assert.AnError)
	assert.Equal(t, "page 3: "+assert.AnError.Error(), wrapped.Error())
}
