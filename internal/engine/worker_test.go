package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedWork(t *testing.T) {
	p := NewWorkerPool(4)
	defer p.Shutdown()

	var ran int64
	for i := 0; i < 20; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
		require.NoError(t, err)
	}
	p.Wait()

	assert.Equal(t, int64(20), atomic.LoadInt64(&ran))
	m := p.Metrics()
	assert.Equal(t, int64(20), m.Completed)
	assert.Equal(t, int64(0), m.Failed)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Shutdown()

	var active, peak int64
	for i := 0; i < 10; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			n := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil
		})
		require.NoError(t, err)
	}
	p.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	err := p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)
	p.Wait()

	// A panicking job counts as a failure and releases its slot: the pool
	// keeps accepting and running work afterwards.
	assert.Equal(t, int64(1), p.Metrics().Failed)

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	}))
	p.Wait()
	assert.Equal(t, int64(1), p.Metrics().Completed)
}

func TestWorkerPoolCountsFailures(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("delivery failed")
	}))
	p.Wait()

	assert.Equal(t, int64(1), p.Metrics().Failed)
}

func TestWorkerPoolShutdownRejectsNewWork(t *testing.T) {
	p := NewWorkerPool(1)
	p.Shutdown()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPoolSubmitRespectsContext(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
