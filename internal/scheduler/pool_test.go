package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	ctx := context.Background()

	var active, peak int64
	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		go func() {
			defer wg.Done()
			_ = p.Submit(ctx, func(context.Context) error {
				n := atomic.AddInt64(&active, 1)
				for {
					cur := atomic.LoadInt64(&peak)
					if n <= cur || atomic.CompareAndSwapInt64(&peak, cur, n) {
						break
					}
				}
				<-gate
				atomic.AddInt64(&active, -1)
				return nil
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))

	close(gate)
	wg.Wait()
	p.Wait()
	assert.Equal(t, int64(5), p.Stats().Completed)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := NewPool(1)
	p.Shutdown()
	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_SubmitRespectsContext(t *testing.T) {
	p := NewPool(1)
	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	p.Wait()
}

func TestPool_CountsFailures(t *testing.T) {
	p := NewPool(2)
	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(ctx, func(context.Context) error { return nil }))
	p.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		panic("worker exploded")
	}))
	p.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Active)

	// Pool keeps accepting work after a panic.
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	p.Wait()
	assert.Equal(t, int64(1), p.Stats().Completed)
}

func TestPool_ShutdownWaitsForActive(t *testing.T) {
	p := NewPool(1)
	started := make(chan struct{})
	finished := atomic.Bool{}
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	<-started
	p.Shutdown()
	assert.True(t, finished.Load())
}
