package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func TestNewPool_Defaults(t *testing.T) {
	processor := func(context.Context, testWork) error { return nil }

	pool := NewPool(5, 100, processor)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool = NewPool(0, 0, processor)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	assert.Panics(t, func() { NewPool[testWork](1, 1, nil) })
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, testWork) error { return nil })
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)
}

func TestPool_ProcessesAll(t *testing.T) {
	var seen sync.Map
	var processed atomic.Int32
	pool := NewPool(4, 50, func(_ context.Context, w testWork) error {
		seen.Store(w.id, true)
		processed.Add(1)
		if w.fail {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%5 == 0}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int32(20), processed.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(20), stats.Submitted)
	assert.Equal(t, int64(20), stats.Processed)
	assert.Equal(t, int64(4), stats.Failed)
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
}

func TestPool_QueueFullRejects(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	// Wait until the worker has taken the first item off the queue.
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))

	assert.ErrorIs(t, pool.Submit(testWork{id: 3}), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Rejected)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopTimeoutDropsQueued(t *testing.T) {
	var dropped []int
	var mu sync.Mutex
	pool := NewPool(1, 10, func(ctx context.Context, w testWork) error {
		select {
		case <-time.After(w.delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, WithDropHandler(func(w testWork) {
		mu.Lock()
		dropped = append(dropped, w.id)
		mu.Unlock()
	}))
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1, delay: time.Hour}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))
	require.NoError(t, pool.Submit(testWork{id: 3}))

	err := pool.Stop(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimeout)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped) == 2
	}, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []int{2, 3}, dropped)
	assert.Equal(t, int64(2), pool.Stats().Abandoned)
}

func TestPool_StartContextCancelDoesNotAbandonWork(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var done []int
	var cancelledSeen atomic.Int32
	pool := NewPool(1, 10, func(ctx context.Context, w testWork) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		if ctx.Err() != nil {
			cancelledSeen.Add(1)
		}
		mu.Lock()
		done = append(done, w.id)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	<-started
	require.NoError(t, pool.Submit(testWork{id: 2}))
	require.NoError(t, pool.Submit(testWork{id: 3}))

	cancel()
	close(release)
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, []int{1, 2, 3}, done)
	assert.Zero(t, cancelledSeen.Load(), "work sees a live context until the grace period expires")
	assert.Zero(t, pool.Stats().Abandoned)
}

func TestPool_WithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(2, 4, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "test_pool"))
	require.NotNil(t, pool.metrics)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Stop(time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["triage_test_pool_submitted_total"])
}
