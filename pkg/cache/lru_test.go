package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/metric"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewLRU(2, WithEvictionCallback(func(key string, _ int) {
		evicted = append(evicted, key)
	}))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_, ok := c.Get("a")
	require.True(t, ok)
	_, _ = c.Set("c", 3)

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestLRU_SetReportsCreation(t *testing.T) {
	c, err := NewLRU[string](4)
	require.NoError(t, err)

	created, err := c.Set("k", "v1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("k", "v2")
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestLRU_InvalidInput(t *testing.T) {
	_, err := NewLRU[int](0)
	assert.True(t, errors.IsInvalid(err))

	c, err := NewLRU[int](1)
	require.NoError(t, err)
	_, err = c.Set("", 1)
	assert.True(t, errors.IsInvalid(err))
}

func TestLRU_StatsAndDelete(t *testing.T) {
	c, err := NewLRU[int](3)
	require.NoError(t, err)
	_, _ = c.Set("x", 1)

	c.Get("x")
	c.Get("missing")
	assert.Equal(t, 0.5, c.Stats().HitRatio())

	deleted, err := c.Delete("x")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, c.Len())
}

func TestLRU_Concurrent(t *testing.T) {
	c, err := NewLRU[int](50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%80)
				_, _ = c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

func TestLRU_WithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	_, err := NewLRU(2, WithMetrics[int](registry, "runconfig"))
	require.NoError(t, err)

	_, err = NewLRU(2, WithMetrics[int](registry, "runconfig"))
	assert.Error(t, err, "duplicate registration should fail")
}
