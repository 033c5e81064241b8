package cache

import (
	"container/list"
	"sync"

	"github.com/c360/triage/errors"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// LRU evicts the least recently used entry once maxSize is exceeded.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

var _ Cache[int] = (*LRU[int])(nil)

// NewLRU creates an LRU cache holding at most maxSize entries.
func NewLRU[V any](maxSize int, options ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "validate max size")
	}
	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
	}

	return &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   &Statistics{},
		metrics: metrics,
		evictFn: opts.evictCallback,
	}, nil
}

// Get retrieves a value by key and marks it as recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	element, ok := c.items[key]
	if ok {
		c.order.MoveToFront(element)
	}
	c.mu.Unlock()

	if !ok {
		c.stats.misses.Add(1)
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		var zero V
		return zero, false
	}

	c.stats.hits.Add(1)
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return element.Value.(*lruEntry[V]).value, true
}

// Set stores a value with the given key and marks it as recently used.
func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var evicted *lruEntry[V]
	c.mu.Lock()
	created := false
	if element, ok := c.items[key]; ok {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
	} else {
		c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
		created = true
		if len(c.items) > c.maxSize {
			evicted = c.removeOldest()
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.sets.Add(1)
	if c.metrics != nil {
		c.metrics.size.Set(float64(size))
	}
	if evicted != nil {
		c.stats.evictions.Add(1)
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
		if c.evictFn != nil {
			c.evictFn(evicted.key, evicted.value)
		}
	}
	return created, nil
}

// Delete removes an entry by key.
func (c *LRU[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return false, nil
	}
	delete(c.items, key)
	c.order.Remove(element)
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
	return true, nil
}

// Len returns the current number of entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns keys from most to least recently used.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*lruEntry[V]).key)
	}
	return keys
}

// Stats returns the cache counters.
func (c *LRU[V]) Stats() *Statistics {
	return c.stats
}

// removeOldest must be called with the mutex held.
func (c *LRU[V]) removeOldest() *lruEntry[V] {
	element := c.order.Back()
	if element == nil {
		return nil
	}
	entry := element.Value.(*lruEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)
	return entry
}
