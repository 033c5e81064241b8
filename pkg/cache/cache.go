// Package cache provides a generic, thread-safe LRU cache with hit and miss
// statistics and optional Prometheus export.
package cache

import (
	"github.com/c360/triage/errors"
)

// Cache is a bounded key/value cache parameterised by value type.
type Cache[V any] interface {
	// Get returns the value and true if present.
	Get(key string) (V, bool)
	// Set stores value and reports whether a new entry was created.
	Set(key string, value V) (bool, error)
	// Delete removes key and reports whether it existed.
	Delete(key string) (bool, error)
	// Len returns the number of entries.
	Len() int
	// Stats returns the cache counters.
	Stats() *Statistics
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
