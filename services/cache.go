package services

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type cacheEntry struct {
	value   any
	expires time.Time
}

// Cache is a small in-process TTL cache for read-side aggregates.
type Cache struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]cacheEntry
}

// NewCache returns an empty cache driven by clock.
func NewCache(clock clockwork.Clock) *Cache {
	return &Cache{clock: clock, entries: map[string]cacheEntry{}}
}

// GetOrCompute returns the cached value for key, or calls compute and caches
// its result for ttl. Errors are returned and never cached. A ttl of zero
// disables caching for the call.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, compute func() (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.clock.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err := compute()
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		c.mu.Lock()
		c.entries[key] = cacheEntry{value: v, expires: c.clock.Now().Add(ttl)}
		c.mu.Unlock()
	}
	return v, nil
}

// Invalidate drops every entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cached is a typed wrapper over GetOrCompute.
func cached[T any](c *Cache, key string, ttl time.Duration, compute func() (T, error)) (T, error) {
	v, err := c.GetOrCompute(key, ttl, func() (any, error) { return compute() })
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
