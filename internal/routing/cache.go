package routing

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheStats are cumulative cache counters.
type CacheStats struct {
	Hits          int64
	Misses        int64
	Sets          int64
	Invalidations int64
	Size          int
}

// Cache is a bounded LRU cache with a fixed TTL counted from Set.
// Reads do not extend an entry's lifetime. Safe for concurrent use.
type Cache[V any] struct {
	maxEntries int
	ttl        time.Duration
	lru        *expirable.LRU[string, V]

	hits          atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	invalidations atomic.Int64
}

// NewCache creates a cache. Non-positive arguments fall back to 1000 entries and 30s.
func NewCache[V any](maxEntries int, ttl time.Duration) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache[V]{
		maxEntries: maxEntries,
		ttl:        ttl,
		lru:        expirable.NewLRU[string, V](maxEntries, nil, ttl),
	}
}

// Get returns the cached value and records a hit or miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores a value, evicting the least recently used entry when full.
func (c *Cache[V]) Set(key string, value V) {
	c.sets.Add(1)
	c.lru.Add(key, value)
}

// Clear drops every entry and counts one invalidation.
func (c *Cache[V]) Clear() {
	c.lru.Purge()
	c.invalidations.Add(1)
}

// Len returns the number of stored entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() CacheStats {
	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Invalidations: c.invalidations.Load(),
		Size:          c.lru.Len(),
	}
}
