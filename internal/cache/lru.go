// Package cache provides a size-bounded LRU cache with optional TTL.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUWithTTL is a thread-safe LRU cache whose entries optionally expire.
//
// Decoded model artifacts are cached by version; versions are immutable, so
// the TTL only bounds how long an unused artifact stays resident.
type LRUWithTTL[K comparable, V any] struct {
	cache   *lru.Cache[K, *ttlEntry[V]]
	ttl     time.Duration
	now     func() time.Time
	loadMu  sync.Mutex
	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLRUWithTTL creates a cache holding at most size entries. A ttl of 0
// disables expiration.
//
// Example:
//
//	c, err := NewLRUWithTTL[string, *artifact.Loaded](8, time.Hour)
//	if err != nil {
//	    return err
//	}
//	m, err := c.GetOrLoad(version, func() (*artifact.Loaded, error) {
//	    return decode(version)
//	})
func NewLRUWithTTL[K comparable, V any](size int, ttl time.Duration) (*LRUWithTTL[K, V], error) {
	inner, err := lru.New[K, *ttlEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRUWithTTL[K, V]{cache: inner, ttl: ttl, now: time.Now}, nil
}

// Get returns the value for key if present and not expired.
func (c *LRUWithTTL[K, V]) Get(key K) (V, bool) {
	entry, ok := c.cache.Get(key)
	if !ok || c.expired(entry) {
		if ok {
			c.cache.Remove(key)
		}
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return entry.value, true
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *LRUWithTTL[K, V]) Set(key K, value V) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	if c.cache.Add(key, &ttlEntry[V]{value: value, expiresAt: expiresAt}) {
		c.evicted.Add(1)
	}
}

// GetOrLoad returns the cached value or calls load once and caches its
// result. Concurrent misses are serialized so load runs at most once per key.
func (c *LRUWithTTL[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if entry, ok := c.cache.Get(key); ok && !c.expired(entry) {
		return entry.value, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Delete removes key.
func (c *LRUWithTTL[K, V]) Delete(key K) {
	c.cache.Remove(key)
}

// Len returns the number of resident entries, including expired ones not
// yet cleaned up.
func (c *LRUWithTTL[K, V]) Len() int {
	return c.cache.Len()
}

// Clear removes all entries.
func (c *LRUWithTTL[K, V]) Clear() {
	c.cache.Purge()
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current counters.
func (c *LRUWithTTL[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	rate := 0.0
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Evicted: c.evicted.Load(),
		Size:    c.cache.Len(),
		HitRate: rate,
	}
}

// CleanupExpired removes expired entries and returns how many were removed.
// It is O(n) and meant for an occasional background sweep.
func (c *LRUWithTTL[K, V]) CleanupExpired() int {
	if c.ttl == 0 {
		return 0
	}
	removed := 0
	for _, key := range c.cache.Keys() {
		if entry, ok := c.cache.Peek(key); ok && c.expired(entry) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *LRUWithTTL[K, V]) expired(e *ttlEntry[V]) bool {
	return c.ttl > 0 && c.now().After(e.expiresAt)
}
