package fingerprint

import (
	"context"
	"sync"
	"time"
)

// Cache is a TTL cache for collected fingerprints. Implementations:
// MemoryCache here, a Redis-backed one in repository/redis.
type Cache[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool, error)
	Set(ctx context.Context, key K, value V) error
	Remove(ctx context.Context, key K) error
}

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache. The clock is injected so expiry
// is deterministic in tests.
type MemoryCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]memoryEntry[V]
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates a TTL cache. A nil clock defaults to time.Now.
func NewMemoryCache[K comparable, V any](ttl time.Duration, now func() time.Time) *MemoryCache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache[K, V]{
		entries: make(map[K]memoryEntry[V]),
		ttl:     ttl,
		now:     now,
	}
}

// Get returns the cached value if present and not expired. Expired entries
// are removed on read.
func (c *MemoryCache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock, a Set may have raced us
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false, nil
	}
	return entry.value, true, nil
}

// Set stores the value with the cache's TTL
func (c *MemoryCache[K, V]) Set(ctx context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry[V]{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

// Remove drops the key
func (c *MemoryCache[K, V]) Remove(ctx context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
