package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is an in-process implementation of Cache (spec.md §6.4),
// standing in for the shared short-TTL cache (Redis in a real deployment).
// Races between concurrent Get/Set are permitted by spec.md §5; this type
// only needs to be safe for concurrent use, not linearizable.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.entries[key] = cacheEntry{value: value, expires: expires}
	return nil
}

// Incr atomically increments the integer stored at key (creating it at 1
// if absent) and returns the new value, matching the Cache contract's
// incr/expire primitives (spec.md §6.4).
func (c *MemoryCache) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	var n int64
	if len(e.value) > 0 {
		n, _ = strconv.ParseInt(string(e.value), 10, 64)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	c.entries[key] = e
	return n, nil
}

func (c *MemoryCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	e.expires = time.Now().Add(ttl)
	c.entries[key] = e
	return nil
}
