package cache

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Package cache provides an in-process TTL cache with an injectable clock.
//
// Responsibilities:
//   - Hold trained detector models between check runs
//   - Hold short-lived query results (recipient lists, reports)
//   - Expire entries against the injected clock so tests control staleness
//   - Track hit/miss counts
//
// Invalidation Triggers:
//   - TTL expiration (checked lazily on read)
//   - Manual invalidation by key or glob pattern (e.g. "model:*")
//   - Clear on config reload

// Cache defines the interface for caching operations.
type Cache interface {
	// Get retrieves a cached value by key.
	Get(ctx context.Context, key string) (interface{}, bool, error)

	// Set stores a value with the given TTL (0 = never expire).
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key from cache.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries from cache.
	Clear(ctx context.Context) error

	// Invalidate removes keys matching a glob pattern (e.g., "model:*").
	Invalidate(ctx context.Context, pattern string) error

	// GetStats returns cache statistics.
	GetStats(ctx context.Context) (Stats, error)

	// SetTTL changes TTL for a specific key, measured from now.
	SetTTL(ctx context.Context, key string, ttl time.Duration) error

	// Has checks if key exists and is not expired.
	Has(ctx context.Context, key string) (bool, error)
}

// Stats reports cache usage.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type memoryCache struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]entry
	hits    int64
	misses  int64
}

// NewCache creates an in-memory cache. A nil clock uses the real clock.
func NewCache(clock clockwork.Clock) Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memoryCache{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

func (c *memoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.clock.Now().Add(ttl)
}

func (c *memoryCache) Get(ctx context.Context, key string) (interface{}, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(c.clock.Now()) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false, nil
	}
	c.hits++
	return e.value, true, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.expiry(ttl)}
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	return nil
}

func (c *memoryCache) Invalidate(ctx context.Context, pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if ok, _ := path.Match(pattern, k); ok {
			delete(c.entries, k)
		}
	}
	return nil
}

func (c *memoryCache) GetStats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}, nil
}

func (c *memoryCache) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.clock.Now()) {
		return fmt.Errorf("cache key %q not found", key)
	}
	e.expiresAt = c.expiry(ttl)
	c.entries[key] = e
	return nil
}

func (c *memoryCache) Has(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.expired(c.clock.Now()), nil
}
