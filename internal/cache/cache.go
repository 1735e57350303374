package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nbakker/envpulse/internal/models"
)

// Cache defines the interface for environment report caching implementations.
// Get returns the cached report if present and not expired, Set stores a
// report with TTL. Entries are only ever overwritten, never deleted by
// callers; expiry is the backend's job.
type Cache interface {
	Get(ctx context.Context, key string) (models.EnvReport, bool, error)
	Set(ctx context.Context, key string, value models.EnvReport, ttl time.Duration) error
}

// InMemoryCache implements Cache using an in-process map with TTL-based
// expiration. Expired entries are removed on access. Suitable for dev and
// tests; shared deployments use MemcachedCache.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
}

// cacheEntry stores a cached report with its expiration timestamp.
type cacheEntry struct {
	value     models.EnvReport
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
	}
}

// Get retrieves the cached report for key if present and not expired.
// Returns (report, true, nil) on hit, (zero, false, nil) on miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.EnvReport, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return models.EnvReport{}, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
		return models.EnvReport{}, false, nil
	}

	return entry.value, true, nil
}

// Set stores a report in the cache with the specified TTL duration.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.EnvReport, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}
