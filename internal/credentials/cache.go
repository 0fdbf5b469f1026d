package credentials

import (
	"context"
	"sync"
	"time"

	"exec_gateway/internal/core"
	"exec_gateway/pkg/telemetry"
)

// DefaultCacheTTL bounds how long decrypted credentials stay in memory.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	creds     *core.Credentials
	expiresAt time.Time
}

// Cache wraps a CredentialSource with a TTL cache so repeated requests
// for the same api key id skip the database and the decrypt.
type Cache struct {
	source core.CredentialSource
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache builds a cache in front of source. A non-positive ttl falls
// back to DefaultCacheTTL.
func NewCache(source core.CredentialSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns cached credentials or loads them from the source.
func (c *Cache) Get(ctx context.Context, apiKeyID string) (*core.Credentials, error) {
	c.mu.RLock()
	entry, ok := c.entries[apiKeyID]
	c.mu.RUnlock()

	metrics := telemetry.GetGlobalMetrics()
	if ok && time.Now().Before(entry.expiresAt) {
		if metrics.CredentialCacheHits != nil {
			metrics.CredentialCacheHits.Add(ctx, 1)
		}
		return entry.creds, nil
	}
	if metrics.CredentialCacheMisses != nil {
		metrics.CredentialCacheMisses.Add(ctx, 1)
	}

	creds, err := c.source.Get(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Another goroutine may have loaded a fresher entry meanwhile; last
	// writer wins, which is fine for identical rows.
	c.entries[apiKeyID] = cacheEntry{
		creds:     creds,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()

	return creds, nil
}

// Invalidate drops a single entry, used after auth failures.
func (c *Cache) Invalidate(apiKeyID string) {
	c.mu.Lock()
	delete(c.entries, apiKeyID)
	c.mu.Unlock()
}

// Purge removes expired entries.
func (c *Cache) Purge() {
	now := time.Now()
	c.mu.Lock()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}
