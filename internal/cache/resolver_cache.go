package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

// ResolverCache caches instance_id to clinic_id resolutions so the webhook
// hot path rarely touches the connections table. Entries expire on a TTL;
// connection-update handlers invalidate explicitly when an instance is
// re-bound.
type ResolverCache struct {
	entries map[string]resolverEntry
	ttl     time.Duration
	mu      sync.RWMutex
	hits    atomic.Int64
	misses  atomic.Int64
}

type resolverEntry struct {
	clinicID  string
	expiresAt time.Time
}

// NewResolverCache creates a resolver cache with the given entry TTL.
func NewResolverCache(ttl time.Duration) *ResolverCache {
	return &ResolverCache{
		entries: make(map[string]resolverEntry),
		ttl:     ttl,
	}
}

// Get returns the cached clinic for an instance. The second return is false
// on a miss or an expired entry.
func (c *ResolverCache) Get(instanceID string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[instanceID]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return entry.clinicID, true
}

// Put stores a resolution.
func (c *ResolverCache) Put(instanceID, clinicID string) {
	c.mu.Lock()
	c.entries[instanceID] = resolverEntry{
		clinicID:  clinicID,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Invalidate drops one instance's entry.
func (c *ResolverCache) Invalidate(instanceID string) {
	c.mu.Lock()
	delete(c.entries, instanceID)
	c.mu.Unlock()
}

// Purge drops every expired entry.
func (c *ResolverCache) Purge() {
	now := time.Now()
	c.mu.Lock()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}

// StartHousekeeping purges expired entries and reports cache effectiveness
// on the given interval until the context is cancelled.
func (c *ResolverCache) StartHousekeeping(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge()
			stats := c.GetStats()
			logger.Log.Debug("Resolver cache stats",
				zap.Int64("hits", stats.Hits),
				zap.Int64("misses", stats.Misses),
				zap.Float64("hit_rate", stats.HitRate),
				zap.Int("size", stats.Size))
		}
	}
}

// ResolverCacheStats reports cache effectiveness.
type ResolverCacheStats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Size    int
}

// GetStats returns cache statistics.
func (c *ResolverCache) GetStats() ResolverCacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return ResolverCacheStats{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
		Size:    size,
	}
}
