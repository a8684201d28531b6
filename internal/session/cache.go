package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// cacheEntry pairs a SessionCache with the time it was last touched, so the
// sweeper can evict entries that have gone stale (spec §6 `node_info_cache`
// / `session_cache_invalidation_timeout`).
type cacheEntry struct {
	cache    types.SessionCache
	lastUsed time.Time
}

// Cache is the per-peer capability/failure record the filter pipeline
// consults and updates (spec §4.1 "Cache updates").
type Cache struct {
	mu      sync.Mutex
	entries map[[16]byte]*cacheEntry
	now     func() time.Time
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: map[[16]byte]*cacheEntry{}, now: time.Now}
}

func (c *Cache) get(addr net.IP) *cacheEntry {
	k := key(addr)
	e, ok := c.entries[k]
	if !ok {
		e = &cacheEntry{}
		c.entries[k] = e
	}
	e.lastUsed = c.now()
	return e
}

// Get returns the current SessionCache for addr, creating an empty one on
// first access.
func (c *Cache) Get(addr net.IP) types.SessionCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(addr).cache
}

// SetJumperSupported records whether a remote's node info reported jumper
// support.
func (c *Cache) SetJumperSupported(addr net.IP, supported bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(addr).cache.JumperSupported = &supported
}

// RecordTraversalSuccess zeroes addr's failure counter (spec §4.1 "on
// traversal success, zero failed_traversals").
func (c *Cache) RecordTraversalSuccess(addr net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(addr).cache.FailedTraversals = 0
}

// RecordTraversalFailure increments addr's failure counter (spec §4.1 "on
// failure, increment").
func (c *Cache) RecordTraversalFailure(addr net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(addr).cache.FailedTraversals++
}

// Sweep runs a periodic eviction loop, removing entries untouched for
// longer than invalidationTimeout, until ctx is cancelled (spec §6 "periodically
// cleared by a sweeper every session_cache_invalidation_timeout").
func (c *Cache) Sweep(ctx context.Context, invalidationTimeout time.Duration) {
	ticker := time.NewTicker(invalidationTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictStale(invalidationTimeout)
		}
	}
}

func (c *Cache) evictStale(invalidationTimeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-invalidationTimeout)
	for k, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
