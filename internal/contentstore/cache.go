package contentstore

import (
	"sync"
	"time"
)

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// objectCache is a thread-safe in-memory cache of fetched objects.
// Entries expire after a TTL; evict drops stale ones.
type objectCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newObjectCache(ttl time.Duration) *objectCache {
	return &objectCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *objectCache) get(cid string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cid]
	if !ok || e.expired(c.now()) {
		return nil, false
	}
	return e.data, true
}

func (c *objectCache) set(cid string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cid] = &cacheEntry{
		data:      data,
		expiresAt: c.now().Add(c.ttl),
	}
}

// evict removes all expired entries and reports how many were dropped.
func (c *objectCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// len includes expired entries not yet evicted.
func (c *objectCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
