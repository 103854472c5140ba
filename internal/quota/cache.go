package quota

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

type cacheEntry struct {
	cap     int
	fetched time.Time
}

// LimitCache holds tenant caps for a bounded time. Entries expire after ttl;
// when the cache is full the entry fetched longest ago is evicted.
// A ttl of zero disables caching.
type LimitCache struct {
	mu      sync.Mutex
	clock   quartz.Clock
	ttl     time.Duration
	size    int
	entries map[string]cacheEntry
}

// NewLimitCache creates an empty cache
func NewLimitCache(clock quartz.Clock, ttl time.Duration, size int) *LimitCache {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if size < 1 {
		size = 1
	}
	return &LimitCache{
		clock:   clock,
		ttl:     ttl,
		size:    size,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached cap for projectID if it has not expired
func (c *LimitCache) Get(projectID string) (int, bool) {
	if c.ttl == 0 {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[projectID]
	if !ok {
		return 0, false
	}
	if c.clock.Since(e.fetched) >= c.ttl {
		delete(c.entries, projectID)
		return 0, false
	}
	return e.cap, true
}

// Put stores cap for projectID, evicting the oldest entry if the cache is full
func (c *LimitCache) Put(projectID string, cap int) {
	if c.ttl == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[projectID]; !ok && len(c.entries) >= c.size {
		c.evictOldestLocked()
	}
	c.entries[projectID] = cacheEntry{cap: cap, fetched: c.clock.Now()}
}

// Invalidate drops projectID from the cache
func (c *LimitCache) Invalidate(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, projectID)
}

// Len returns the number of entries, including expired ones not yet dropped
func (c *LimitCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked must be called with mu held
func (c *LimitCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.fetched.Before(oldest) {
			oldestKey, oldest, first = k, e.fetched, false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
