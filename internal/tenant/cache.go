package tenant

import (
	"sync"
	"time"
)

type cacheEntry struct {
	tenantID  string
	negative  bool
	expiresAt time.Time
}

// Cache maps routing keys to tenant ids with a TTL. Negative lookups are
// cached too, so a routing key that resolves to nothing does not hit the
// registry on every request. Injectable rather than a package-level map;
// the resolver owns it.
type Cache struct {
	entries map[string]cacheEntry
	ttl     time.Duration
	mu      sync.RWMutex
	nowFunc func() time.Time
}

// NewCache creates a cache with the given entry TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// Get returns (tenantID, negative, found). A hit with negative=true means
// the key is known to resolve to nothing.
func (c *Cache) Get(key string) (string, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || c.nowFunc().After(entry.expiresAt) {
		return "", false, false
	}
	return entry.tenantID, entry.negative, true
}

// Put stores a successful lookup.
func (c *Cache) Put(key, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{
		tenantID:  tenantID,
		expiresAt: c.nowFunc().Add(c.ttl),
	}
}

// PutNegative records that key resolves to no tenant.
func (c *Cache) PutNegative(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{
		negative:  true,
		expiresAt: c.nowFunc().Add(c.ttl),
	}
}

// Invalidate drops one key, e.g. after a slug rename.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Purge removes every expired entry. Called by the periodic sweep job.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
