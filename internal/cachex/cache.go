// Package cachex is the shared cache/lock facade: a TTL key-value store,
// atomic counters, and named mutual-exclusion locks. It is an optimization
// layer only — losing every entry forces slower fallback paths but never
// affects correctness, so callers must keep the persistent store
// authoritative.
package cachex

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TTL classes per data kind. Short TTLs double as the stale-fallback
// window for the external client.
const (
	TTLBalance     = 60 * time.Second
	TTLPrice       = 30 * time.Second
	TTLHistory     = 10 * time.Minute
	TTLMarketStats = time.Hour
	TTLAccount     = time.Hour
	TTLTransaction = 24 * time.Hour
	TTLSeen        = time.Hour
)

// Cache wraps an in-process TTL store plus a registry of named locks.
type Cache struct {
	store *gocache.Cache

	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// New returns a cache whose expired entries are purged every cleanup interval.
func New(cleanupInterval time.Duration) *Cache {
	return &Cache{
		store: gocache.New(gocache.NoExpiration, cleanupInterval),
		locks: make(map[string]*lockEntry),
	}
}

// Set stores value under key for ttl.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.store.Set(key, value, ttl)
}

// Get returns the value for key, or false if absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	return c.store.Get(key)
}

// Add stores value only if the key is absent. Returns true if it was stored.
// Used as a set-if-absent guard, e.g. deduplicating inbound payment events.
func (c *Cache) Add(key string, value any, ttl time.Duration) bool {
	return c.store.Add(key, value, ttl) == nil
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.store.Delete(key)
}

// Increment atomically adds n to the integer counter at key, creating it
// with ttl when absent, and returns the new value.
func (c *Cache) Increment(key string, n int64, ttl time.Duration) int64 {
	if c.store.Add(key, n, ttl) == nil {
		return n
	}
	v, err := c.store.IncrementInt64(key, n)
	if err != nil {
		// Counter expired between Add and Increment; restart it.
		c.store.Set(key, n, ttl)
		return n
	}
	return v
}

// Lock acquires the named mutex and returns its unlock function. Locks are
// in-process; they serialize work keyed by name, e.g. per-account transfer
// submission.
func (c *Cache) Lock(name string) func() {
	c.mu.Lock()
	e, ok := c.locks[name]
	if !ok {
		e = &lockEntry{}
		c.locks[name] = e
	}
	e.refs++
	c.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			c.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(c.locks, name)
			}
			c.mu.Unlock()
		})
	}
}

// Flush drops every entry. For tests and degraded-mode recovery only.
func (c *Cache) Flush() {
	c.store.Flush()
}
