package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// IdentityCache is a TTL-based in-memory cache for verified API keys.
// Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get still returns the
// stale identity immediately and signals that a background refresh is
// needed, so no handshake ever blocks on DB + bcrypt after the first
// cold start.
type IdentityCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	identity   string
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewIdentityCache creates a cache with the given TTL.
func NewIdentityCache(ttl time.Duration) *IdentityCache {
	return &IdentityCache{ttl: ttl}
}

// CacheResult holds the result of a cache lookup.
type CacheResult struct {
	Identity     string
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // entry is expired; caller should refresh in the background
}

// Get looks up the API key. The refreshing flag is CAS-set so only one
// goroutine refreshes per key.
func (c *IdentityCache) Get(apiKey string) CacheResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return CacheResult{}
	}

	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return CacheResult{Identity: entry.identity, Hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheResult{
		Identity:     entry.identity,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores an identity with the configured TTL.
func (c *IdentityCache) Set(apiKey, identity string) {
	c.store.Store(apiKey, &cacheEntry{
		identity:  identity,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *IdentityCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
