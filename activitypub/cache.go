package activitypub

import (
	"sync"
	"time"

	"github.com/deemkeen/rox/domain"
)

type cacheEntry struct {
	actor     domain.Actor
	expiresAt time.Time
}

// actorCache holds resolved remote actors keyed by URI. Every entry
// carries its own expiry; Invalidate drops an entry before it expires.
type actorCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newActorCache(ttl time.Duration) *actorCache {
	return &actorCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Get returns a copy of the cached actor if it is still fresh at now.
func (c *actorCache) Get(uri string, now time.Time) (*domain.Actor, bool) {
	c.mu.RLock()
	e, ok := c.entries[uri]
	c.mu.RUnlock()
	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	a := e.actor
	return &a, true
}

// Put caches actor as fetched at fetchedAt. Entries already expired at
// now are not stored.
func (c *actorCache) Put(actor *domain.Actor, fetchedAt, now time.Time) {
	expires := fetchedAt.Add(c.ttl)
	if !now.Before(expires) {
		return
	}
	c.mu.Lock()
	c.entries[actor.URI] = cacheEntry{actor: *actor, expiresAt: expires}
	c.mu.Unlock()
}

func (c *actorCache) Invalidate(uri string) {
	c.mu.Lock()
	delete(c.entries, uri)
	c.mu.Unlock()
}

// Fresh reports whether a stored remote actor is within the TTL at now.
func (c *actorCache) Fresh(actor *domain.Actor, now time.Time) bool {
	if actor.IsLocal() {
		return true
	}
	return actor.LastFetchedAt != nil && now.Before(actor.LastFetchedAt.Add(c.ttl))
}

// Prune drops expired entries.
func (c *actorCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for uri, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, uri)
			n++
		}
	}
	return n
}

func (c *actorCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
