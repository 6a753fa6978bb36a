package allowlist

import (
	"context"
	"log"
	"sync"
	"time"
)

// ErrorCodeDBUnreachable is surfaced when a cache refresh fails. The caller
// fails closed for that request; the previous cached state is preserved.
const ErrorCodeDBUnreachable = "db_unreachable"

const DefaultTTL = 30 * time.Second

// Source is anything that can produce the active allowlist.
type Source interface {
	Active(ctx context.Context) ([]Entry, error)
}

// Cache is the process-wide allowlist cache. Concurrent readers may race to
// refresh an expired value; each refresh replaces the slice reference
// atomically under the lock, never mutating a published slice in place.
type Cache struct {
	src    Source
	ttl    time.Duration
	bypass bool

	mu        sync.Mutex
	entries   []Entry
	fetchedAt time.Time
}

// NewCache builds a cache over src. bypass disables the TTL entirely (every
// call refetches), which keeps ephemeral test contexts deterministic.
func NewCache(src Source, ttl time.Duration, bypass bool) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{src: src, ttl: ttl, bypass: bypass}
}

// Get returns the active entries and an error code. A refresh failure yields
// (nil, "db_unreachable"): the diagnostic bypass degrades to fully closed,
// never to fully open.
func (c *Cache) Get(ctx context.Context) ([]Entry, string) {
	c.mu.Lock()
	fresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) <= c.ttl
	if fresh && !c.bypass {
		entries := c.entries
		c.mu.Unlock()
		return entries, ""
	}
	c.mu.Unlock()

	entries, err := c.src.Active(ctx)
	if err != nil {
		log.Printf("allowlist: refresh failed code=%s: %v", ErrorCodeDBUnreachable, err)
		return nil, ErrorCodeDBUnreachable
	}

	c.mu.Lock()
	c.entries = entries
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return entries, ""
}
