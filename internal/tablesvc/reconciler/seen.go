package reconciler

import "time"

// seenCache remembers event keys for ttl so at-least-once deliveries are handled once.
type seenCache struct {
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

func newSeenCache(ttl time.Duration, now func() time.Time) *seenCache {
	return &seenCache{ttl: ttl, now: now, seen: make(map[string]time.Time)}
}

// first reports whether key has not been seen within ttl, and records it.
func (c *seenCache) first(key string) bool {
	now := c.now()
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = now
	return true
}
