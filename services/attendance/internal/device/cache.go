package device

import (
	"sync"
	"time"
)

// LocationCache holds the most recent position fix. Reads are shared freely;
// only the component performing a fresh fetch writes.
type LocationCache struct {
	mu   sync.RWMutex
	last *Position
}

// NewLocationCache returns an empty cache.
func NewLocationCache() *LocationCache {
	return &LocationCache{}
}

// Store records a fresh fix. Fixes older than the current entry are ignored
// so a slow fetch finishing late cannot regress the cache.
func (c *LocationCache) Store(pos Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last != nil && pos.ObservedAt.Before(c.last.ObservedAt) {
		return
	}
	copied := pos
	c.last = &copied
}

// Latest returns the cached fix, if any.
func (c *LocationCache) Latest() (Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Position{}, false
	}
	return *c.last, true
}

// Fresh returns the cached fix only when it is younger than maxAge at now.
func (c *LocationCache) Fresh(now time.Time, maxAge time.Duration) (Position, bool) {
	pos, ok := c.Latest()
	if !ok {
		return Position{}, false
	}
	if now.Sub(pos.ObservedAt) > maxAge {
		return Position{}, false
	}
	return pos, true
}
