package engine

import (
	"sync"
	"time"
)

// Cooldown rate-limits alerts per key. Once a key fires it stays closed until
// its window has elapsed.
type Cooldown struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{until: make(map[string]time.Time), now: time.Now}
}

// Try reports whether key may fire now and, if so, closes it for window.
// When it may not, the second result is how long the key stays closed. A
// non-positive window always allows.
func (c *Cooldown) Try(key string, window time.Duration) (bool, time.Duration) {
	if window <= 0 {
		return true, 0
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.until[key]; ok && now.Before(until) {
		return false, until.Sub(now)
	}
	c.until[key] = now.Add(window)
	return true, 0
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	clear(c.until)
	c.mu.Unlock()
}
