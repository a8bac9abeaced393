package worker

import (
	"sync"
	"time"
)

// Cooldown remembers keys that should be left alone for a while, such as a
// session whose acquisition just failed. It is safe for concurrent use.
type Cooldown struct {
	mu    sync.Mutex
	until map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
}

// NewCooldown creates a Cooldown that holds keys for ttl.
func NewCooldown(ttl time.Duration) *Cooldown {
	return &Cooldown{until: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Hold starts or restarts the cooldown for key.
func (c *Cooldown) Hold(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = c.now().Add(c.ttl)
}

// Active reports whether key is still cooling down.
func (c *Cooldown) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[key]
	return ok && c.now().Before(until)
}

// Cleanup drops expired entries. Call it periodically.
func (c *Cooldown) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, until := range c.until {
		if !now.Before(until) {
			delete(c.until, k)
		}
	}
}
