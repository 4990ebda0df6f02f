package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StartEvictionLoop evicts idle sessions every EvictionInterval until ctx
// is done. Calling it while a loop is running is a no-op.
func (c *Cache) StartEvictionLoop(ctx context.Context) {
	if ctx == nil {
		panic("session: StartEvictionLoop requires non-nil ctx")
	}
	c.mu.Lock()
	if c.evictRunning || c.cfg.IdleTimeout <= 0 || c.cfg.EvictionInterval <= 0 {
		c.mu.Unlock()
		return
	}
	c.evictRunning = true
	c.mu.Unlock()

	go c.runEvictionLoop(ctx, c.cfg.EvictionInterval)
}

func (c *Cache) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.evictRunning = false
			c.mu.Unlock()
			return
		case <-ticker.C:
			if n := c.EvictIdle(c.now()); n > 0 {
				log.Debug().Int("evicted", n).Msg("evicted idle sessions")
			}
		}
	}
}

// EvictIdle removes sessions idle for at least IdleTimeout as of now from
// the cache only. Sessions whose lock is held are skipped until the next
// pass.
func (c *Cache) EvictIdle(now time.Time) int {
	return c.evictOlderThan(now, c.cfg.IdleTimeout)
}

func (c *Cache) evictOlderThan(now time.Time, idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	c.mu.RLock()
	candidates := make(map[string]*entry, len(c.entries))
	for id, e := range c.entries {
		if now.Sub(e.lastAccess) >= idle {
			candidates[id] = e
		}
	}
	c.mu.RUnlock()

	evicted := 0
	for id, e := range candidates {
		unlock, ok := c.locks.TryLock(id)
		if !ok {
			continue
		}
		c.mu.Lock()
		if current, ok := c.entries[id]; ok && current == e && now.Sub(e.lastAccess) >= idle {
			delete(c.entries, id)
			evicted++
		}
		c.mu.Unlock()
		unlock()
	}
	c.evicted.Add(uint64(evicted))
	return evicted
}

// EvictAll empties the cache, skipping sessions in use.
func (c *Cache) EvictAll() int {
	return c.evictOlderThan(c.now().Add(time.Nanosecond), time.Nanosecond)
}
