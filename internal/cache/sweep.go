package cache

import (
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

func (c *Cache[V]) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				logging.Op().Debug("cache sweep", "cache", c.name, "removed", n)
			}
		}
	}
}

// Sweep deletes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var (
		removed int
		freed   int64
	)
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			freed += e.sizeBytes
			removed++
		}
	}
	c.memoryBytes -= freed
	c.expirations += uint64(removed)

	metrics.RecordCacheEviction(c.name, "sweep", removed)
	metrics.SetCacheSize(c.name, len(c.entries), c.memoryBytes)
	return removed
}
