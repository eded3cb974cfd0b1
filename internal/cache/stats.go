package cache

import (
	"sort"
	"time"
)

// Stats is a read-only snapshot of cache state.
type Stats struct {
	Name           string  `json:"name"`
	Size           int     `json:"size"`
	MaxEntries     int     `json:"max_entries"`
	MemoryBytes    int64   `json:"memory_bytes"`
	MaxMemoryBytes int64   `json:"max_memory_bytes"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	Expirations    uint64  `json:"expirations"`
	HitRate        float64 `json:"hit_rate"`
}

// EntryInfo describes one entry for diagnostics.
type EntryInfo struct {
	Key         string        `json:"key"`
	Age         time.Duration `json:"age"`
	TTL         time.Duration `json:"ttl"`
	AccessCount uint64        `json:"access_count"`
	SizeBytes   int64         `json:"size_bytes"`
	Priority    string        `json:"priority"`
	Expired     bool          `json:"expired"`
}

// Stats returns counters and sizes.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Name:           c.name,
		Size:           len(c.entries),
		MaxEntries:     c.maxEntries,
		MemoryBytes:    c.memoryBytes,
		MaxMemoryBytes: c.maxMemoryBytes,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		Expirations:    c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Inspect returns per-entry diagnostics sorted by key.
func (c *Cache[V]) Inspect() []EntryInfo {
	c.mu.Lock()
	now := c.now()
	out := make([]EntryInfo, 0, len(c.entries))
	for k, e := range c.entries {
		out = append(out, EntryInfo{
			Key:         k,
			Age:         now.Sub(e.storedAt),
			TTL:         e.ttl,
			AccessCount: e.accessCount,
			SizeBytes:   e.sizeBytes,
			Priority:    e.priority.String(),
			Expired:     e.expired(now),
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
