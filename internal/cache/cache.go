// Package cache implements the in-process TTL/LRU cache that fronts every
// call to a rate-limited provider.
//
// Entries carry their own TTL and an approximate size. Two limits are
// enforced on every Set: the number of entries and the total approximate
// memory. Both are restored before the new entry is inserted by evicting the
// least recently accessed entries (ties broken by insertion order).
//
// Expired entries are removed lazily by Get/Has and eagerly by a background
// sweep, so keys that are written once and never read do not accumulate.
//
// All methods are safe for concurrent use. Values are returned as stored;
// callers must treat them as read-only.
package cache

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/metrics"
)

// ErrEntryTooLarge is returned by Set when a single entry exceeds the memory limit.
var ErrEntryTooLarge = errors.New("cache: entry larger than memory limit")

const (
	DefaultMaxEntries     = 1000
	DefaultMaxMemoryBytes = 50 << 20
	DefaultSweepInterval  = time.Minute
)

// Options configures a Cache. Zero values select the defaults; a negative
// SweepInterval disables the background sweep.
type Options struct {
	Name           string
	MaxEntries     int
	MaxMemoryBytes int64
	SweepInterval  time.Duration
	Now            func() time.Time
}

type entry[V any] struct {
	value          V
	storedAt       time.Time
	ttl            time.Duration
	accessCount    uint64
	lastAccessedAt time.Time
	sizeBytes      int64
	priority       domain.Priority
	seq            uint64
}

func (e *entry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) > e.ttl
}

// Cache is a TTL/LRU cache with approximate memory accounting.
type Cache[V any] struct {
	name           string
	maxEntries     int
	maxMemoryBytes int64
	now            func() time.Time

	mu          sync.Mutex
	entries     map[string]*entry[V]
	memoryBytes int64
	seq         uint64
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New creates a cache and starts its sweeper unless disabled.
func New[V any](opts Options) *Cache[V] {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxMemoryBytes <= 0 {
		opts.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache[V]{
		name:           opts.Name,
		maxEntries:     opts.MaxEntries,
		maxMemoryBytes: opts.MaxMemoryBytes,
		now:            opts.Now,
		entries:        make(map[string]*entry[V]),
		sweepInterval:  opts.SweepInterval,
		stopCh:         make(chan struct{}),
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return c
}

// Get returns the value for key. An expired entry is deleted and counted as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	now := c.now()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.RecordCacheLookup(c.name, false)
		return zero, false
	}
	if e.expired(now) {
		c.removeLocked(key, e)
		c.expirations++
		c.misses++
		metrics.RecordCacheLookup(c.name, false)
		metrics.RecordCacheEviction(c.name, "expired", 1)
		return zero, false
	}

	e.accessCount++
	e.lastAccessedAt = now
	c.hits++
	metrics.RecordCacheLookup(c.name, true)
	return e.value, true
}

// Set stores value under key for ttl; a ttl <= 0 never expires. Limits are
// restored before insertion. Priority is recorded for diagnostics only; it does not bias eviction.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration, priority domain.Priority) error {
	size := EstimateSize(key, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	// a rejected write still retires the previous value
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	if size > c.maxMemoryBytes {
		return ErrEntryTooLarge
	}

	if c.memoryBytes+size > c.maxMemoryBytes {
		n := c.evictForMemoryLocked(size)
		metrics.RecordCacheEviction(c.name, "memory", n)
	}
	if len(c.entries) >= c.maxEntries {
		if c.evictOldestLocked() {
			metrics.RecordCacheEviction(c.name, "lru", 1)
		}
	}

	now := c.now()
	c.seq++
	c.entries[key] = &entry[V]{
		value:          value,
		storedAt:       now,
		ttl:            ttl,
		lastAccessedAt: now,
		sizeBytes:      size,
		priority:       priority,
		seq:            c.seq,
	}
	c.memoryBytes += size
	metrics.SetCacheSize(c.name, len(c.entries), c.memoryBytes)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		c.removeLocked(key, e)
	}
	return ok
}

// DeletePrefix removes every key starting with prefix and returns the count.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key, e)
			n++
		}
	}
	return n
}

// Has reports whether key holds a live entry, deleting it if expired.
// It does not count as an access.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.expired(c.now()) {
		c.removeLocked(key, e)
		c.expirations++
		return false
	}
	return true
}

// Clear removes all entries. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.memoryBytes = 0
	metrics.SetCacheSize(c.name, 0, 0)
}

// Len returns the number of physically present entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MemoryBytes returns the running approximate memory total.
func (c *Cache[V]) MemoryBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryBytes
}

// Keys returns the present keys in sorted order.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Close stops the background sweep.
func (c *Cache[V]) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	return nil
}

// removeLocked deletes an entry and keeps memoryBytes and the size gauges in
// step. Must be called under lock.
func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	delete(c.entries, key)
	c.memoryBytes -= e.sizeBytes
	metrics.SetCacheSize(c.name, len(c.entries), c.memoryBytes)
}

// lessRecent orders entries by last access, then insertion.
func lessRecent[V any](a, b *entry[V]) bool {
	if a.lastAccessedAt.Equal(b.lastAccessedAt) {
		return a.seq < b.seq
	}
	return a.lastAccessedAt.Before(b.lastAccessedAt)
}

// evictOldestLocked removes the least recently accessed entry. Must be called under lock.
func (c *Cache[V]) evictOldestLocked() bool {
	var (
		oldestKey string
		oldest    *entry[V]
	)
	for k, e := range c.entries {
		if oldest == nil || lessRecent(e, oldest) {
			oldestKey, oldest = k, e
		}
	}
	if oldest == nil {
		return false
	}
	c.removeLocked(oldestKey, oldest)
	c.evictions++
	return true
}

// evictForMemoryLocked evicts least recently accessed entries until need
// more bytes fit under the limit. Must be called under lock.
func (c *Cache[V]) evictForMemoryLocked(need int64) int {
	type candidate struct {
		key string
		e   *entry[V]
	}
	order := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		order = append(order, candidate{k, e})
	}
	sort.Slice(order, func(i, j int) bool {
		return lessRecent(order[i].e, order[j].e)
	})

	n := 0
	for _, cand := range order {
		if c.memoryBytes+need <= c.maxMemoryBytes {
			break
		}
		c.removeLocked(cand.key, cand.e)
		c.evictions++
		n++
	}
	return n
}
