// Package cache implements an LRU+TTL cache: a bounded-entry,
// bounded-memory, expiring cache sitting in front of a backend. The data
// structure is a hash map from key to list element plus a
// sentinel-bracketed doubly-linked recency list (container/list) ordered
// MRU to LRU.
package cache

import (
	"container/list"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxEvictionsPerSet caps how many entries a single Set call will evict,
// guarding against a pathological loop when one inserted value alone
// exceeds the memory budget.
const maxEvictionsPerSet = 1000

// node is the cache's internal record; it is the list element's payload.
type node struct {
	key       string
	value     any
	expiry    time.Time // zero value means "no expiry"
	size      int64
	hasExpiry bool
}

// Stats is a point-in-time snapshot of cache statistics.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
	MemoryBytes int64
}

// HitRate returns Hits/(Hits+Misses), or 0 when both are zero.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the LRU+TTL cache. The zero value is not usable; construct
// with New.
type Cache struct {
	logger *zap.Logger

	mu    sync.Mutex
	ll    *list.List // MRU at Front, LRU at Back
	items map[string]*list.Element

	maxSize        int
	maxMemoryBytes int64
	memoryBytes    int64
	defaultTTL     time.Duration

	hits, misses, evictions, expirations uint64

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New constructs a cache bounded by maxSize entries and maxMemoryBytes.
// defaultTTL is the TTL applied to a Set call that does not specify one
// explicitly; zero means "no expiry by default".
func New(maxSize int, maxMemoryBytes int64, defaultTTL time.Duration, opts ...Option) *Cache {
	c := &Cache{
		logger:         zap.NewNop(),
		ll:             list.New(),
		items:          make(map[string]*list.Element),
		maxSize:        maxSize,
		maxMemoryBytes: maxMemoryBytes,
		defaultTTL:     defaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if defaultTTL > 0 {
		c.startSweep(sweepInterval(defaultTTL))
	}
	return c
}

// sweepInterval computes the periodic-sweep cadence:
// max(1000ms, min(ttl/10, 60000ms)).
func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 10
	if interval > 60*time.Second {
		interval = 60 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Get returns the value for key if present and unexpired, moving it to
// MRU and incrementing hits. A miss (absent or expired) increments
// misses; an expired hit additionally increments expirations and removes
// the node.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	n := el.Value.(*node)
	if c.isExpiredLocked(n) {
		c.removeElementLocked(el)
		c.misses++
		c.expirations++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return n.value, true
}

// Has reports whether key is present and unexpired, without affecting MRU
// position or hit/miss counters. An expired entry is
// still removed and counted as an expiration.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	n := el.Value.(*node)
	if c.isExpiredLocked(n) {
		c.removeElementLocked(el)
		c.expirations++
		return false
	}
	return true
}

// Set upserts key, evicting from the LRU end (capped at
// maxEvictionsPerSet) until both size and memory bounds are satisfied.
// ttl, if non-zero, overrides the cache's default TTL for this entry; a
// ttl of exactly zero with no cache default means "never expires".
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	effectiveTTL := ttl
	if ttl == 0 {
		effectiveTTL = c.defaultTTL
	}
	size := estimateSize(key, value)

	if el, ok := c.items[key]; ok {
		n := el.Value.(*node)
		c.memoryBytes += size - n.size
		n.value = value
		n.size = size
		c.setExpiry(n, effectiveTTL)
		c.ll.MoveToFront(el)
		c.evictLocked()
		return
	}

	n := &node{key: key, value: value, size: size}
	c.setExpiry(n, effectiveTTL)
	el := c.ll.PushFront(n)
	c.items[key] = el
	c.memoryBytes += size
	c.evictLocked()
}

func (c *Cache) setExpiry(n *node, ttl time.Duration) {
	if ttl > 0 {
		n.expiry = time.Now().Add(ttl)
		n.hasExpiry = true
	} else {
		n.hasExpiry = false
	}
}

// Delete removes key, releasing its memory accounting. A no-op if absent.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElementLocked(el)
	}
}

// Clear resets the cache to empty, preserving configuration and
// statistics.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll = list.New()
	c.items = make(map[string]*list.Element)
	c.memoryBytes = 0
}

// Destroy clears the cache and stops the periodic TTL sweep. The cache
// must not be used afterward.
func (c *Cache) Destroy() {
	c.stopSweep()
	c.Clear()
}

// Stats returns a snapshot of current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        len(c.items),
		MemoryBytes: c.memoryBytes,
	}
}

// ResetStats zeroes the hit/miss/eviction/expiration counters without
// touching cached entries.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions, c.expirations = 0, 0, 0, 0
}

func (c *Cache) isExpiredLocked(n *node) bool {
	return n.hasExpiry && !n.expiry.After(time.Now())
}

func (c *Cache) removeElementLocked(el *list.Element) {
	n := el.Value.(*node)
	c.ll.Remove(el)
	delete(c.items, n.key)
	c.memoryBytes -= n.size
}

// evictLocked trims from the LRU end until both bounds hold, capped at
// maxEvictionsPerSet.
func (c *Cache) evictLocked() {
	for i := 0; i < maxEvictionsPerSet; i++ {
		withinSize := c.maxSize <= 0 || len(c.items) <= c.maxSize
		withinMemory := c.maxMemoryBytes <= 0 || c.memoryBytes <= c.maxMemoryBytes
		if withinSize && withinMemory {
			return
		}
		back := c.ll.Back()
		if back == nil {
			return
		}
		c.removeElementLocked(back)
		c.evictions++
	}
}

// startSweep launches the periodic TTL sweep goroutine. The sweep walks
// from the LRU end, yielding between entries (via the loop's natural
// lock/unlock cadence) so it never holds the cache lock across the whole
// scan and never blocks other operations for more than one node's worth
// of work at a time.
func (c *Cache) startSweep(interval time.Duration) {
	c.sweepStop = make(chan struct{})
	c.sweepDone = make(chan struct{})
	ticker := time.NewTicker(interval)

	go func() {
		defer close(c.sweepDone)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepOnce()
			case <-c.sweepStop:
				return
			}
		}
	}()
}

func (c *Cache) sweepOnce() {
	for {
		c.mu.Lock()
		el := c.ll.Back()
		if el == nil {
			c.mu.Unlock()
			return
		}
		n := el.Value.(*node)
		if !c.isExpiredLocked(n) {
			c.mu.Unlock()
			return
		}
		c.removeElementLocked(el)
		c.expirations++
		c.mu.Unlock()
		// Yield between entries so the sweep can't hold the store off for
		// an unbounded scan of a large expired tail.
		runtime.Gosched()
	}
}

func (c *Cache) stopSweep() {
	if c.sweepStop == nil {
		return
	}
	close(c.sweepStop)
	<-c.sweepDone
	c.sweepStop = nil
}
