package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetDelete(t *testing.T) {
	c := New(10, 0, 0)
	defer c.Destroy()

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", "1", 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c := New(2, 0, 0)
	defer c.Destroy()

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("c", "3", 0) // evicts "a" (LRU)

	_, ok := c.Get("a")
	assert.False(t, ok, "a should have been evicted")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestLRUPromotionOnGet(t *testing.T) {
	c := New(2, 0, 0)
	defer c.Destroy()

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Get("a")         // promotes a to MRU, b becomes LRU
	c.Set("c", "3", 0) // should evict b, not a

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, 0, 0)
	defer c.Destroy()

	c.Set("a", "1", 20*time.Millisecond)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Expirations)
}

func TestHasDoesNotAffectHitMissCounters(t *testing.T) {
	c := New(10, 0, 0)
	defer c.Destroy()

	c.Set("a", "1", 0)
	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("missing"))

	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
}

func TestMemoryBound(t *testing.T) {
	c := New(0, 64, 0)
	defer c.Destroy()

	for i := 0; i < 20; i++ {
		c.Set(string(rune('a'+i)), "some moderately sized value here", 0)
	}

	stats := c.Stats()
	assert.LessOrEqual(t, stats.MemoryBytes, int64(64))
	assert.Greater(t, stats.Evictions, uint64(0))
}

func TestHitRate(t *testing.T) {
	c := New(10, 0, 0)
	defer c.Destroy()

	assert.Equal(t, float64(0), c.Stats().HitRate())

	c.Set("a", "1", 0)
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestClearPreservesStats(t *testing.T) {
	c := New(10, 0, 0)
	defer c.Destroy()

	c.Set("a", "1", 0)
	c.Get("a")
	c.Clear()

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size)
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestResetStats(t *testing.T) {
	c := New(10, 0, 0)
	defer c.Destroy()

	c.Set("a", "1", 0)
	c.Get("a")
	c.Get("missing")
	c.ResetStats()

	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
	_, ok := c.Get("a")
	assert.True(t, ok, "clearing stats must not evict entries")
}

func TestBackgroundSweepRemovesExpiredEntries(t *testing.T) {
	c := New(10, 0, 30*time.Millisecond)
	defer c.Destroy()

	c.Set("a", "1", 30*time.Millisecond)
	// The sweep interval never drops below one second.
	time.Sleep(1500 * time.Millisecond)

	c.mu.Lock()
	_, present := c.items["a"]
	c.mu.Unlock()
	assert.False(t, present, "sweep should have removed the expired entry")
}
