package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/pkg/cache"
)

func TestTTLCacheGetPut(t *testing.T) {
	t.Parallel()

	c := cache.NewTTL[string, int](4, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("a", 2)
	v, ok = c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestTTLCacheEviction(t *testing.T) {
	t.Parallel()

	c := cache.NewTTL[string, string](2, time.Minute)
	c.Put("a", "1")
	c.Put("b", "2")

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", "3")
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestTTLCacheExpiry(t *testing.T) {
	t.Parallel()

	c := cache.NewTTL[string, int](4, 20*time.Millisecond)
	c.Put("a", 1)

	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok = c.Get("a")
	assert.False(t, ok, "entry should expire after ttl")
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on read")
}

func TestTTLCachePutRefreshesTTL(t *testing.T) {
	t.Parallel()

	c := cache.NewTTL[string, int](4, 50*time.Millisecond)
	c.Put("a", 1)

	time.Sleep(30 * time.Millisecond)
	c.Put("a", 2)
	time.Sleep(30 * time.Millisecond)

	v, ok := c.Get("a")
	require.True(t, ok, "rewrite resets the expiry clock")
	assert.Equal(t, 2, v)
}

func TestTTLCacheInvalidate(t *testing.T) {
	t.Parallel()

	c := cache.NewTTL[string, int](4, time.Minute)
	c.Put("a", 1)
	c.Invalidate("a")

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	// Invalidating an absent key is a no-op.
	c.Invalidate("a")
}

func TestTTLCachePanicsOnBadConfig(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { cache.NewTTL[string, int](0, time.Minute) })
	assert.Panics(t, func() { cache.NewTTL[string, int](4, 0) })
}
