package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1, -100} {
		_, err := New[string, int](capacity)
		assert.Error(t, err, "capacity %d", capacity)
	}
}

func TestGetPutBasic(t *testing.T) {
	c, err := New[string, int](4)
	require.NoError(t, err)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// Replacing a value keeps a single entry.
	c.Put("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestStrictLRUEviction(t *testing.T) {
	c, err := New[string, int](3)
	require.NoError(t, err)

	c.Put("k1", 1)
	c.Put("k2", 2)
	c.Put("k3", 3)

	// k1 is LRU; inserting a new key must evict exactly k1.
	c.Put("new", 4)
	assert.False(t, c.Contains("k1"))
	assert.True(t, c.Contains("k2"))
	assert.True(t, c.Contains("k3"))
	assert.True(t, c.Contains("new"))
	assert.Equal(t, 3, c.Len())
}

func TestGetRefreshesRecency(t *testing.T) {
	c, err := New[string, int](3)
	require.NoError(t, err)

	c.Put("k1", 1)
	c.Put("k2", 2)
	c.Put("k3", 3)

	// Touch k1 so k2 becomes the eviction candidate.
	_, ok := c.Get("k1")
	require.True(t, ok)

	c.Put("k4", 4)
	assert.True(t, c.Contains("k1"))
	assert.False(t, c.Contains("k2"))
	assert.Equal(t, []string{"k3", "k1", "k4"}, c.Keys())
}

func TestPutExistingMovesToMRU(t *testing.T) {
	c, err := New[string, int](3)
	require.NoError(t, err)

	c.Put("k1", 1)
	c.Put("k2", 2)
	c.Put("k3", 3)
	c.Put("k1", 10) // refresh

	c.Put("k4", 4)
	assert.True(t, c.Contains("k1"))
	assert.False(t, c.Contains("k2"))
}

func TestContainsDoesNotRefresh(t *testing.T) {
	c, err := New[string, int](2)
	require.NoError(t, err)

	c.Put("k1", 1)
	c.Put("k2", 2)
	assert.True(t, c.Contains("k1")) // peek only

	c.Put("k3", 3)
	assert.False(t, c.Contains("k1"))
}

func TestClear(t *testing.T) {
	c, err := New[string, int](8)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}
	c.Clear()

	assert.Equal(t, 0, c.Len())
	for i := 0; i < 8; i++ {
		assert.False(t, c.Contains(fmt.Sprintf("k%d", i)))
	}

	// Cache remains usable after Clear.
	c.Put("x", 42)
	v, ok := c.Get("x")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestStats(t *testing.T) {
	c, err := New[string, int](10)
	require.NoError(t, err)

	c.Put("a", 1)
	c.Get("a")     // hit
	c.Get("b")     // miss
	c.Get("c")     // miss

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 10, stats.Capacity)
	assert.InDelta(t, 0.1, stats.Utilization, 1e-9)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestUtilizationBounds(t *testing.T) {
	c, err := New[int, int](5)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		c.Put(i, i)
		stats := c.Stats()
		assert.LessOrEqual(t, stats.Size, 5)
		assert.GreaterOrEqual(t, stats.Utilization, 0.0)
		assert.LessOrEqual(t, stats.Utilization, 1.0)
	}
}

// TestConcurrentHammer runs 100 goroutines each issuing 1000 operations
// against a capacity-100 cache. The size bound must hold throughout and no
// key may ever return another key's value.
func TestConcurrentHammer(t *testing.T) {
	const (
		workers      = 100
		opsPerWorker = 1000
		capacity     = 100
	)

	c, err := New[int, int](capacity)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				key := (seed*opsPerWorker + i) % 500
				switch i % 3 {
				case 0:
					// Value is derived from key so corruption is detectable.
					c.Put(key, key*7)
				case 1:
					if v, ok := c.Get(key); ok {
						assert.Equal(t, key*7, v)
					}
				case 2:
					assert.LessOrEqual(t, c.Len(), capacity)
				}
			}
		}(w)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, capacity)
	for _, k := range c.Keys() {
		v, ok := c.Get(k)
		require.True(t, ok)
		assert.Equal(t, k*7, v)
	}
}
