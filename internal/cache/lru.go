// Package cache provides the bounded thread-safe LRU map used for
// per-project query-result caching and embedding memoization.
//
// A single mutex guards both the hash map and the recency list. Operations
// are O(1) and the critical sections are tiny, so contention stays cheap
// under heavy parallel load. Go mutexes are not reentrant, so every public
// method delegates to an unexported *Locked helper; internal paths (such as
// eviction logging inside Put) call those helpers directly and can never
// re-acquire the lock.
package cache

import (
	"container/list"
	"sync"

	"github.com/thebtf/ragserve/internal/kberr"
)

// LRU is a bounded key/value map with least-recently-used eviction.
// The recency list is ordered LRU (front) to MRU (back).
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[K]*list.Element
	hits     uint64
	misses   uint64
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
}

// New creates an LRU with the given capacity. Capacity must be positive.
func New[K comparable, V any](capacity int) (*LRU[K, V], error) {
	if capacity <= 0 {
		return nil, kberr.New(kberr.ConfigError, "lru capacity must be positive, got %d", capacity)
	}
	return &LRU[K, V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[K]*list.Element, capacity),
	}, nil
}

// Get returns the value for k and marks it most recently used.
func (c *LRU[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.ll.MoveToBack(el)
	return el.Value.(*entry[K, V]).value, true
}

// Put inserts or replaces the value for k and marks it most recently used.
// When the cache is full the least-recently-used entry is evicted first.
func (c *LRU[K, V]) Put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[k]; ok {
		el.Value.(*entry[K, V]).value = v
		c.ll.MoveToBack(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		c.evictLocked()
	}
	c.items[k] = c.ll.PushBack(&entry[K, V]{key: k, value: v})
}

// evictLocked removes the LRU entry (list front). Caller holds the mutex.
func (c *LRU[K, V]) evictLocked() {
	front := c.ll.Front()
	if front == nil {
		return
	}
	c.ll.Remove(front)
	delete(c.items, front.Value.(*entry[K, V]).key)
}

// Contains reports whether k is cached without updating recency or counters.
func (c *LRU[K, V]) Contains(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[k]
	return ok
}

// Len returns the current number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Clear atomically discards every entry. Hit/miss counters are retained.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element, c.capacity)
}

// Stats returns a snapshot of size, capacity, utilization and counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

// statsLocked builds the snapshot. Caller holds the mutex; internal code on
// the Put/Get paths uses this instead of Stats to avoid self-deadlock.
func (c *LRU[K, V]) statsLocked() Stats {
	size := c.ll.Len()
	return Stats{
		Size:        size,
		Capacity:    c.capacity,
		Utilization: float64(size) / float64(c.capacity),
		Hits:        c.hits,
		Misses:      c.misses,
	}
}

// Keys returns the cached keys in LRU-to-MRU order. Intended for tests and
// diagnostics; the slice is a copy.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}
