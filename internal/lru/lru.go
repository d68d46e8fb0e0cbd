// Package lru is a small generic, entry-capped cache adapted from
// dag/witness's node cache. The foreign proposal handler (C10) uses it
// to remember which foreign QC ids it has already verified, so the same
// QC signature set isn't re-checked for every local transaction a
// foreign block's evidence touches.
package lru

import (
	"container/list"
	"sync"
)

// Cache is a fixed-capacity, least-recently-used cache of comparable
// keys to values.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	ll      *list.List
	entries map[K]*list.Element
	cap     int
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New returns a Cache holding at most capacity entries. capacity <= 0 is
// treated as 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[K, V]{
		ll:      list.New(),
		entries: make(map[K]*list.Element, capacity),
		cap:     capacity,
	}
}

// Get reports whether k is cached, moving it to the front on a hit.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[k]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Add inserts or refreshes k, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *Cache[K, V]) Add(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[k]; ok {
		el.Value = entry[K, V]{key: k, value: v}
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(entry[K, V]{key: k, value: v})
	c.entries[k] = el
	if c.ll.Len() > c.cap {
		back := c.ll.Back()
		if back != nil {
			c.ll.Remove(back)
			delete(c.entries, back.Value.(entry[K, V]).key)
		}
	}
}
