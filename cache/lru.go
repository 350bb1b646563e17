// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache implements various caching strategies.
package cache // import "rdfdelta.io/cache"

import (
	"container/list"
	"sync"
)

// LRU is a least-recently used cache, safe for concurrent access.
// A capacity of zero or less disables caching: Add is a no-op.
type LRU[K comparable, V any] struct {
	maxEntries int

	// OnEvict, if set, is called with each entry removed to make room.
	// It is called with the cache lock held and must not use the cache.
	OnEvict func(key K, value V)

	mu    sync.Mutex
	ll    *list.List
	cache map[K]*list.Element
}

// *entry is the type stored in each *list.Element.
type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU returns a new cache with the provided maximum items.
func NewLRU[K comparable, V any](maxEntries int) *LRU[K, V] {
	return &LRU[K, V]{
		maxEntries: maxEntries,
		ll:         list.New(),
		cache:      make(map[K]*list.Element),
	}
}

// Add adds the provided key and value to the cache, evicting
// an old item if necessary.
func (c *LRU[K, V]) Add(key K, value V) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ee, ok := c.cache[key]; ok {
		c.ll.MoveToFront(ee)
		ee.Value.(*entry[K, V]).value = value
		return
	}

	ele := c.ll.PushFront(&entry[K, V]{key, value})
	c.cache[key] = ele

	for c.ll.Len() > c.maxEntries {
		k, v, _ := c.removeOldest()
		if c.OnEvict != nil {
			c.OnEvict(k, v)
		}
	}
}

// Get fetches the key's value from the cache.
// The ok result will be true if the item was found.
func (c *LRU[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, hit := c.cache[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.Value.(*entry[K, V]).value, true
	}
	return
}

// Remove removes key from the cache and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ele, hit := c.cache[key]
	if !hit {
		return false
	}
	c.ll.Remove(ele)
	delete(c.cache, key)
	return true
}

// RemoveOldest removes the oldest item in the cache and returns its key and value.
// The ok result is false if the cache was empty.
func (c *LRU[K, V]) RemoveOldest() (key K, value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeOldest()
}

// note: must hold c.mu
func (c *LRU[K, V]) removeOldest() (key K, value V, ok bool) {
	ele := c.ll.Back()
	if ele == nil {
		return
	}
	c.ll.Remove(ele)
	ent := ele.Value.(*entry[K, V])
	delete(c.cache, ent.key)
	return ent.key, ent.value, true
}

// Purge empties the cache.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.cache = make(map[K]*list.Element)
}

// Len returns the number of items in the cache.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
