/*
Copyright 2011 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package lru implements a generic LRU cache.
package lru

import (
	"container/list"
	"sync"
)

// Cache is an LRU cache, safe for concurrent access.
type Cache[K comparable, V any] struct {
	maxEntries int

	lk    sync.Mutex
	ll    *list.List
	cache map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New returns a new cache with the provided maximum items.
// A maxEntries of 0 means no limit.
func New[K comparable, V any](maxEntries int) *Cache[K, V] {
	return &Cache[K, V]{
		maxEntries: maxEntries,
		ll:         list.New(),
		cache:      make(map[K]*list.Element),
	}
}

// Add adds the provided key and value to the cache, evicting
// an old item if necessary.
func (c *Cache[K, V]) Add(key K, value V) {
	c.lk.Lock()
	defer c.lk.Unlock()

	if ee, ok := c.cache[key]; ok {
		c.ll.MoveToFront(ee)
		ee.Value.(*entry[K, V]).value = value
		return
	}

	ele := c.ll.PushFront(&entry[K, V]{key, value})
	c.cache[key] = ele

	if c.maxEntries != 0 && c.ll.Len() > c.maxEntries {
		_, _, _ = c.removeOldest()
	}
}

// Get fetches the key's value from the cache.
// The ok result will be true if the item was found.
func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if ele, hit := c.cache[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.Value.(*entry[K, V]).value, true
	}
	return
}

// RemoveOldest removes the oldest item in the cache and returns it.
func (c *Cache[K, V]) RemoveOldest() (key K, value V, ok bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.removeOldest()
}

// note: must hold c.lk
func (c *Cache[K, V]) removeOldest() (key K, value V, ok bool) {
	ele := c.ll.Back()
	if ele == nil {
		return
	}
	c.ll.Remove(ele)
	e := ele.Value.(*entry[K, V])
	delete(c.cache, e.key)
	return e.key, e.value, true
}

// Len returns the number of items in the cache.
func (c *Cache[K, V]) Len() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.ll.Len()
}

// Keys returns the keys currently held, in no particular order. Used by
// callers (the B+Tree reader's prefetch expansion) that need to know what
// is already cached before deciding what else to fetch.
func (c *Cache[K, V]) Keys() []K {
	c.lk.Lock()
	defer c.lk.Unlock()
	keys := make([]K, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	return keys
}
