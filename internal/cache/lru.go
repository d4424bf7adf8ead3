// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package cache provides the bounded TTL caches used for fast-path
// deduplication and for the workspace mapper's expensive lookups.
package cache

import (
	"sync"
	"time"
)

// entry is a node in the LRU list.
type entry struct {
	key       string
	value     any
	prev      *entry
	next      *entry
	expiresAt time.Time
}

// TTLCache is a thread-safe least-recently-used cache with per-entry TTL.
// Get, Add, Remove, and eviction are all O(1). Expired entries are
// dropped lazily on access and in bulk via CleanupExpired.
type TTLCache struct {
	mu sync.RWMutex

	capacity int
	ttl      time.Duration
	items    map[string]*entry

	// head.next is most recently used, tail.prev is least recently used.
	head *entry
	tail *entry

	hits   int64
	misses int64
}

// NewTTLCache creates a cache with the given capacity and TTL.
func NewTTLCache(capacity int, ttl time.Duration) *TTLCache {
	if capacity <= 0 {
		capacity = 10_000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &TTLCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get retrieves a live entry, marking it most recently used.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.remove(e)
		c.misses++
		return nil, false
	}
	c.moveToFront(e)
	c.hits++
	return e.value, true
}

// Contains checks membership without updating access order.
func (c *TTLCache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.items[key]; ok {
		return !time.Now().After(e.expiresAt)
	}
	return false
}

// Add inserts or refreshes an entry, evicting the LRU tail when full.
func (c *TTLCache) Add(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)
	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value, expiresAt: expiresAt}
	c.addToFront(e)
	c.items[key] = e

	for len(c.items) > c.capacity {
		c.evictOldest()
	}
}

// Remove deletes an entry. Returns true when it existed.
func (c *TTLCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.remove(e)
		return true
	}
	return false
}

// RemoveFunc deletes every entry whose key satisfies match.
// Returns the number removed. Used to invalidate all cache entries for a
// workspace on session end.
func (c *TTLCache) RemoveFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if match(e.key) {
			c.remove(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Len returns the current number of entries.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all entries.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry, c.capacity)
	c.head.next = c.tail
	c.tail.prev = c.head
}

// CleanupExpired removes all expired entries, returning the count removed.
func (c *TTLCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if now.After(e.expiresAt) {
			c.remove(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Stats returns hit/miss counters and current size.
func (c *TTLCache) Stats() (hits, misses int64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.items)
}

// List manipulation; callers hold the lock.

func (c *TTLCache) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *TTLCache) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

func (c *TTLCache) remove(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}

func (c *TTLCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.remove(oldest)
}
