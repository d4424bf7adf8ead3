// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package cache

import (
	"context"
	"time"
)

// DedupCache suppresses re-delivered events inside a rolling window.
//
// The window trades memory for idempotence: a duplicate seen within
// the TTL is dropped before it reaches the writer; one arriving after
// the window lands as an extra raw row, which costs storage but never
// data. Lookups must be exact; a false positive here would silently
// discard a real event, which the at-least-once contract does not
// allow.
type DedupCache interface {
	// IsDuplicate reports whether key was already seen inside the
	// window, and records it as seen either way.
	IsDuplicate(key string) bool

	// Seen reports whether key is inside the window without recording
	// it. Used on the read side when recording must wait for a durable
	// landing.
	Seen(key string) bool

	// Record marks key as seen. Called after the event lands, so a
	// failed batch never poisons the window against its own retry.
	Record(key string)

	// Forget drops all recorded keys whose dedup key begins with the
	// given session prefix. Called on session end.
	Forget(sessionID string)

	// Len returns the number of keys currently tracked.
	Len() int

	// Stats returns duplicate hits, misses, and current size.
	Stats() (hits, misses int64, size int)
}

// ExactDedup implements DedupCache on a TTL-bounded LRU. Memory is
// capped by entry count; the oldest identities fall out first when the
// cap is hit. An identity evicted early can land one duplicate row,
// never lose an event.
type ExactDedup struct {
	lru *TTLCache
}

// NewExactDedup creates a dedup cache holding up to capacity identities
// for the given window.
func NewExactDedup(capacity int, window time.Duration) *ExactDedup {
	return &ExactDedup{lru: NewTTLCache(capacity, window)}
}

// IsDuplicate checks and records in one step. The first sighting of a
// key returns false, every sighting inside the window after that returns
// true. Recording refreshes the TTL, so a hot identity stays tracked.
func (d *ExactDedup) IsDuplicate(key string) bool {
	_, seen := d.lru.Get(key)
	d.lru.Add(key, struct{}{})
	return seen
}

// Seen checks membership without recording.
func (d *ExactDedup) Seen(key string) bool {
	_, ok := d.lru.Get(key)
	return ok
}

// Record marks a key as seen, refreshing its TTL.
func (d *ExactDedup) Record(key string) {
	d.lru.Add(key, struct{}{})
}

// Forget drops all identities belonging to a session. Dedup keys are
// "<session_id>:<entity_id>", so a prefix match is exact per session.
func (d *ExactDedup) Forget(sessionID string) {
	prefix := sessionID + ":"
	d.lru.RemoveFunc(func(key string) bool {
		return len(key) > len(prefix) && key[:len(prefix)] == prefix
	})
}

// Len returns the number of tracked identities.
func (d *ExactDedup) Len() int {
	return d.lru.Len()
}

// Stats returns hit/miss counters and the current size.
func (d *ExactDedup) Stats() (hits, misses int64, size int) {
	return d.lru.Stats()
}

// RunCleanup evicts expired identities on the given interval until the
// context is canceled. Eviction is otherwise lazy, so a quiet cache
// would hold expired keys indefinitely without this.
func (d *ExactDedup) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.lru.CleanupExpired()
		}
	}
}
