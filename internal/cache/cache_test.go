// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTTLCache(t *testing.T) {
	t.Run("GetAddRemove", func(t *testing.T) {
		c := NewTTLCache(10, time.Minute)

		if _, ok := c.Get("missing"); ok {
			t.Error("expected miss for absent key")
		}

		c.Add("a", "alpha")
		v, ok := c.Get("a")
		if !ok || v.(string) != "alpha" {
			t.Errorf("Get(a) = %v, %v; want alpha, true", v, ok)
		}

		if !c.Remove("a") {
			t.Error("Remove(a) = false; want true")
		}
		if _, ok := c.Get("a"); ok {
			t.Error("key still present after Remove")
		}
	})

	t.Run("EvictsLRUAtCapacity", func(t *testing.T) {
		c := NewTTLCache(3, time.Minute)
		c.Add("a", 1)
		c.Add("b", 2)
		c.Add("c", 3)

		// Touch a so b becomes the oldest.
		c.Get("a")
		c.Add("d", 4)

		if c.Len() != 3 {
			t.Errorf("Len() = %d; want 3", c.Len())
		}
		if c.Contains("b") {
			t.Error("expected b to be evicted as least recently used")
		}
		for _, key := range []string{"a", "c", "d"} {
			if !c.Contains(key) {
				t.Errorf("expected %s to survive eviction", key)
			}
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		c := NewTTLCache(10, 20*time.Millisecond)
		c.Add("a", 1)

		if !c.Contains("a") {
			t.Fatal("entry should be live immediately after Add")
		}

		time.Sleep(40 * time.Millisecond)
		if c.Contains("a") {
			t.Error("entry should have expired")
		}
		if _, ok := c.Get("a"); ok {
			t.Error("Get should drop and miss an expired entry")
		}
	})

	t.Run("AddRefreshesExisting", func(t *testing.T) {
		c := NewTTLCache(10, time.Minute)
		c.Add("a", "old")
		c.Add("a", "new")

		if c.Len() != 1 {
			t.Errorf("Len() = %d; want 1", c.Len())
		}
		v, _ := c.Get("a")
		if v.(string) != "new" {
			t.Errorf("Get(a) = %v; want new", v)
		}
	})

	t.Run("RemoveFunc", func(t *testing.T) {
		c := NewTTLCache(10, time.Minute)
		c.Add("s1:x", 1)
		c.Add("s1:y", 2)
		c.Add("s2:x", 3)

		removed := c.RemoveFunc(func(key string) bool {
			return key[:3] == "s1:"
		})
		if removed != 2 {
			t.Errorf("RemoveFunc removed %d; want 2", removed)
		}
		if !c.Contains("s2:x") {
			t.Error("unmatched key should survive RemoveFunc")
		}
	})

	t.Run("CleanupExpired", func(t *testing.T) {
		c := NewTTLCache(10, 20*time.Millisecond)
		c.Add("a", 1)
		c.Add("b", 2)

		time.Sleep(40 * time.Millisecond)
		if removed := c.CleanupExpired(); removed != 2 {
			t.Errorf("CleanupExpired() = %d; want 2", removed)
		}
		if c.Len() != 0 {
			t.Errorf("Len() = %d after cleanup; want 0", c.Len())
		}
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		c := NewTTLCache(100, time.Minute)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					key := fmt.Sprintf("k%d", (n*200+j)%150)
					c.Add(key, j)
					c.Get(key)
					c.Contains(key)
				}
			}(i)
		}
		wg.Wait()

		if c.Len() > 100 {
			t.Errorf("Len() = %d exceeds capacity 100", c.Len())
		}
	})
}

func TestExactDedup(t *testing.T) {
	t.Run("FirstSightingIsNotDuplicate", func(t *testing.T) {
		d := NewExactDedup(100, time.Minute)

		if d.IsDuplicate("s1:e1") {
			t.Error("first sighting flagged as duplicate")
		}
		if !d.IsDuplicate("s1:e1") {
			t.Error("second sighting not flagged as duplicate")
		}
		if !d.IsDuplicate("s1:e1") {
			t.Error("third sighting not flagged as duplicate")
		}
	})

	t.Run("DistinctKeysIndependent", func(t *testing.T) {
		d := NewExactDedup(100, time.Minute)
		d.IsDuplicate("s1:e1")

		if d.IsDuplicate("s1:e2") {
			t.Error("different entity flagged as duplicate")
		}
		if d.IsDuplicate("s2:e1") {
			t.Error("same entity in different session flagged as duplicate")
		}
	})

	t.Run("WindowExpiry", func(t *testing.T) {
		d := NewExactDedup(100, 20*time.Millisecond)
		d.IsDuplicate("s1:e1")

		time.Sleep(40 * time.Millisecond)
		if d.IsDuplicate("s1:e1") {
			t.Error("sighting after window expiry flagged as duplicate")
		}
	})

	t.Run("ForgetDropsSessionKeysOnly", func(t *testing.T) {
		d := NewExactDedup(100, time.Minute)
		d.IsDuplicate("s1:e1")
		d.IsDuplicate("s1:e2")
		d.IsDuplicate("s2:e1")

		d.Forget("s1")

		if d.IsDuplicate("s1:e1") {
			t.Error("forgotten key still flagged as duplicate")
		}
		if !d.IsDuplicate("s2:e1") {
			t.Error("other session's key lost by Forget")
		}
	})

	t.Run("CapacityBoundHolds", func(t *testing.T) {
		d := NewExactDedup(50, time.Minute)
		for i := 0; i < 200; i++ {
			d.IsDuplicate(fmt.Sprintf("s1:e%d", i))
		}
		if d.Len() > 50 {
			t.Errorf("Len() = %d exceeds capacity 50", d.Len())
		}
	})
}
