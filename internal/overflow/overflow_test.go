// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package overflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteConfirmCycle(t *testing.T) {
	s := openTestStore(t)

	meta := map[string]string{"platform": "cursor"}
	if err := s.Write("telemetry.events.cursor.bubble", []byte(`{"event_id":"e1"}`), meta); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := s.GetPending()
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("pending = %d; want 1", len(entries))
	}
	e := entries[0]
	if e.Topic != "telemetry.events.cursor.bubble" {
		t.Errorf("topic = %q", e.Topic)
	}
	if e.Metadata["platform"] != "cursor" {
		t.Errorf("metadata = %v", e.Metadata)
	}

	if err := s.Confirm(e.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	entries, err = s.GetPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("pending after confirm = %d; want 0", len(entries))
	}

	if err := s.Confirm(e.ID); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("double confirm err = %v; want ErrEntryNotFound", err)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"event_id":"e%d"}`, i)
		if err := s.Write("telemetry.events.claude_code.prompt", []byte(payload), nil); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		// Distinct creation times so the replay order assertion means
		// something.
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries, err := reopened.GetPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("pending after reopen = %d; want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[i-1].CreatedAt) {
			t.Error("pending entries not in creation order")
		}
	}
}

func TestMarkAttempt(t *testing.T) {
	s := openTestStore(t)

	if err := s.Write("cdc.events.cursor", []byte(`{}`), nil); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.GetPending()
	id := entries[0].ID

	if err := s.MarkAttempt(id, errors.New("connection refused")); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}

	entries, _ = s.GetPending()
	if entries[0].Attempts != 1 {
		t.Errorf("attempts = %d; want 1", entries[0].Attempts)
	}
	if entries[0].LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestReplayerDrains(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf(`{"event_id":"e%d"}`, i)
		if err := s.Write("telemetry.events.cursor.bubble", []byte(payload), nil); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	var published []string
	publish := func(ctx context.Context, topic string, payload []byte, metadata map[string]string) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, string(payload))
		return nil
	}

	r := NewReplayer(s, publish, time.Second)
	r.drain(context.Background())

	mu.Lock()
	n := len(published)
	mu.Unlock()
	if n != 5 {
		t.Fatalf("published = %d; want 5", n)
	}

	entries, err := s.GetPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("pending after drain = %d; want 0", len(entries))
	}
}

func TestReplayerStopsOnPublishFailure(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Write("telemetry.events.cursor.bubble", []byte(`{}`), nil); err != nil {
			t.Fatal(err)
		}
	}

	calls := 0
	publish := func(ctx context.Context, topic string, payload []byte, metadata map[string]string) error {
		calls++
		return errors.New("bus still down")
	}

	r := NewReplayer(s, publish, time.Second)
	r.drain(context.Background())

	// One failed attempt, then the pass aborts: no point hammering a
	// dead bus with the whole backlog.
	if calls != 1 {
		t.Errorf("publish calls = %d; want 1", calls)
	}

	entries, err := s.GetPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("pending = %d; want all 3 retained", len(entries))
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	// Idempotent close.
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if err := s.Write("t", []byte(`{}`), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close = %v; want ErrClosed", err)
	}
}
