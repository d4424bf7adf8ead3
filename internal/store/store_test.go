// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/blueplane/telemetry-core/internal/config"
)

func testConfig() config.StoreConfig {
	return config.StoreConfig{
		CompressionLevel: 6,
		WAL:              true,
		BusyTimeoutMs:    5000,
		BatchSize:        100,
		FlushIntervalMs:  100,
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "telemetry.db"), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.db")

	s, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening an already-migrated database must be a no-op.
	s2, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	var version int
	err = s2.Conn().QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d; want %d", version, len(migrations))
	}
}

func TestCompressor(t *testing.T) {
	payload := []byte(`{"event_id":"e1","payload":{"tokens_used":42}}`)

	t.Run("RoundTrip", func(t *testing.T) {
		c := NewCompressor(6)
		blob, err := c.Compress(payload)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		out, err := Decompress(blob)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		if !bytes.Equal(out, payload) {
			t.Errorf("round trip mismatch: got %q", out)
		}
	})

	t.Run("LevelZeroStillDecodable", func(t *testing.T) {
		c := NewCompressor(0)
		blob, err := c.Compress(payload)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		out, err := Decompress(blob)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		if !bytes.Equal(out, payload) {
			t.Errorf("round trip mismatch at level 0: got %q", out)
		}
	})
}

func TestInsertCursorBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ms := int64(1700000000000)
	traces := []CursorTrace{
		{EventID: "e1", ExternalSessionID: "W1", EventType: "composer", Timestamp: now, ComposerID: "c1", EventData: []byte(`{"event_id":"e1"}`)},
		{EventID: "e2", ExternalSessionID: "W1", EventType: "bubble", Timestamp: now, ComposerID: "c1", BubbleID: "b1", UnixMs: &ms, EventData: []byte(`{"event_id":"e2"}`)},
		{EventID: "e3", ExternalSessionID: "W1", EventType: "bubble", Timestamp: now, ComposerID: "c1", BubbleID: "b2", EventData: []byte(`{"event_id":"e3"}`)},
	}

	seqs, err := s.InsertCursorBatch(ctx, traces)
	if err != nil {
		t.Fatalf("InsertCursorBatch: %v", err)
	}
	if len(seqs) != 3 {
		t.Fatalf("got %d sequences; want 3", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("sequence not monotonic: %v", seqs)
		}
	}

	t.Run("BlobRoundTrips", func(t *testing.T) {
		var blob []byte
		err := s.Conn().QueryRow(
			"SELECT event_data FROM cursor_raw_traces WHERE event_id = 'e2'").Scan(&blob)
		if err != nil {
			t.Fatalf("read blob: %v", err)
		}
		out, err := Decompress(blob)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		if string(out) != `{"event_id":"e2"}` {
			t.Errorf("blob = %q", out)
		}
	})

	t.Run("GeneratedPartitionColumns", func(t *testing.T) {
		var date string
		var hour int
		err := s.Conn().QueryRow(
			"SELECT event_date, event_hour FROM cursor_raw_traces WHERE event_id = 'e1'").Scan(&date, &hour)
		if err != nil {
			t.Fatalf("read generated columns: %v", err)
		}
		if date != now.Format("2006-01-02") {
			t.Errorf("event_date = %q; want %q", date, now.Format("2006-01-02"))
		}
		if hour != now.Hour() {
			t.Errorf("event_hour = %d; want %d", hour, now.Hour())
		}
	})

	t.Run("EmptyBatchIsNoop", func(t *testing.T) {
		seqs, err := s.InsertCursorBatch(ctx, nil)
		if err != nil {
			t.Fatalf("empty batch: %v", err)
		}
		if seqs != nil {
			t.Errorf("empty batch returned sequences %v", seqs)
		}
	})
}

func TestInsertClaudeBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	dur := int64(1200)
	tokens := int64(512)
	traces := []ClaudeTrace{
		{EventID: "a1", SessionID: "S1", EventType: "assistant", Timestamp: now, Model: "m", TokensUsed: &tokens, EventData: []byte(`{"event_id":"a1"}`)},
		{EventID: "a2", SessionID: "S1", EventType: "tool_use", Timestamp: now, ToolName: "Edit", DurationMs: &dur, EventData: []byte(`{"event_id":"a2"}`)},
	}

	seqs, err := s.InsertClaudeBatch(ctx, traces)
	if err != nil {
		t.Fatalf("InsertClaudeBatch: %v", err)
	}
	if len(seqs) != 2 || seqs[1] <= seqs[0] {
		t.Fatalf("sequences = %v", seqs)
	}

	n, err := s.TraceCount(ctx, "claude_raw_traces")
	if err != nil {
		t.Fatalf("TraceCount: %v", err)
	}
	if n != 2 {
		t.Errorf("TraceCount = %d; want 2", n)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Hour)

	base := Session{
		SessionID:         "uuid-1",
		PlatformSessionID: "W1",
		Platform:          "cursor",
		WorkspaceHash:     "abc",
		WorkspacePath:     "/tmp/proj",
		StartedAt:         started,
	}

	t.Run("UpsertIsIdempotentForLiveSession", func(t *testing.T) {
		if err := s.UpsertSessionStart(ctx, base); err != nil {
			t.Fatalf("first upsert: %v", err)
		}

		// Redelivered start with a different internal ID must not add a row
		// or move started_at.
		dup := base
		dup.SessionID = "uuid-2"
		dup.StartedAt = time.Now().UTC()
		if err := s.UpsertSessionStart(ctx, dup); err != nil {
			t.Fatalf("second upsert: %v", err)
		}

		var n int64
		if err := s.Conn().QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("session rows = %d; want 1", n)
		}

		sess, err := s.SessionByIdentity(ctx, "W1", "cursor")
		if err != nil {
			t.Fatalf("SessionByIdentity: %v", err)
		}
		if !sess.StartedAt.Equal(started) {
			t.Errorf("started_at moved on redelivered start: %v", sess.StartedAt)
		}
	})

	t.Run("CloseAndDoubleClose", func(t *testing.T) {
		closed, err := s.CloseSession(ctx, "W1", "cursor", EndReasonNormal, time.Now().UTC())
		if err != nil {
			t.Fatalf("CloseSession: %v", err)
		}
		if !closed {
			t.Fatal("CloseSession = false for live session")
		}

		closed, err = s.CloseSession(ctx, "W1", "cursor", EndReasonNormal, time.Now().UTC())
		if err != nil {
			t.Fatalf("double close: %v", err)
		}
		if closed {
			t.Error("double close reported a row; want benign no-op")
		}

		sess, err := s.SessionByIdentity(ctx, "W1", "cursor")
		if err != nil {
			t.Fatal(err)
		}
		if sess.Live() || sess.EndReason != EndReasonNormal {
			t.Errorf("session = live=%v reason=%q; want closed/normal", sess.Live(), sess.EndReason)
		}
	})

	t.Run("ReopenClosedIdentity", func(t *testing.T) {
		reopened := base
		reopened.SessionID = "uuid-3"
		reopened.StartedAt = time.Now().UTC()
		if err := s.UpsertSessionStart(ctx, reopened); err != nil {
			t.Fatalf("reopen: %v", err)
		}

		sess, err := s.SessionByIdentity(ctx, "W1", "cursor")
		if err != nil {
			t.Fatal(err)
		}
		if !sess.Live() {
			t.Error("reopened session not live")
		}
		if sess.EndReason != "" {
			t.Errorf("end_reason = %q after reopen; want empty", sess.EndReason)
		}
		if !sess.StartedAt.After(started) {
			t.Errorf("started_at not refreshed on reopen: %v", sess.StartedAt)
		}
	})

	t.Run("UnknownIdentity", func(t *testing.T) {
		_, err := s.SessionByIdentity(ctx, "nope", "cursor")
		if err != ErrSessionNotFound {
			t.Errorf("err = %v; want ErrSessionNotFound", err)
		}
	})
}

func TestSweepTimeouts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := Session{
		SessionID: "old", PlatformSessionID: "OLD", Platform: "claude_code",
		StartedAt: now.Add(-30 * time.Hour),
	}
	fresh := Session{
		SessionID: "new", PlatformSessionID: "NEW", Platform: "claude_code",
		StartedAt: now.Add(-time.Hour),
	}
	for _, sess := range []Session{stale, fresh} {
		if err := s.UpsertSessionStart(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	closed, err := s.SweepTimeouts(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatalf("SweepTimeouts: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closed = %d; want 1", closed)
	}

	old, err := s.SessionByIdentity(ctx, "OLD", "claude_code")
	if err != nil {
		t.Fatal(err)
	}
	if old.Live() || old.EndReason != EndReasonTimeout {
		t.Errorf("stale session live=%v reason=%q; want closed/timeout", old.Live(), old.EndReason)
	}

	newer, err := s.SessionByIdentity(ctx, "NEW", "claude_code")
	if err != nil {
		t.Fatal(err)
	}
	if !newer.Live() {
		t.Error("fresh session closed by sweep")
	}
}

func TestReplaceSessionConversations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess := Session{
		SessionID: "uuid-1", PlatformSessionID: "W1", Platform: "cursor",
		StartedAt: now.Add(-time.Hour),
	}
	if err := s.UpsertSessionStart(ctx, sess); err != nil {
		t.Fatal(err)
	}

	tokens := int64(100)
	convs := []Conversation{{
		ConversationID: "conv-1",
		SessionID:      "uuid-1",
		Platform:       "cursor",
		ComposerID:     "c1",
		StartedAt:      &now,
		TurnCount:      2,
		TotalTokens:    100,
		Turns: []ConversationTurn{
			{TurnIndex: 0, Role: "user", EntityID: "b1", Timestamp: &now},
			{TurnIndex: 1, Role: "assistant", EntityID: "b2", Timestamp: &now, Tokens: &tokens},
		},
	}}
	rate := 0.5
	metrics := SessionMetrics{InteractionCount: 2, TotalTokens: 100, AcceptanceRate: &rate}

	// Run twice; the rebuild must be idempotent under CDC redelivery.
	for i := 0; i < 2; i++ {
		if err := s.ReplaceSessionConversations(ctx, "uuid-1", convs, metrics); err != nil {
			t.Fatalf("ReplaceSessionConversations pass %d: %v", i, err)
		}
	}

	var convCount, turnCount int64
	if err := s.Conn().QueryRow("SELECT COUNT(*) FROM conversations").Scan(&convCount); err != nil {
		t.Fatal(err)
	}
	if err := s.Conn().QueryRow("SELECT COUNT(*) FROM conversation_turns").Scan(&turnCount); err != nil {
		t.Fatal(err)
	}
	if convCount != 1 || turnCount != 2 {
		t.Errorf("conversations=%d turns=%d; want 1 and 2", convCount, turnCount)
	}

	got, err := s.SessionByIdentity(ctx, "W1", "cursor")
	if err != nil {
		t.Fatal(err)
	}
	if got.InteractionCount != 2 || got.TotalTokens != 100 {
		t.Errorf("metrics = %d interactions, %d tokens; want 2, 100", got.InteractionCount, got.TotalTokens)
	}
	if got.AcceptanceRate == nil || *got.AcceptanceRate != 0.5 {
		t.Errorf("acceptance_rate = %v; want 0.5", got.AcceptanceRate)
	}
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	// Create a database, then reopen it read-only and attempt a write.
	path := filepath.Join(t.TempDir(), "state.vscdb")
	s, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Conn().Exec("CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value BLOB)"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Conn().Exec("INSERT INTO ItemTable (key, value) VALUES ('k', 'v')"); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	ro, err := OpenReadOnly(path, 2*time.Second, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()

	v, err := ro.QueryValue(context.Background(), "SELECT value FROM ItemTable WHERE key = 'k'")
	if err != nil {
		t.Fatalf("QueryValue: %v", err)
	}
	if v != "v" {
		t.Errorf("QueryValue = %q; want v", v)
	}

	if _, err := ro.conn.Exec("INSERT INTO ItemTable (key, value) VALUES ('x', 'y')"); err == nil {
		t.Fatal("write through read-only connection succeeded; want failure")
	}
}
