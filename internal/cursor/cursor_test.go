// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package cursor

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/store"
)

func TestWatermarks(t *testing.T) {
	w := NewWatermarks(filepath.Join(t.TempDir(), "watermarks.json"))

	t.Run("TimeMonotonic", func(t *testing.T) {
		if !w.AdvanceTime("workspace", "ws1", "k", 100) {
			t.Fatal("first timestamp rejected")
		}
		if w.AdvanceTime("workspace", "ws1", "k", 100) {
			t.Fatal("equal timestamp advanced")
		}
		if w.AdvanceTime("workspace", "ws1", "k", 50) {
			t.Fatal("older timestamp advanced")
		}
		if !w.AdvanceTime("workspace", "ws1", "k", 200) {
			t.Fatal("newer timestamp rejected")
		}
		if w.HighWater("workspace", "ws1", "k") != 200 {
			t.Fatalf("high water = %d", w.HighWater("workspace", "ws1", "k"))
		}
	})

	t.Run("DigestChangeDetection", func(t *testing.T) {
		if !w.AdvanceDigest("global", "ws1", "key", []byte("v1")) {
			t.Fatal("first value rejected")
		}
		if w.AdvanceDigest("global", "ws1", "key", []byte("v1")) {
			t.Fatal("unchanged value advanced")
		}
		if !w.AdvanceDigest("global", "ws1", "key", []byte("v2")) {
			t.Fatal("changed value rejected")
		}
	})

	t.Run("DropWorkspace", func(t *testing.T) {
		w.AdvanceTime("workspace", "ws2", "k", 100)
		w.DropWorkspace("ws1")
		if w.HighWater("workspace", "ws1", "k") != 0 {
			t.Fatal("ws1 marks survived drop")
		}
		if w.HighWater("workspace", "ws2", "k") != 100 {
			t.Fatal("ws2 marks dropped too")
		}
	})
}

func TestWatermarksPersistAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watermarks.json")

	w := NewWatermarks(path)
	w.AdvanceTime("workspace", "ws1", "generations", 2000)
	w.AdvanceDigest("global", "ws1", "bubbleId:c1:b1", []byte("v1"))
	w.Flush()

	// A new set over the same file stands in for a restarted process:
	// everything already emitted stays suppressed.
	resumed := NewWatermarks(path)
	if got := resumed.HighWater("workspace", "ws1", "generations"); got != 2000 {
		t.Fatalf("restored high water = %d, want 2000", got)
	}
	if resumed.AdvanceTime("workspace", "ws1", "generations", 1500) {
		t.Fatal("stale timestamp advanced after restart")
	}
	if resumed.AdvanceDigest("global", "ws1", "bubbleId:c1:b1", []byte("v1")) {
		t.Fatal("unchanged value advanced after restart")
	}
	if !resumed.AdvanceTime("workspace", "ws1", "generations", 3000) {
		t.Fatal("genuinely new timestamp rejected after restart")
	}

	// A dropped workspace stays dropped across the next restart.
	resumed.DropWorkspace("ws1")
	fresh := NewWatermarks(path)
	if fresh.HighWater("workspace", "ws1", "generations") != 0 {
		t.Fatal("dropped marks came back after restart")
	}
}

func createIDEDB(t *testing.T, path string, stmts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

func TestMapperResolvesByDirectoryName(t *testing.T) {
	storage := t.TempDir()
	cachePath := filepath.Join(t.TempDir(), "cache.json")

	wsPath := "/home/dev/project"
	hash := event.WorkspaceHash(wsPath)
	dir := filepath.Join(storage, hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	createIDEDB(t, filepath.Join(dir, "state.vscdb"),
		`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value TEXT)`)

	m := NewMapper(storage, cachePath)
	got, ok := m.Resolve(context.Background(), hash, wsPath)
	if !ok {
		t.Fatal("directory-name match missed")
	}
	if got != filepath.Join(dir, "state.vscdb") {
		t.Fatalf("resolved %q", got)
	}

	// A fresh mapper finds it through the persisted cache.
	m2 := NewMapper(storage, cachePath)
	if m2.Len() != 1 {
		t.Fatalf("cache entries after reload = %d", m2.Len())
	}
}

func TestMapperProbesWorkspaceMetadata(t *testing.T) {
	storage := t.TempDir()
	cachePath := filepath.Join(t.TempDir(), "cache.json")

	wsPath := "/home/dev/other"
	dir := filepath.Join(storage, "0123456789abcdef")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "workspace.json"),
		[]byte(`{"folder": "file:///home/dev/other"}`), 0o644); err != nil {
		t.Fatalf("write workspace.json: %v", err)
	}
	createIDEDB(t, filepath.Join(dir, "state.vscdb"),
		`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value TEXT)`)

	m := NewMapper(storage, cachePath)
	got, ok := m.Resolve(context.Background(), "", wsPath)
	if !ok {
		t.Fatal("content probe missed")
	}
	if got != filepath.Join(dir, "state.vscdb") {
		t.Fatalf("resolved %q", got)
	}
}

func TestMapperDropsStaleCacheEntries(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(cachePath,
		[]byte(`{"deadbeef": "/no/such/state.vscdb"}`), 0o600); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	m := NewMapper(t.TempDir(), cachePath)
	if m.Len() != 0 {
		t.Fatal("stale entry survived load")
	}
}

type capturePublisher struct {
	mu   sync.Mutex
	envs []*event.Envelope
}

func (c *capturePublisher) PublishEnvelope(_ context.Context, env *event.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *capturePublisher) byType(eventType string) []*event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*event.Envelope
	for _, env := range c.envs {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func testMonitorConfig() config.CursorMonitoringConfig {
	return config.CursorMonitoringConfig{
		PollIntervalSecs: 60,
		DebounceSecs:     10,
		QueryTimeoutSecs: 1.5,
	}
}

func openListener(t *testing.T, kind, path, wsHash, sessionID string) *listener {
	t.Helper()
	db, err := store.OpenReadOnly(path, 2*time.Second, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &listener{kind: kind, path: path, db: db, workspaceHash: wsHash, sessionID: sessionID}
}

func TestSyncWorkspaceGenerationsWatermark(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.vscdb")
	createIDEDB(t, dbPath,
		`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value TEXT)`,
		`INSERT INTO ItemTable VALUES ('aiService.generations',
			'[{"unixMs": 1000, "generationUUID": "g1", "type": "composer", "textDescription": "edit main.go"},
			  {"unixMs": 2000, "generationUUID": "g2", "type": "composer"}]')`,
	)

	pub := &capturePublisher{}
	m := NewUnifiedMonitor("/nonexistent/global.vscdb", filepath.Join(t.TempDir(), "watermarks.json"), testMonitorConfig(), pub, nil)
	l := openListener(t, LevelWorkspace, dbPath, "ws-1", "sess-1")

	m.syncWorkspace(context.Background(), l)
	gens := pub.byType(event.TypeGeneration)
	if len(gens) != 2 {
		t.Fatalf("generations = %d, want 2", len(gens))
	}

	env := gens[0]
	if env.Platform != event.PlatformCursor || env.SessionID != "sess-1" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Metadata.WorkspaceHash != "ws-1" || env.Source() != event.SourceUnifiedMonitor {
		t.Fatalf("metadata = %+v", env.Metadata)
	}
	if env.PayloadString("generation_uuid") != "g1" {
		t.Fatalf("generation_uuid = %q", env.PayloadString("generation_uuid"))
	}
	if strings.Contains(string(env.Payload), "edit main.go") {
		t.Fatal("text description leaked unhashed")
	}

	// Same data again: watermark suppresses everything.
	m.syncWorkspace(context.Background(), l)
	if len(pub.byType(event.TypeGeneration)) != 2 {
		t.Fatal("watermark did not suppress re-read")
	}

	// A newer entry appended: exactly one more event.
	createIDEDB(t, dbPath,
		`UPDATE ItemTable SET value =
			'[{"unixMs": 1000, "generationUUID": "g1"},
			  {"unixMs": 2000, "generationUUID": "g2"},
			  {"unixMs": 3000, "generationUUID": "g3"}]'
		 WHERE key = 'aiService.generations'`)

	m.syncWorkspace(context.Background(), l)
	gens = pub.byType(event.TypeGeneration)
	if len(gens) != 3 {
		t.Fatalf("generations = %d, want 3", len(gens))
	}
	if gens[2].PayloadString("generation_uuid") != "g3" {
		t.Fatalf("new generation = %q", gens[2].PayloadString("generation_uuid"))
	}
}

func TestSyncWorkspacePromptsByCount(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.vscdb")
	createIDEDB(t, dbPath,
		`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value TEXT)`,
		`INSERT INTO ItemTable VALUES ('aiService.prompts',
			'[{"text": "fix the bug", "commandType": 4}]')`,
	)

	pub := &capturePublisher{}
	m := NewUnifiedMonitor("/nonexistent/global.vscdb", filepath.Join(t.TempDir(), "watermarks.json"), testMonitorConfig(), pub, nil)
	l := openListener(t, LevelWorkspace, dbPath, "ws-1", "sess-1")

	m.syncWorkspace(context.Background(), l)
	prompts := pub.byType(event.TypePrompt)
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	if strings.Contains(string(prompts[0].Payload), "fix the bug") {
		t.Fatal("prompt text leaked unhashed")
	}
	if prompts[0].PayloadString("text_description") != event.ContentHash("fix the bug") {
		t.Fatal("prompt hash mismatch")
	}

	m.syncWorkspace(context.Background(), l)
	if len(pub.byType(event.TypePrompt)) != 1 {
		t.Fatal("count watermark did not suppress re-read")
	}
}

func TestSyncGlobalOnlyActiveComposers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.vscdb")
	createIDEDB(t, dbPath,
		`CREATE TABLE cursorDiskKV (key TEXT PRIMARY KEY, value TEXT)`,
		`INSERT INTO cursorDiskKV VALUES ('composerData:c-active',
			'{"composerId": "c-active", "createdAt": 1000, "lastUpdatedAt": 2000, "name": "refactor"}')`,
		`INSERT INTO cursorDiskKV VALUES ('composerData:c-foreign',
			'{"composerId": "c-foreign", "createdAt": 1000, "lastUpdatedAt": 2000}')`,
		`INSERT INTO cursorDiskKV VALUES ('bubbleId:c-active:b1',
			'{"bubbleId": "b1", "type": 1, "text": "user question"}')`,
		`INSERT INTO cursorDiskKV VALUES ('bubbleId:c-active:b2',
			'{"bubbleId": "b2", "type": 2, "text": "assistant answer", "isAgentic": true,
			  "tokenCount": {"inputTokens": 100, "outputTokens": 40}}')`,
	)

	pub := &capturePublisher{}
	m := NewUnifiedMonitor(dbPath, filepath.Join(t.TempDir(), "watermarks.json"), testMonitorConfig(), pub, nil)
	m.registerComposer("c-active", composerScope{workspaceHash: "ws-1", sessionID: "sess-1"})
	l := openListener(t, LevelGlobal, dbPath, "", "")

	m.syncGlobal(context.Background(), l)

	composers := pub.byType(event.TypeComposer)
	if len(composers) != 1 {
		t.Fatalf("composers = %d, want only the active one", len(composers))
	}
	if composers[0].PayloadString("composer_id") != "c-active" {
		t.Fatalf("composer = %q", composers[0].PayloadString("composer_id"))
	}
	if composers[0].SessionID != "sess-1" {
		t.Fatalf("composer session = %q", composers[0].SessionID)
	}

	bubbles := pub.byType(event.TypeBubble)
	if len(bubbles) != 2 {
		t.Fatalf("bubbles = %d, want 2", len(bubbles))
	}
	for _, b := range bubbles {
		if b.PayloadString("composer_id") != "c-active" {
			t.Fatalf("bubble composer = %q", b.PayloadString("composer_id"))
		}
		if strings.Contains(string(b.Payload), "assistant answer") ||
			strings.Contains(string(b.Payload), "user question") {
			t.Fatal("bubble text leaked unhashed")
		}
	}

	// Unchanged rows are digest-suppressed on the next pass.
	m.syncGlobal(context.Background(), l)
	if pub.count() != 3 {
		t.Fatalf("events after unchanged re-sync = %d, want 3", pub.count())
	}

	// A changed bubble re-emits just that bubble.
	createIDEDB(t, dbPath,
		`UPDATE cursorDiskKV SET value =
			'{"bubbleId": "b2", "type": 2, "text": "longer assistant answer"}'
		 WHERE key = 'bubbleId:c-active:b2'`,
		`UPDATE cursorDiskKV SET value =
			'{"composerId": "c-active", "createdAt": 1000, "lastUpdatedAt": 3000, "name": "refactor"}'
		 WHERE key = 'composerData:c-active'`)

	m.syncGlobal(context.Background(), l)
	if len(pub.byType(event.TypeBubble)) != 3 {
		t.Fatalf("bubbles after change = %d, want 3", len(pub.byType(event.TypeBubble)))
	}
}

func TestDeactivateClearsWorkspaceState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.vscdb")
	createIDEDB(t, dbPath,
		`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value TEXT)`,
		`INSERT INTO ItemTable VALUES ('composer.composerData',
			'{"allComposers": [{"composerId": "c1"}]}')`,
	)

	pub := &capturePublisher{}
	m := NewUnifiedMonitor("/nonexistent/global.vscdb", filepath.Join(t.TempDir(), "watermarks.json"), testMonitorConfig(), pub, nil)
	if err := m.Activate("sess-1", "ws-1", dbPath); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	m.syncPath(context.Background(), dbPath)
	if _, ok := m.composerSession("c1"); !ok {
		t.Fatal("composer not registered from workspace index")
	}
	if m.ActiveListeners() != 1 {
		t.Fatalf("listeners = %d", m.ActiveListeners())
	}

	m.Deactivate("sess-1")
	if m.ActiveListeners() != 0 {
		t.Fatal("listener survived deactivation")
	}
	if _, ok := m.composerSession("c1"); ok {
		t.Fatal("composer registration survived deactivation")
	}
}

func TestFsEventDebounceFiresAfterBurstQuiets(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.vscdb")
	createIDEDB(t, dbPath,
		`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value TEXT)`)

	cfg := testMonitorConfig()
	cfg.DebounceSecs = 0.05
	pub := &capturePublisher{}
	m := NewUnifiedMonitor("/nonexistent/global.vscdb", filepath.Join(t.TempDir(), "watermarks.json"), cfg, pub, nil)
	if err := m.Activate("sess-1", "ws-1", dbPath); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	t.Cleanup(func() { m.Deactivate("sess-1") })

	// Untracked paths never schedule a read.
	m.handleFsEvent(fsnotify.Event{Name: filepath.Join(t.TempDir(), "other.vscdb"), Op: fsnotify.Write})

	// A burst of WAL writes: each event pushes the read back, so the
	// sync sees the burst's final state, not its first write.
	for i := 0; i < 5; i++ {
		m.handleFsEvent(fsnotify.Event{Name: dbPath + "-wal", Op: fsnotify.Write})
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case path := <-m.nudges:
		t.Fatalf("nudge for %s fired mid-burst", path)
	default:
	}

	select {
	case path := <-m.nudges:
		if path != dbPath {
			t.Fatalf("nudge path = %q", path)
		}
	case <-time.After(time.Second):
		t.Fatal("no nudge after the burst quieted")
	}

	select {
	case <-m.nudges:
		t.Fatal("one burst produced more than one nudge")
	case <-time.After(100 * time.Millisecond):
	}
}
