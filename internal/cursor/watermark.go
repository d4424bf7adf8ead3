// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package cursor monitors Cursor's IDE-owned SQLite databases and
// emits telemetry envelopes for new activity. Every database access is
// strictly read-only and timeboxed.
package cursor

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/logging"
)

// Watermarks tracks per-key sync positions so each pass over an IDE
// database emits only what changed. Two schemes: a monotonic unixMs
// high-water mark for timestamped arrays, and a content digest for
// opaque values with no usable timestamp. The marks persist to a
// sidecar file so a restarted process does not re-emit everything the
// IDE databases still hold.
type Watermarks struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	dirty   bool
	unixMs  map[string]int64
	digests map[string]string
}

// watermarkState is the persisted form.
type watermarkState struct {
	UnixMs  map[string]int64  `json:"unix_ms"`
	Digests map[string]string `json:"digests"`
}

// NewWatermarks creates a watermark set backed by the given sidecar
// file, loading any marks a previous process left there.
func NewWatermarks(path string) *Watermarks {
	w := &Watermarks{
		path:    path,
		unixMs:  make(map[string]int64),
		digests: make(map[string]string),
		logger:  logging.With().Str("component", "cursor-watermarks").Logger(),
	}
	w.load()
	return w
}

func (w *Watermarks) load() {
	if w.path == "" {
		return
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}

	var persisted watermarkState
	if err := json.Unmarshal(data, &persisted); err != nil {
		w.logger.Warn().Err(err).Str("file", w.path).Msg("unreadable watermark file, starting fresh")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range persisted.UnixMs {
		w.unixMs[k] = v
	}
	for k, v := range persisted.Digests {
		w.digests[k] = v
	}
}

// Flush writes the marks to disk if anything advanced since the last
// write. Losing the file costs re-emitted events the dedup window and
// broker absorb, never correctness, so persistence failures only warn.
func (w *Watermarks) Flush() {
	if w.path == "" {
		return
	}

	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	snapshot := watermarkState{
		UnixMs:  make(map[string]int64, len(w.unixMs)),
		Digests: make(map[string]string, len(w.digests)),
	}
	for k, v := range w.unixMs {
		snapshot.UnixMs[k] = v
	}
	for k, v := range w.digests {
		snapshot.Digests[k] = v
	}
	w.dirty = false
	w.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		w.logger.Warn().Err(err).Msg("marshal watermarks")
		return
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		w.logger.Warn().Err(err).Str("file", tmp).Msg("write watermarks")
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		w.logger.Warn().Err(err).Str("file", w.path).Msg("replace watermarks")
	}
}

// wmKey scopes a watermark to one value in one database.
func wmKey(storageLevel, workspaceHash, key string) string {
	return storageLevel + "|" + workspaceHash + "|" + key
}

// AdvanceTime reports whether ts is beyond the stored high-water mark
// for the key, advancing it when so. Equal or older timestamps are
// already-seen entries.
func (w *Watermarks) AdvanceTime(storageLevel, workspaceHash, key string, ts int64) bool {
	k := wmKey(storageLevel, workspaceHash, key)
	w.mu.Lock()
	defer w.mu.Unlock()

	if ts <= w.unixMs[k] {
		return false
	}
	w.unixMs[k] = ts
	w.dirty = true
	return true
}

// HighWater returns the stored unixMs mark for a key, zero when unset.
func (w *Watermarks) HighWater(storageLevel, workspaceHash, key string) int64 {
	k := wmKey(storageLevel, workspaceHash, key)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unixMs[k]
}

// AdvanceDigest reports whether the value's content changed since the
// last sighting, recording the new digest when so. Used for values that
// carry no timestamp the monitor can trust.
func (w *Watermarks) AdvanceDigest(storageLevel, workspaceHash, key string, value []byte) bool {
	sum := sha256.Sum256(value)
	digest := hex.EncodeToString(sum[:])

	k := wmKey(storageLevel, workspaceHash, key)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.digests[k] == digest {
		return false
	}
	w.digests[k] = digest
	w.dirty = true
	return true
}

// DropWorkspace clears all watermarks scoped to one workspace and
// persists the removal. Called when its session ends so a reopened
// workspace resyncs cleanly.
func (w *Watermarks) DropWorkspace(workspaceHash string) {
	w.mu.Lock()
	for k := range w.unixMs {
		if wmWorkspace(k) == workspaceHash {
			delete(w.unixMs, k)
			w.dirty = true
		}
	}
	for k := range w.digests {
		if wmWorkspace(k) == workspaceHash {
			delete(w.digests, k)
			w.dirty = true
		}
	}
	w.mu.Unlock()

	w.Flush()
}

func wmWorkspace(k string) string {
	start := -1
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			if start < 0 {
				start = i + 1
				continue
			}
			return k[start:i]
		}
	}
	return ""
}
