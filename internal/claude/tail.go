// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package claude tails Claude Code's JSONL transcripts and turns new
// records into telemetry envelopes. The transcripts are owned by the
// IDE process; this package only ever reads them.
package claude

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/metrics"
)

// fileState is the tail position of one transcript.
type fileState struct {
	Offset int64     `json:"offset"`
	Mtime  time.Time `json:"mtime"`
}

// Tailer tracks per-file read offsets and returns only the complete
// lines appended since the last read. A partial trailing line stays
// unconsumed until its newline arrives, so a record mid-write is never
// half-read. Offsets persist to a sidecar file, so a restarted process
// resumes each transcript where it left off instead of re-reading it.
type Tailer struct {
	statePath string
	logger    zerolog.Logger

	mu     sync.Mutex
	states map[string]*fileState
}

// NewTailer creates a tailer backed by the given state file, loading
// any offsets a previous process left there.
func NewTailer(statePath string) *Tailer {
	t := &Tailer{
		statePath: statePath,
		states:    make(map[string]*fileState),
		logger:    logging.With().Str("component", "transcript-tailer").Logger(),
	}
	t.load()
	return t
}

func (t *Tailer) load() {
	if t.statePath == "" {
		return
	}
	data, err := os.ReadFile(t.statePath)
	if err != nil {
		return
	}

	var persisted map[string]*fileState
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.logger.Warn().Err(err).Str("file", t.statePath).Msg("unreadable tail state, starting fresh")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for path, st := range persisted {
		if st != nil {
			t.states[path] = st
		}
	}
}

// persist rewrites the state file atomically. Losing the file costs a
// re-read the dedup layers absorb, never correctness, so persistence
// failures only warn.
func (t *Tailer) persist() {
	if t.statePath == "" {
		return
	}

	t.mu.Lock()
	snapshot := make(map[string]fileState, len(t.states))
	for path, st := range t.states {
		snapshot[path] = *st
	}
	t.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		t.logger.Warn().Err(err).Msg("marshal tail state")
		return
	}

	tmp := t.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		t.logger.Warn().Err(err).Str("file", tmp).Msg("write tail state")
		return
	}
	if err := os.Rename(tmp, t.statePath); err != nil {
		t.logger.Warn().Err(err).Str("file", t.statePath).Msg("replace tail state")
	}
}

// ReadNew returns the complete lines appended to path since the last
// call. Truncation or recreation (size below the stored offset, or a
// modification time that moved backwards) resets the offset to zero and
// re-reads the file from the start.
func (t *Tailer) ReadNew(path string) ([][]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	st, ok := t.states[path]
	if !ok {
		st = &fileState{}
		t.states[path] = st
	}

	if info.Size() < st.Offset || info.ModTime().Before(st.Mtime) {
		st.Offset = 0
		metrics.TailTruncations.Inc()
	}
	offset := st.Offset
	t.mu.Unlock()

	if info.Size() == offset {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s to %d: %w", path, offset, err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Consume only up to the last newline; the remainder is a record
	// still being written.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	consumed := data[:end+1]

	var lines [][]byte
	for _, line := range bytes.Split(consumed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}

	t.mu.Lock()
	st.Offset = offset + int64(end+1)
	st.Mtime = info.ModTime()
	t.mu.Unlock()
	t.persist()

	return lines, nil
}

// Forget drops the tracked state for a path. Called when a transcript
// disappears so a recreated file with the same name starts fresh.
func (t *Tailer) Forget(path string) {
	t.mu.Lock()
	_, had := t.states[path]
	delete(t.states, path)
	t.mu.Unlock()
	if had {
		t.persist()
	}
}

// Tracked returns the paths with tail state, for pruning.
func (t *Tailer) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.states))
	for p := range t.states {
		out = append(out, p)
	}
	return out
}

// Offset returns the stored offset for a path, zero when untracked.
func (t *Tailer) Offset(path string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[path]; ok {
		return st.Offset
	}
	return 0
}
