// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package pipeline

import (
	"context"

	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/store"
)

// CursorSink lands cursor envelopes into cursor_raw_traces.
type CursorSink struct {
	store *store.Store
}

// NewCursorSink creates the cursor sink.
func NewCursorSink(s *store.Store) *CursorSink {
	return &CursorSink{store: s}
}

func (s *CursorSink) Platform() string {
	return event.PlatformCursor
}

func (s *CursorSink) Land(ctx context.Context, batch []Landing) ([]int64, error) {
	traces := make([]store.CursorTrace, len(batch))
	for i, l := range batch {
		traces[i] = store.CursorTraceFromEnvelope(l.Env, l.Raw)
	}
	return s.store.InsertCursorBatch(ctx, traces)
}

// ClaudeSink lands claude_code envelopes into claude_raw_traces.
type ClaudeSink struct {
	store *store.Store
}

// NewClaudeSink creates the claude sink.
func NewClaudeSink(s *store.Store) *ClaudeSink {
	return &ClaudeSink{store: s}
}

func (s *ClaudeSink) Platform() string {
	return event.PlatformClaudeCode
}

func (s *ClaudeSink) Land(ctx context.Context, batch []Landing) ([]int64, error) {
	traces := make([]store.ClaudeTrace, len(batch))
	for i, l := range batch {
		traces[i] = store.ClaudeTraceFromEnvelope(l.Env, l.Raw)
	}
	return s.store.InsertClaudeBatch(ctx, traces)
}
