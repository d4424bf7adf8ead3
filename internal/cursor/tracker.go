// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package cursor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/store"
)

// Tracker maintains the active Cursor session window from lifecycle
// events and drives the unified monitor's per-workspace listeners. It
// plugs into the session manager as an observer; only cursor sessions
// are acted on.
type Tracker struct {
	mapper  *Mapper
	monitor *UnifiedMonitor
	logger  zerolog.Logger

	mu     sync.Mutex
	active map[string]string // session_id -> workspace_hash
}

// NewTracker creates the tracker.
func NewTracker(mapper *Mapper, monitor *UnifiedMonitor) *Tracker {
	return &Tracker{
		mapper:  mapper,
		monitor: monitor,
		active:  make(map[string]string),
		logger:  logging.With().Str("component", "cursor-tracker").Logger(),
	}
}

// SessionStarted resolves the session's workspace database and attaches
// a listener. An unresolvable workspace is a miss, not an error: the
// session stays tracked without a listener and the next start event for
// the identity retries the mapping.
func (t *Tracker) SessionStarted(sess store.Session) {
	if sess.Platform != event.PlatformCursor {
		return
	}

	t.mu.Lock()
	t.active[sess.SessionID] = sess.WorkspaceHash
	t.mu.Unlock()

	dbPath, ok := t.mapper.Resolve(context.Background(), sess.WorkspaceHash, sess.WorkspacePath)
	if !ok {
		t.logger.Info().
			Str("session_id", sess.SessionID).
			Str("workspace_hash", sess.WorkspaceHash).
			Msg("workspace database not mapped yet")
		return
	}

	if err := t.monitor.Activate(sess.SessionID, sess.WorkspaceHash, dbPath); err != nil {
		t.logger.Warn().Err(err).
			Str("session_id", sess.SessionID).
			Str("db", dbPath).
			Msg("attach workspace listener")
	}
}

// SessionEnded detaches the session's listener and forgets it.
func (t *Tracker) SessionEnded(sess store.Session) {
	if sess.Platform != event.PlatformCursor {
		return
	}

	t.mu.Lock()
	delete(t.active, sess.SessionID)
	t.mu.Unlock()

	t.monitor.Deactivate(sess.SessionID)
}

// ActiveCount returns the number of tracked cursor sessions.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
