// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package cursor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/health"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/store"
)

// ComponentMonitor is the health registry name for the unified monitor.
const ComponentMonitor = "cursor-monitor"

// Storage levels tagged on every emitted event.
const (
	LevelGlobal    = "global"
	LevelWorkspace = "workspace"
)

// EnvelopePublisher is the producer surface the monitor needs.
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env *event.Envelope) error
}

// listener is one open read-only database: the always-on global
// state.vscdb, or a per-workspace one tied to an active session.
type listener struct {
	kind          string
	path          string
	db            *store.ReadOnlyDB
	workspaceHash string
	sessionID     string
}

// composerScope maps a composer discovered in a workspace database to
// the session its activity is attributed to. Global-level composer and
// bubble records are only emitted for registered composers.
type composerScope struct {
	workspaceHash string
	sessionID     string
}

type fileSig struct {
	size  int64
	mtime time.Time
}

// UnifiedMonitor reads Cursor's global and per-workspace databases.
// Filesystem notifications on the database files are debounced and
// posted to the monitor loop over a bounded channel; a slow mtime+size
// poll backstops platforms where notifications are unreliable.
type UnifiedMonitor struct {
	cfg          config.CursorMonitoringConfig
	globalDBPath string
	publisher    EnvelopePublisher
	registry     *health.Registry
	watermarks   *Watermarks
	limiter      *rate.Limiter
	logger       zerolog.Logger

	mu            sync.Mutex
	listeners     map[string]*listener // keyed by db path
	composers     map[string]composerScope
	sigs          map[string]fileSig
	timers        map[string]*time.Timer
	globalMissing bool

	// nudges is bounded: a burst of filesystem events degrades to one
	// coalesced sync, never to an unbounded queue.
	nudges  chan string
	watcher *fsnotify.Watcher
}

// NewUnifiedMonitor creates the monitor. The global listener attaches
// lazily in Run; workspace listeners come and go with sessions via
// Activate/Deactivate. Watermarks load from and persist to
// watermarkPath, so a restart resumes where the last sync left off.
func NewUnifiedMonitor(globalDBPath, watermarkPath string, cfg config.CursorMonitoringConfig, publisher EnvelopePublisher, registry *health.Registry) *UnifiedMonitor {
	return &UnifiedMonitor{
		cfg:          cfg,
		globalDBPath: globalDBPath,
		publisher:    publisher,
		registry:     registry,
		watermarks:   NewWatermarks(watermarkPath),
		limiter:      rate.NewLimiter(rate.Limit(2), 4),
		listeners:    make(map[string]*listener),
		composers:    make(map[string]composerScope),
		sigs:         make(map[string]fileSig),
		timers:       make(map[string]*time.Timer),
		nudges:       make(chan string, 64),
		logger:       logging.With().Str("component", ComponentMonitor).Logger(),
	}
}

// Run drives the monitor until the context is canceled. Each pass is
// rate-limited, so under backpressure reads slow down rather than queue.
func (m *UnifiedMonitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn().Err(err).Msg("filesystem watcher unavailable, polling only")
	} else {
		m.mu.Lock()
		m.watcher = watcher
		m.mu.Unlock()
		defer watcher.Close()
	}

	if m.registry != nil {
		m.registry.SetHealthy(ComponentMonitor)
	}

	m.ensureGlobalListener()
	m.syncAll(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return ctx.Err()
		case <-ticker.C:
			m.ensureGlobalListener()
			m.pollChanged(ctx)
		case path := <-m.nudges:
			m.syncPath(ctx, path)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.handleFsEvent(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

// handleFsEvent debounces a filesystem notification and posts the
// affected database to the monitor loop. Runs on the watcher goroutine,
// so it must never do the read itself.
func (m *UnifiedMonitor) handleFsEvent(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}

	// SQLite writes touch the -wal file more often than the db itself.
	path := ev.Name
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if len(path) > len(suffix) && path[len(path)-len(suffix):] == suffix {
			path = path[:len(path)-len(suffix)]
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, tracked := m.listeners[path]; !tracked {
		return
	}

	// Trailing edge: every event in a burst pushes the timer back, so
	// the sync fires once the writes quiet down and reads the burst's
	// final state.
	if t, ok := m.timers[path]; ok {
		t.Reset(m.cfg.Debounce())
		return
	}
	m.timers[path] = time.AfterFunc(m.cfg.Debounce(), func() {
		m.mu.Lock()
		delete(m.timers, path)
		m.mu.Unlock()

		select {
		case m.nudges <- path:
		default: // loop is busy; the poll will catch up
		}
	})
}

// ensureGlobalListener attaches the global database once it exists.
// Absence is normal before Cursor's first run; the transition is logged
// once in each direction.
func (m *UnifiedMonitor) ensureGlobalListener() {
	m.mu.Lock()
	_, attached := m.listeners[m.globalDBPath]
	m.mu.Unlock()
	if attached {
		return
	}

	if _, err := os.Stat(m.globalDBPath); err != nil {
		m.mu.Lock()
		first := !m.globalMissing
		m.globalMissing = true
		m.mu.Unlock()
		if first {
			m.logger.Info().Str("db", m.globalDBPath).Msg("global database not found, waiting")
		}
		return
	}

	db, err := store.OpenReadOnly(m.globalDBPath, 2*time.Second, m.cfg.QueryTimeout())
	if err != nil {
		m.logger.Warn().Err(err).Str("db", m.globalDBPath).Msg("open global database")
		return
	}

	m.mu.Lock()
	wasMissing := m.globalMissing
	m.globalMissing = false
	m.listeners[m.globalDBPath] = &listener{
		kind: LevelGlobal,
		path: m.globalDBPath,
		db:   db,
	}
	m.mu.Unlock()

	m.watch(m.globalDBPath)
	if wasMissing {
		m.logger.Info().Str("db", m.globalDBPath).Msg("global database appeared")
	} else {
		m.logger.Info().Str("db", m.globalDBPath).Msg("global listener attached")
	}
}

// Activate opens a per-workspace listener for a started session.
func (m *UnifiedMonitor) Activate(sessionID, workspaceHash, dbPath string) error {
	db, err := store.OpenReadOnly(dbPath, 2*time.Second, m.cfg.QueryTimeout())
	if err != nil {
		return err
	}

	m.mu.Lock()
	if old, ok := m.listeners[dbPath]; ok {
		_ = old.db.Close()
	}
	m.listeners[dbPath] = &listener{
		kind:          LevelWorkspace,
		path:          dbPath,
		db:            db,
		workspaceHash: workspaceHash,
		sessionID:     sessionID,
	}
	m.mu.Unlock()

	m.watch(dbPath)
	m.logger.Info().
		Str("session_id", sessionID).
		Str("workspace_hash", workspaceHash).
		Msg("workspace listener attached")
	return nil
}

// Deactivate closes the listener for an ended session and clears its
// workspace-scoped state so a reopened session resyncs from scratch.
func (m *UnifiedMonitor) Deactivate(sessionID string) {
	m.mu.Lock()
	var closed *listener
	for path, l := range m.listeners {
		if l.kind == LevelWorkspace && l.sessionID == sessionID {
			closed = l
			delete(m.listeners, path)
			delete(m.sigs, path)
			if t, ok := m.timers[path]; ok {
				t.Stop()
				delete(m.timers, path)
			}
			break
		}
	}
	if closed != nil {
		for id, scope := range m.composers {
			if scope.sessionID == sessionID {
				delete(m.composers, id)
			}
		}
	}
	m.mu.Unlock()

	if closed == nil {
		return
	}
	_ = closed.db.Close()
	if closed.workspaceHash != "" {
		m.watermarks.DropWorkspace(closed.workspaceHash)
	}
	m.unwatch(closed.path)
	m.logger.Info().Str("session_id", sessionID).Msg("workspace listener detached")
}

// ActiveListeners returns the number of open listeners, for status.
func (m *UnifiedMonitor) ActiveListeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *UnifiedMonitor) watch(dbPath string) {
	m.mu.Lock()
	watcher := m.watcher
	m.mu.Unlock()
	if watcher == nil {
		return
	}
	// Watch the directory: SQLite swaps sidecar files around the db.
	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		m.logger.Warn().Err(err).Str("db", dbPath).Msg("watch database dir")
	}
}

func (m *UnifiedMonitor) unwatch(dbPath string) {
	m.mu.Lock()
	watcher := m.watcher
	remaining := 0
	dir := filepath.Dir(dbPath)
	for path := range m.listeners {
		if filepath.Dir(path) == dir {
			remaining++
		}
	}
	m.mu.Unlock()
	if watcher == nil || remaining > 0 {
		return
	}
	_ = watcher.Remove(dir)
}

// pollChanged syncs listeners whose file signature moved since the last
// pass. The poll is the correctness mechanism; notifications only make
// it faster.
func (m *UnifiedMonitor) pollChanged(ctx context.Context) {
	m.mu.Lock()
	paths := make([]string, 0, len(m.listeners))
	for path := range m.listeners {
		paths = append(paths, path)
	}
	m.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			m.logger.Warn().Err(err).Str("db", path).Msg("stat database")
			continue
		}
		sig := fileSig{size: info.Size(), mtime: info.ModTime()}

		m.mu.Lock()
		changed := m.sigs[path] != sig
		if changed {
			m.sigs[path] = sig
		}
		m.mu.Unlock()

		if changed {
			m.syncPath(ctx, path)
		}
	}
}

func (m *UnifiedMonitor) syncAll(ctx context.Context) {
	m.mu.Lock()
	paths := make([]string, 0, len(m.listeners))
	for path := range m.listeners {
		paths = append(paths, path)
	}
	m.mu.Unlock()

	for _, path := range paths {
		m.syncPath(ctx, path)
	}
}

func (m *UnifiedMonitor) syncPath(ctx context.Context, path string) {
	m.mu.Lock()
	l := m.listeners[path]
	m.mu.Unlock()
	if l == nil {
		return
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	// The global pass only emits for composers the workspace passes have
	// registered; a composer that shows up globally first is picked up
	// once its workspace syncs.
	if l.kind == LevelGlobal {
		m.syncGlobal(ctx, l)
	} else {
		m.syncWorkspace(ctx, l)
	}

	// One write per pass, not per advanced key.
	m.watermarks.Flush()
}

func (m *UnifiedMonitor) closeAll() {
	m.mu.Lock()
	listeners := make([]*listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listeners = make(map[string]*listener)
	for path, t := range m.timers {
		t.Stop()
		delete(m.timers, path)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		_ = l.db.Close()
	}
	m.watermarks.Flush()
	m.logger.Info().Int("listeners", len(listeners)).Msg("stopped")
}

func (m *UnifiedMonitor) registerComposer(composerID string, scope composerScope) {
	m.mu.Lock()
	m.composers[composerID] = scope
	m.mu.Unlock()
}

func (m *UnifiedMonitor) composerSession(composerID string) (composerScope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope, ok := m.composers[composerID]
	return scope, ok
}
