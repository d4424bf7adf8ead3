// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package claude

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/health"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/metrics"
	"github.com/blueplane/telemetry-core/internal/store"
)

// ComponentMonitor is the health registry name for the transcript
// monitor.
const ComponentMonitor = "claude-monitor"

// EnvelopePublisher is the producer surface the monitor needs.
// Satisfied by *mq.Publisher.
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env *event.Envelope) error
}

// Monitor tails the transcripts of active Claude Code sessions under
// the projects directory. Session lifecycle drives what gets tailed:
// a transcript is read while its session row is open and its tail
// state is dropped when the session ends, so the tracked set never
// outgrows the set of live sessions. Filesystem notifications nudge
// reads between polls; the poll is the correctness mechanism,
// notifications only lower latency.
type Monitor struct {
	projectsDir string
	poll        time.Duration
	publisher   EnvelopePublisher
	tailer      *Tailer
	registry    *health.Registry
	logger      zerolog.Logger

	mu sync.Mutex
	// active holds the platform session IDs with an open session row;
	// their transcripts are named <id>.jsonl.
	active map[string]struct{}
	// agentOwner maps a subagent transcript announced in a tool result
	// to the session it belongs to.
	agentOwner map[string]string
	dirMissing bool
}

// NewMonitor creates the transcript monitor. Tail offsets load from and
// persist to tailStatePath, so a restart resumes mid-transcript.
func NewMonitor(projectsDir, tailStatePath string, poll time.Duration, publisher EnvelopePublisher, registry *health.Registry) *Monitor {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Monitor{
		projectsDir: projectsDir,
		poll:        poll,
		publisher:   publisher,
		tailer:      NewTailer(tailStatePath),
		registry:    registry,
		active:      make(map[string]struct{}),
		agentOwner:  make(map[string]string),
		logger:      logging.With().Str("component", ComponentMonitor).Logger(),
	}
}

// SessionStarted marks a session's transcript as live. The next scan or
// filesystem event picks it up from its persisted offset.
func (m *Monitor) SessionStarted(sess store.Session) {
	if sess.Platform != event.PlatformClaudeCode {
		return
	}
	m.mu.Lock()
	m.active[sess.PlatformSessionID] = struct{}{}
	m.mu.Unlock()
	m.logger.Debug().Str("session", sess.PlatformSessionID).Msg("transcript activated")
}

// SessionEnded stops tailing a session's transcripts and drops their
// tail state, so a reopened session with the same identity starts from
// the beginning of whatever file backs it then.
func (m *Monitor) SessionEnded(sess store.Session) {
	if sess.Platform != event.PlatformClaudeCode {
		return
	}

	m.mu.Lock()
	delete(m.active, sess.PlatformSessionID)
	var orphaned []string
	for path, owner := range m.agentOwner {
		if owner == sess.PlatformSessionID {
			orphaned = append(orphaned, path)
			delete(m.agentOwner, path)
		}
	}
	m.mu.Unlock()

	name := sess.PlatformSessionID + ".jsonl"
	for _, tracked := range m.tailer.Tracked() {
		if filepath.Base(tracked) == name {
			m.tailer.Forget(tracked)
		}
	}
	for _, path := range orphaned {
		m.tailer.Forget(path)
	}
	m.logger.Debug().Str("session", sess.PlatformSessionID).Msg("transcript deactivated")
}

// owns reports whether a transcript belongs to an active session:
// either it is the session's own <id>.jsonl, or a subagent file owned
// by one.
func (m *Monitor) owns(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), ".jsonl")

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[base]; ok {
		return true
	}
	if owner, ok := m.agentOwner[path]; ok {
		_, live := m.active[owner]
		return live
	}
	return false
}

// Run scans on the poll interval until the context is canceled. A
// watcher on the projects tree triggers targeted reads between polls
// when available; running without one only raises latency.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn().Err(err).Msg("filesystem watcher unavailable, polling only")
		watcher = nil
	} else {
		defer watcher.Close()
	}

	if m.registry != nil {
		m.registry.SetHealthy(ComponentMonitor)
	}
	m.scan(ctx, watcher)

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		if watcher == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				m.scan(ctx, nil)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.scan(ctx, watcher)
		case ev, ok := <-watcher.Events:
			if !ok {
				watcher = nil
				continue
			}
			m.handleEvent(ctx, watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				watcher = nil
				continue
			}
			m.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				m.logger.Warn().Err(err).Str("dir", ev.Name).Msg("watch new project dir")
			}
			return
		}
	}
	if !strings.HasSuffix(ev.Name, ".jsonl") || !m.owns(ev.Name) {
		return
	}
	if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
		m.readFile(ctx, ev.Name)
	}
}

// scan walks the projects tree, reads the new lines of every active
// session's transcripts, and prunes tail state for files that
// disappeared. A missing projects directory is normal before the first
// Claude session; the transition is logged once in each direction.
func (m *Monitor) scan(ctx context.Context, watcher *fsnotify.Watcher) {
	if _, err := os.Stat(m.projectsDir); err != nil {
		m.mu.Lock()
		first := !m.dirMissing
		m.dirMissing = true
		m.mu.Unlock()
		if first {
			m.logger.Info().Str("dir", m.projectsDir).Msg("projects directory not found, waiting")
			if m.registry != nil {
				m.registry.SetDegraded(ComponentMonitor, err)
			}
		}
		return
	}

	m.mu.Lock()
	wasMissing := m.dirMissing
	m.dirMissing = false
	m.mu.Unlock()
	if wasMissing {
		m.logger.Info().Str("dir", m.projectsDir).Msg("projects directory appeared")
		if m.registry != nil {
			m.registry.SetHealthy(ComponentMonitor)
		}
	}

	seen := make(map[string]struct{})
	err := filepath.WalkDir(m.projectsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // a project dir vanishing mid-walk is benign
		}
		if d.IsDir() {
			if watcher != nil {
				_ = watcher.Add(path)
			}
			return nil
		}
		if strings.HasSuffix(path, ".jsonl") && m.owns(path) {
			seen[path] = struct{}{}
			m.readFile(ctx, path)
		}
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("walk projects tree")
	}

	// A transcript that disappeared takes its tail state with it, so a
	// recreated file with the same name starts from the beginning.
	for _, tracked := range m.tailer.Tracked() {
		if _, ok := seen[tracked]; !ok {
			if _, err := os.Stat(tracked); err != nil {
				m.tailer.Forget(tracked)
			}
		}
	}
}

// readFile publishes every complete new line of one transcript. A line
// that does not parse is counted and skipped; its offset is already
// consumed, so one bad record can never wedge the tail.
func (m *Monitor) readFile(ctx context.Context, path string) {
	lines, err := m.tailer.ReadNew(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.tailer.Forget(path)
			return
		}
		m.logger.Warn().Err(err).Str("file", path).Msg("read transcript")
		return
	}

	for _, line := range lines {
		env, agentID, err := parseLine(line, path)
		if err != nil {
			metrics.TailLinesRead.WithLabelValues("poison").Inc()
			m.logger.Warn().Err(err).Str("file", path).Msg("unparseable transcript line")
			continue
		}

		if agentID != "" {
			m.discoverAgent(ctx, filepath.Dir(path), agentID, env.SessionID)
		}

		if err := m.publisher.PublishEnvelope(ctx, env); err != nil {
			// Both bus and overflow refused; nothing to do but surface it.
			metrics.TailLinesRead.WithLabelValues("skipped").Inc()
			m.logger.Error().Err(err).Str("event_id", env.EventID).Msg("publish transcript event")
			if m.registry != nil {
				m.registry.SetDegraded(ComponentMonitor, err)
			}
			continue
		}
		metrics.TailLinesRead.WithLabelValues("emitted").Inc()
	}
}

// discoverAgent starts tailing a subagent transcript as soon as its ID
// shows up in a tool result, ahead of the next walk. The owning session
// scopes its lifetime: when that session ends, the agent file's tail
// state goes with it.
func (m *Monitor) discoverAgent(ctx context.Context, dir, agentID, ownerSessionID string) {
	path := filepath.Join(dir, "agent-"+agentID+".jsonl")

	m.mu.Lock()
	_, known := m.agentOwner[path]
	if !known {
		m.agentOwner[path] = ownerSessionID
	}
	m.mu.Unlock()

	if !known {
		m.logger.Debug().Str("file", path).Str("session", ownerSessionID).Msg("subagent transcript discovered")
		m.readFile(ctx, path)
	}
}
