// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package session owns the durable session lifecycle: rows open on
// session_start, close on session_end, and are reconciled at startup
// and on a timeout sweep. The rule throughout is persist-then-track:
// the database row changes before any in-memory state or observer does.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/health"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/metrics"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/store"
)

// Component is the health registry name for the session manager.
const Component = "session-manager"

// Observer is notified after a session's row durably opened or closed.
// Notifications run on the manager's loop; observers must not block.
type Observer interface {
	SessionStarted(sess store.Session)
	SessionEnded(sess store.Session)
}

// Subscriber is the receive surface the manager needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// SessionStore is the store surface the manager needs.
type SessionStore interface {
	UpsertSessionStart(ctx context.Context, sess store.Session) error
	CloseSession(ctx context.Context, platformSessionID, platform, reason string, endedAt time.Time) (bool, error)
	MarkRecovered(ctx context.Context, sessionID string) error
	OpenSessions(ctx context.Context) ([]store.Session, error)
	SessionByIdentity(ctx context.Context, platformSessionID, platform string) (*store.Session, error)
	SweepTimeouts(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// BackingCheck reports whether a session's backing artifact (transcript
// file, workspace database) still exists. Used at startup to decide
// between resuming a row and closing it as a crash. nil resumes all.
type BackingCheck func(sess store.Session) bool

// Config tunes the manager.
type Config struct {
	Timeout       time.Duration
	SweepInterval time.Duration
}

// Manager consumes lifecycle events under its own durable group and
// keeps the sessions table true.
type Manager struct {
	subscriber Subscriber
	store      SessionStore
	registry   *health.Registry
	backing    BackingCheck
	observers  []Observer
	config     Config
	logger     zerolog.Logger
}

// NewManager creates the session manager. The subscriber must be bound
// to the telemetry stream under the session-monitor durable.
func NewManager(sub Subscriber, st SessionStore, registry *health.Registry, backing BackingCheck, cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Manager{
		subscriber: sub,
		store:      st,
		registry:   registry,
		backing:    backing,
		config:     cfg,
		logger:     logging.With().Str("component", Component).Logger(),
	}
}

// AddObserver registers an observer. Not safe after Run starts.
func (m *Manager) AddObserver(obs Observer) {
	m.observers = append(m.observers, obs)
}

// Recover reconciles rows left open by the previous process: a row
// whose backing artifact still exists resumes live (tagged recovered),
// anything else closes as a crash. Called once before Run.
func (m *Manager) Recover(ctx context.Context) error {
	open, err := m.store.OpenSessions(ctx)
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	var resumed, crashed int
	for _, sess := range open {
		if m.backing == nil || m.backing(sess) {
			if err := m.store.MarkRecovered(ctx, sess.SessionID); err != nil {
				return err
			}
			counts[sess.Platform]++
			resumed++
			m.notifyStarted(sess)
			continue
		}

		if _, err := m.store.CloseSession(ctx, sess.PlatformSessionID, sess.Platform, store.EndReasonCrash, time.Now().UTC()); err != nil {
			return err
		}
		crashed++
		m.notifyEnded(sess)
	}

	for platform, n := range counts {
		metrics.ActiveSessions.WithLabelValues(platform).Set(float64(n))
	}
	if resumed > 0 || crashed > 0 {
		m.logger.Info().Int("resumed", resumed).Int("crashed", crashed).Msg("session recovery complete")
	}
	return nil
}

// Run consumes lifecycle events and sweeps timeouts until the context
// is canceled.
func (m *Manager) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	sweep := time.NewTicker(m.config.SweepInterval)
	defer sweep.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := m.subscriber.Subscribe(ctx, mq.SubjectTelemetry)
		if err != nil {
			if m.registry != nil {
				m.registry.SetDegraded(Component, err)
			}
			m.logger.Err(err).Dur("backoff", backoff).Msg("subscribe failed")
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second
		if m.registry != nil {
			m.registry.SetHealthy(Component)
		}

		err = m.consume(ctx, msgs, sweep.C)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if m.registry != nil {
			m.registry.SetDegraded(Component, err)
		}
		m.logger.Err(err).Dur("backoff", backoff).Msg("consume loop interrupted")
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (m *Manager) consume(ctx context.Context, msgs <-chan *message.Message, sweep <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep:
			m.sweepTimeouts(ctx)
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("subscription channel closed")
			}
			m.handle(ctx, msg)
		}
	}
}

// handle settles one delivery. Only lifecycle events matter here; the
// rest of the stream is acked untouched. Store failures nack so the
// lifecycle event redelivers rather than silently losing a session
// boundary.
func (m *Manager) handle(ctx context.Context, msg *message.Message) {
	env, err := event.Deserialize(msg.Payload)
	if err != nil || env.Validate() != nil || !env.IsLifecycle() {
		// Poison and non-lifecycle traffic is the fast path's concern.
		msg.Ack()
		return
	}

	switch env.EventType {
	case event.TypeSessionStart:
		m.handleStart(ctx, msg, env)
	case event.TypeSessionEnd:
		m.handleEnd(ctx, msg, env)
	}
}

func (m *Manager) handleStart(ctx context.Context, msg *message.Message, env *event.Envelope) {
	sess := store.Session{
		SessionID:         uuid.New().String(),
		PlatformSessionID: env.SessionID,
		Platform:          env.Platform,
		WorkspaceHash:     env.Metadata.WorkspaceHash,
		WorkspacePath:     env.Metadata.WorkspacePath,
		StartedAt:         env.Timestamp,
	}

	if err := m.store.UpsertSessionStart(ctx, sess); err != nil {
		m.logger.Err(err).Str("session", env.SessionID).Msg("persist session start")
		msg.Nack()
		return
	}

	// The upsert keeps the original internal ID on redelivery or
	// reopen; read the canonical row back before telling anyone.
	canonical, err := m.store.SessionByIdentity(ctx, env.SessionID, env.Platform)
	if err != nil {
		m.logger.Err(err).Str("session", env.SessionID).Msg("read back session")
		msg.Nack()
		return
	}

	msg.Ack()
	metrics.ActiveSessions.WithLabelValues(env.Platform).Inc()
	m.logger.Info().
		Str("session_id", canonical.SessionID).
		Str("platform", env.Platform).
		Str("workspace_hash", canonical.WorkspaceHash).
		Msg("session started")
	m.notifyStarted(*canonical)
}

func (m *Manager) handleEnd(ctx context.Context, msg *message.Message, env *event.Envelope) {
	canonical, err := m.store.SessionByIdentity(ctx, env.SessionID, env.Platform)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		m.logger.Err(err).Str("session", env.SessionID).Msg("resolve session for end")
		msg.Nack()
		return
	}

	closed, err := m.store.CloseSession(ctx, env.SessionID, env.Platform, store.EndReasonNormal, env.Timestamp)
	if err != nil {
		m.logger.Err(err).Str("session", env.SessionID).Msg("persist session end")
		msg.Nack()
		return
	}

	msg.Ack()
	if !closed {
		// Already closed (redelivery, or the sweep got there first).
		return
	}

	metrics.ActiveSessions.WithLabelValues(env.Platform).Dec()
	m.logger.Info().Str("session", env.SessionID).Str("platform", env.Platform).Msg("session ended")
	if canonical != nil {
		m.notifyEnded(*canonical)
	}
}

func (m *Manager) sweepTimeouts(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-m.config.Timeout)

	n, err := m.store.SweepTimeouts(ctx, cutoff, now)
	if err != nil {
		m.logger.Err(err).Msg("timeout sweep failed")
		if m.registry != nil {
			m.registry.SetDegraded(Component, err)
		}
		return
	}
	if n > 0 {
		m.logger.Info().Int64("closed", n).Msg("timed-out sessions closed")
		// The sweep closes across platforms; recount rather than guess.
		m.refreshGauges(ctx)
	}
}

func (m *Manager) refreshGauges(ctx context.Context) {
	open, err := m.store.OpenSessions(ctx)
	if err != nil {
		return
	}
	counts := map[string]int{event.PlatformCursor: 0, event.PlatformClaudeCode: 0}
	for _, sess := range open {
		counts[sess.Platform]++
	}
	for platform, n := range counts {
		metrics.ActiveSessions.WithLabelValues(platform).Set(float64(n))
	}
}

func (m *Manager) notifyStarted(sess store.Session) {
	for _, obs := range m.observers {
		obs.SessionStarted(sess)
	}
}

func (m *Manager) notifyEnded(sess store.Session) {
	for _, obs := range m.observers {
		obs.SessionEnded(sess)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
