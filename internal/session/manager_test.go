// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	rows     map[string]*store.Session // platform/platform_session_id
	failWith error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*store.Session)}
}

func key(platformSessionID, platform string) string {
	return platform + "/" + platformSessionID
}

func (s *memStore) UpsertSessionStart(_ context.Context, sess store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}

	k := key(sess.PlatformSessionID, sess.Platform)
	if existing, ok := s.rows[k]; ok {
		if existing.EndedAt != nil {
			existing.StartedAt = sess.StartedAt
			existing.EndedAt = nil
			existing.EndReason = ""
		}
		return nil
	}
	copied := sess
	s.rows[k] = &copied
	return nil
}

func (s *memStore) CloseSession(_ context.Context, platformSessionID, platform, reason string, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}

	row, ok := s.rows[key(platformSessionID, platform)]
	if !ok || row.EndedAt != nil {
		return false, nil
	}
	row.EndedAt = &endedAt
	row.EndReason = reason
	return true, nil
}

func (s *memStore) MarkRecovered(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.SessionID == sessionID && row.EndedAt == nil {
			row.EndReason = store.EndReasonRecovered
		}
	}
	return nil
}

func (s *memStore) OpenSessions(context.Context) ([]store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Session
	for _, row := range s.rows {
		if row.EndedAt == nil {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *memStore) SessionByIdentity(_ context.Context, platformSessionID, platform string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key(platformSessionID, platform)]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	copied := *row
	return &copied, nil
}

func (s *memStore) SweepTimeouts(_ context.Context, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if row.EndedAt == nil && row.StartedAt.Before(cutoff) {
			ended := now
			row.EndedAt = &ended
			row.EndReason = store.EndReasonTimeout
			n++
		}
	}
	return n, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	started []store.Session
	ended   []store.Session
}

func (o *recordingObserver) SessionStarted(sess store.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, sess)
}

func (o *recordingObserver) SessionEnded(sess store.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, sess)
}

func lifecycleMessage(t *testing.T, platform, eventType, sessionID, workspaceHash string) *message.Message {
	t.Helper()
	env := event.New(platform, eventType, sessionID)
	env.Metadata.WorkspaceHash = workspaceHash
	data, err := event.Serialize(env)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return message.NewMessage(env.EventID, data)
}

func newTestManager(st SessionStore, backing BackingCheck) (*Manager, *recordingObserver) {
	m := NewManager(nil, st, nil, backing, Config{Timeout: 24 * time.Hour, SweepInterval: time.Hour})
	obs := &recordingObserver{}
	m.AddObserver(obs)
	return m, obs
}

func isAcked(msg *message.Message) bool {
	select {
	case <-msg.Acked():
		return true
	default:
		return false
	}
}

func isNacked(msg *message.Message) bool {
	select {
	case <-msg.Nacked():
		return true
	default:
		return false
	}
}

func TestStartPersistsThenNotifies(t *testing.T) {
	st := newMemStore()
	m, obs := newTestManager(st, nil)

	msg := lifecycleMessage(t, event.PlatformCursor, event.TypeSessionStart, "ext-1", "ws-hash")
	m.handle(context.Background(), msg)

	if !isAcked(msg) {
		t.Fatal("start not acked")
	}
	row, err := st.SessionByIdentity(context.Background(), "ext-1", event.PlatformCursor)
	if err != nil {
		t.Fatalf("row not persisted: %v", err)
	}
	if !row.Live() {
		t.Fatal("row not live")
	}
	if len(obs.started) != 1 || obs.started[0].PlatformSessionID != "ext-1" {
		t.Fatalf("observers = %+v", obs.started)
	}
}

func TestRedeliveredStartKeepsInternalID(t *testing.T) {
	st := newMemStore()
	m, _ := newTestManager(st, nil)

	m.handle(context.Background(), lifecycleMessage(t, event.PlatformCursor, event.TypeSessionStart, "ext-1", ""))
	first, _ := st.SessionByIdentity(context.Background(), "ext-1", event.PlatformCursor)

	m.handle(context.Background(), lifecycleMessage(t, event.PlatformCursor, event.TypeSessionStart, "ext-1", ""))
	second, _ := st.SessionByIdentity(context.Background(), "ext-1", event.PlatformCursor)

	if first.SessionID != second.SessionID {
		t.Fatalf("internal ID changed on redelivery: %s -> %s", first.SessionID, second.SessionID)
	}
}

func TestEndClosesAndNotifiesOnce(t *testing.T) {
	st := newMemStore()
	m, obs := newTestManager(st, nil)

	m.handle(context.Background(), lifecycleMessage(t, event.PlatformCursor, event.TypeSessionStart, "ext-1", ""))

	end := lifecycleMessage(t, event.PlatformCursor, event.TypeSessionEnd, "ext-1", "")
	m.handle(context.Background(), end)
	if !isAcked(end) {
		t.Fatal("end not acked")
	}

	row, _ := st.SessionByIdentity(context.Background(), "ext-1", event.PlatformCursor)
	if row.Live() || row.EndReason != store.EndReasonNormal {
		t.Fatalf("row = %+v", row)
	}
	if len(obs.ended) != 1 {
		t.Fatalf("ended notifications = %d", len(obs.ended))
	}

	// Double close is benign and does not re-notify.
	again := lifecycleMessage(t, event.PlatformCursor, event.TypeSessionEnd, "ext-1", "")
	m.handle(context.Background(), again)
	if !isAcked(again) {
		t.Fatal("redelivered end not acked")
	}
	if len(obs.ended) != 1 {
		t.Fatalf("double close notified: %d", len(obs.ended))
	}
}

func TestStoreFailureNacksLifecycleEvent(t *testing.T) {
	st := newMemStore()
	st.failWith = errors.New("disk full")
	m, obs := newTestManager(st, nil)

	msg := lifecycleMessage(t, event.PlatformCursor, event.TypeSessionStart, "ext-1", "")
	m.handle(context.Background(), msg)

	if !isNacked(msg) {
		t.Fatal("start not nacked on store failure")
	}
	if len(obs.started) != 0 {
		t.Fatal("observer notified before persistence")
	}
}

func TestNonLifecycleTrafficIsAckedUntouched(t *testing.T) {
	st := newMemStore()
	m, obs := newTestManager(st, nil)

	msg := lifecycleMessage(t, event.PlatformCursor, "generation", "ext-1", "")
	m.handle(context.Background(), msg)

	if !isAcked(msg) {
		t.Fatal("non-lifecycle message not acked")
	}
	if len(obs.started) != 0 || len(st.rows) != 0 {
		t.Fatal("non-lifecycle message changed state")
	}
}

func TestRecoverResumesBackedAndCrashesRest(t *testing.T) {
	st := newMemStore()
	started := time.Now().UTC().Add(-time.Hour)
	st.rows["cursor/ext-live"] = &store.Session{
		SessionID: "s1", PlatformSessionID: "ext-live",
		Platform: event.PlatformCursor, StartedAt: started,
	}
	st.rows["claude_code/ext-gone"] = &store.Session{
		SessionID: "s2", PlatformSessionID: "ext-gone",
		Platform: event.PlatformClaudeCode, StartedAt: started,
	}

	backing := func(sess store.Session) bool {
		return sess.PlatformSessionID == "ext-live"
	}
	m, obs := newTestManager(st, backing)

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	live, _ := st.SessionByIdentity(context.Background(), "ext-live", event.PlatformCursor)
	if !live.Live() || live.EndReason != store.EndReasonRecovered {
		t.Fatalf("resumed row = %+v", live)
	}

	gone, _ := st.SessionByIdentity(context.Background(), "ext-gone", event.PlatformClaudeCode)
	if gone.Live() || gone.EndReason != store.EndReasonCrash {
		t.Fatalf("crashed row = %+v", gone)
	}

	if len(obs.started) != 1 || len(obs.ended) != 1 {
		t.Fatalf("notifications: started=%d ended=%d", len(obs.started), len(obs.ended))
	}
}

func TestSweepClosesIdleSessions(t *testing.T) {
	st := newMemStore()
	st.rows["cursor/ext-old"] = &store.Session{
		SessionID: "s1", PlatformSessionID: "ext-old",
		Platform: event.PlatformCursor, StartedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	st.rows["cursor/ext-new"] = &store.Session{
		SessionID: "s2", PlatformSessionID: "ext-new",
		Platform: event.PlatformCursor, StartedAt: time.Now().UTC().Add(-time.Minute),
	}

	m, _ := newTestManager(st, nil)
	m.sweepTimeouts(context.Background())

	old, _ := st.SessionByIdentity(context.Background(), "ext-old", event.PlatformCursor)
	if old.Live() || old.EndReason != store.EndReasonTimeout {
		t.Fatalf("old row = %+v", old)
	}
	fresh, _ := st.SessionByIdentity(context.Background(), "ext-new", event.PlatformCursor)
	if !fresh.Live() {
		t.Fatal("fresh row closed by sweep")
	}
}
