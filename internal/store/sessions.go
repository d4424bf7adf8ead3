// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// End reasons recorded when a session row closes.
const (
	EndReasonNormal    = "normal"
	EndReasonTimeout   = "timeout"
	EndReasonCrash     = "crash"
	EndReasonRecovered = "recovered"
)

// ErrSessionNotFound is returned when no row matches a session identity.
var ErrSessionNotFound = errors.New("session not found")

// Session is one IDE window's durable lifetime record. Uniqueness is on
// (PlatformSessionID, Platform); SessionID is the internal key.
type Session struct {
	SessionID         string
	PlatformSessionID string
	Platform          string
	WorkspaceHash     string
	WorkspacePath     string
	StartedAt         time.Time
	EndedAt           *time.Time
	EndReason         string
	InteractionCount  int64
	TotalTokens       int64
	AcceptanceRate    *float64
	Metadata          string
}

// Live reports whether the session row is still open.
func (s *Session) Live() bool {
	return s.EndedAt == nil
}

// UpsertSessionStart opens or reopens a session row. A redelivered
// session_start for a live row is a no-op apart from filling missing
// workspace fields; a start for a previously closed identity reopens the
// row with a fresh started_at.
func (s *Store) UpsertSessionStart(ctx context.Context, sess Session) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, platform_session_id, platform,
			workspace_hash, workspace_path, started_at, metadata
		) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(platform_session_id, platform) DO UPDATE SET
			workspace_hash = COALESCE(NULLIF(excluded.workspace_hash, ''), sessions.workspace_hash),
			workspace_path = COALESCE(NULLIF(excluded.workspace_path, ''), sessions.workspace_path),
			started_at = CASE
				WHEN sessions.ended_at IS NULL THEN sessions.started_at
				ELSE excluded.started_at
			END,
			ended_at = NULL,
			end_reason = NULL`,
		sess.SessionID, sess.PlatformSessionID, sess.Platform,
		nullStr(sess.WorkspaceHash), nullStr(sess.WorkspacePath),
		sess.StartedAt.UTC().Format(time.RFC3339Nano),
		nullStr(sess.Metadata),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s/%s: %w", sess.Platform, sess.PlatformSessionID, err)
	}
	return nil
}

// CloseSession closes a live session row with the given reason. Closing
// an already closed or unknown session returns false, nil; double close
// is benign.
func (s *Store) CloseSession(ctx context.Context, platformSessionID, platform, reason string, endedAt time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, end_reason = ?
		WHERE platform_session_id = ? AND platform = ? AND ended_at IS NULL`,
		endedAt.UTC().Format(time.RFC3339Nano), reason,
		platformSessionID, platform,
	)
	if err != nil {
		return false, fmt.Errorf("close session %s/%s: %w", platform, platformSessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close session rows: %w", err)
	}
	return n > 0, nil
}

// MarkRecovered tags a still-open row as restored after a process
// restart. The row stays live; end_reason records the interruption.
func (s *Store) MarkRecovered(ctx context.Context, sessionID string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE sessions SET end_reason = ? WHERE session_id = ? AND ended_at IS NULL`,
		EndReasonRecovered, sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark session %s recovered: %w", sessionID, err)
	}
	return nil
}

// OpenSessions returns all live rows. Called once at startup for
// crash recovery.
func (s *Store) OpenSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.conn.QueryContext(ctx,
		sessionSelect+` WHERE ended_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("query open sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionByIdentity looks up a row by its producer-assigned identity.
func (s *Store) SessionByIdentity(ctx context.Context, platformSessionID, platform string) (*Session, error) {
	row := s.conn.QueryRowContext(ctx,
		sessionSelect+` WHERE platform_session_id = ? AND platform = ?`,
		platformSessionID, platform)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SweepTimeouts closes live rows that started before the cutoff with
// end_reason=timeout. Returns the number of rows closed.
func (s *Store) SweepTimeouts(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, end_reason = ?
		WHERE ended_at IS NULL AND started_at < ?`,
		now.UTC().Format(time.RFC3339Nano), EndReasonTimeout,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("timeout sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("timeout sweep rows: %w", err)
	}
	return n, nil
}

// OpenSessionCount returns the number of live rows, for status output.
func (s *Store) OpenSessionCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return n, nil
}

const sessionSelect = `
	SELECT session_id, platform_session_id, platform,
		COALESCE(workspace_hash, ''), COALESCE(workspace_path, ''),
		started_at, ended_at, COALESCE(end_reason, ''),
		interaction_count, total_tokens, acceptance_rate,
		COALESCE(metadata, '')
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess      Session
		startedAt string
		endedAt   sql.NullString
	)
	err := row.Scan(
		&sess.SessionID, &sess.PlatformSessionID, &sess.Platform,
		&sess.WorkspaceHash, &sess.WorkspacePath,
		&startedAt, &endedAt, &sess.EndReason,
		&sess.InteractionCount, &sess.TotalTokens, &sess.AcceptanceRate,
		&sess.Metadata,
	)
	if err != nil {
		return Session{}, err
	}

	if sess.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Session{}, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at %q: %w", endedAt.String, err)
		}
		sess.EndedAt = &t
	}
	return sess, nil
}
