// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package store

import (
	"context"
	"fmt"
	"time"
)

// Conversation is a derived record rebuilt from raw traces by the
// slow-path worker. For Cursor it is one composer; for Claude it is the
// session's transcript thread.
type Conversation struct {
	ConversationID string
	SessionID      string
	Platform       string
	ComposerID     string
	StartedAt      *time.Time
	EndedAt        *time.Time
	TurnCount      int64
	TotalTokens    int64
	Turns          []ConversationTurn
}

// ConversationTurn is one message within a conversation.
type ConversationTurn struct {
	TurnIndex    int64
	Role         string
	EntityID     string
	Timestamp    *time.Time
	Tokens       *int64
	LinesAdded   *int64
	LinesRemoved *int64
	ContentHash  string
}

// SessionMetrics are the derived columns written back onto the session
// row when its conversations are rebuilt.
type SessionMetrics struct {
	InteractionCount int64
	TotalTokens      int64
	AcceptanceRate   *float64
}

// ReplaceSessionConversations atomically swaps a session's derived
// conversation records and updates its metrics. Rebuild-from-scratch in
// one transaction keeps the worker idempotent under CDC redelivery.
func (s *Store) ReplaceSessionConversations(ctx context.Context, sessionID string, convs []Conversation, metrics SessionMetrics) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear conversations for %s: %w", sessionID, err)
	}

	convStmt, err := tx.PrepareContext(ctx, `INSERT INTO conversations (
		conversation_id, session_id, platform, composer_id,
		started_at, ended_at, turn_count, total_tokens
	) VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare conversation insert: %w", err)
	}
	defer convStmt.Close()

	turnStmt, err := tx.PrepareContext(ctx, `INSERT INTO conversation_turns (
		conversation_id, turn_index, role, entity_id, timestamp,
		tokens, lines_added, lines_removed, content_hash
	) VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare turn insert: %w", err)
	}
	defer turnStmt.Close()

	for _, c := range convs {
		_, err := convStmt.ExecContext(ctx,
			c.ConversationID, c.SessionID, c.Platform, nullStr(c.ComposerID),
			nullTime(c.StartedAt), nullTime(c.EndedAt),
			c.TurnCount, c.TotalTokens,
		)
		if err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ConversationID, err)
		}

		for _, t := range c.Turns {
			_, err := turnStmt.ExecContext(ctx,
				c.ConversationID, t.TurnIndex, nullStr(t.Role),
				nullStr(t.EntityID), nullTime(t.Timestamp),
				t.Tokens, t.LinesAdded, t.LinesRemoved,
				nullStr(t.ContentHash),
			)
			if err != nil {
				return fmt.Errorf("insert turn %d of %s: %w", t.TurnIndex, c.ConversationID, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET interaction_count = ?, total_tokens = ?, acceptance_rate = ?
		WHERE session_id = ?`,
		metrics.InteractionCount, metrics.TotalTokens, metrics.AcceptanceRate,
		sessionID,
	); err != nil {
		return fmt.Errorf("update session metrics for %s: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// CursorTracesForSession reads the indexed columns of a session's cursor
// traces in sequence order. Envelope blobs are not inflated; the worker
// derives everything from columns.
func (s *Store) CursorTracesForSession(ctx context.Context, externalSessionID string) ([]CursorTrace, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT event_id, external_session_id, event_type, timestamp,
			COALESCE(generation_uuid, ''), COALESCE(composer_id, ''),
			COALESCE(bubble_id, ''), COALESCE(message_type, ''),
			token_count_up_until_here, lines_added, lines_removed,
			COALESCE(text_description, '')
		FROM cursor_raw_traces
		WHERE external_session_id = ?
		ORDER BY sequence`, externalSessionID)
	if err != nil {
		return nil, fmt.Errorf("query cursor traces for %s: %w", externalSessionID, err)
	}
	defer rows.Close()

	var out []CursorTrace
	for rows.Next() {
		var (
			t  CursorTrace
			ts string
		)
		err := rows.Scan(
			&t.EventID, &t.ExternalSessionID, &t.EventType, &ts,
			&t.GenerationUUID, &t.ComposerID, &t.BubbleID, &t.MessageType,
			&t.TokenCount, &t.LinesAdded, &t.LinesRemoved,
			&t.TextDescription,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cursor trace: %w", err)
		}
		if t.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse trace timestamp %q: %w", ts, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaudeTracesForSession reads the indexed columns of a session's claude
// traces in sequence order.
func (s *Store) ClaudeTracesForSession(ctx context.Context, sessionID string) ([]ClaudeTrace, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT event_id, session_id, event_type, timestamp,
			COALESCE(model, ''), COALESCE(tool_name, ''),
			duration_ms, tokens_used, lines_added, lines_removed
		FROM claude_raw_traces
		WHERE session_id = ?
		ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query claude traces for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []ClaudeTrace
	for rows.Next() {
		var (
			t  ClaudeTrace
			ts string
		)
		err := rows.Scan(
			&t.EventID, &t.SessionID, &t.EventType, &ts,
			&t.Model, &t.ToolName,
			&t.DurationMs, &t.TokensUsed, &t.LinesAdded, &t.LinesRemoved,
		)
		if err != nil {
			return nil, fmt.Errorf("scan claude trace: %w", err)
		}
		if t.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse trace timestamp %q: %w", ts, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
