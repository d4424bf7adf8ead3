// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueplane/telemetry-core/internal/event"
)

// CursorTrace is a cursor_raw_traces row before landing. Text-shaped
// columns carry hashes, never rendered content. EventData holds the
// envelope JSON; insertion deflates it into the BLOB.
type CursorTrace struct {
	EventID            string
	ExternalSessionID  string
	EventType          string
	Timestamp          time.Time
	StorageLevel       string
	WorkspaceHash      string
	DatabaseTable      string
	ItemKey            string
	GenerationUUID     string
	ComposerID         string
	BubbleID           string
	ServerBubbleID     string
	MessageType        string
	IsAgentic          *bool
	TextDescription    string
	RawText            string
	RichText           string
	UnixMs             *int64
	ClientStartTime    *int64
	ClientEndTime      *int64
	LinesAdded         *int64
	LinesRemoved       *int64
	TokenCount         *int64
	CapabilitiesRan    string
	CapabilityStatuses string
	ProjectName        string
	RelevantFiles      *int64
	Selections         *int64
	IsArchived         *bool
	HasUnreadMessages  *bool
	EventData          []byte
}

// ClaudeTrace is a claude_raw_traces row before landing.
type ClaudeTrace struct {
	EventID       string
	SessionID     string
	EventType     string
	Timestamp     time.Time
	WorkspaceHash string
	Model         string
	ToolName      string
	DurationMs    *int64
	TokensUsed    *int64
	LinesAdded    *int64
	LinesRemoved  *int64
	EventData     []byte
}

// CursorTraceFromEnvelope extracts the indexed columns from a cursor
// envelope. envelopeJSON is the full wire form, stored alongside the
// columns so nothing is lost to extraction.
func CursorTraceFromEnvelope(env *event.Envelope, envelopeJSON []byte) CursorTrace {
	p := payloadMap(env.Payload)

	return CursorTrace{
		EventID:            env.EventID,
		ExternalSessionID:  externalSessionID(env),
		EventType:          env.EventType,
		Timestamp:          env.Timestamp,
		StorageLevel:       pStr(p, "storage_level"),
		WorkspaceHash:      env.Metadata.WorkspaceHash,
		DatabaseTable:      pStr(p, "database_table"),
		ItemKey:            pStr(p, "item_key"),
		GenerationUUID:     pStr(p, "generation_uuid"),
		ComposerID:         pStr(p, "composer_id"),
		BubbleID:           pStr(p, "bubble_id"),
		ServerBubbleID:     pStr(p, "server_bubble_id"),
		MessageType:        pStr(p, "message_type"),
		IsAgentic:          pBool(p, "is_agentic"),
		TextDescription:    pStr(p, "text_description"),
		RawText:            pStr(p, "raw_text"),
		RichText:           pStr(p, "rich_text"),
		UnixMs:             pInt(p, "unix_ms"),
		ClientStartTime:    pInt(p, "client_start_time"),
		ClientEndTime:      pInt(p, "client_end_time"),
		LinesAdded:         pInt(p, "lines_added"),
		LinesRemoved:       pInt(p, "lines_removed"),
		TokenCount:         pInt(p, "token_count_up_until_here"),
		CapabilitiesRan:    pStr(p, "capabilities_ran"),
		CapabilityStatuses: pStr(p, "capability_statuses"),
		ProjectName:        pStr(p, "project_name"),
		RelevantFiles:      pInt(p, "relevant_files"),
		Selections:         pInt(p, "selections"),
		IsArchived:         pBool(p, "is_archived"),
		HasUnreadMessages:  pBool(p, "has_unread_messages"),
		EventData:          envelopeJSON,
	}
}

// ClaudeTraceFromEnvelope extracts the indexed columns from a
// claude_code envelope.
func ClaudeTraceFromEnvelope(env *event.Envelope, envelopeJSON []byte) ClaudeTrace {
	p := payloadMap(env.Payload)

	return ClaudeTrace{
		EventID:       env.EventID,
		SessionID:     env.SessionID,
		EventType:     env.EventType,
		Timestamp:     env.Timestamp,
		WorkspaceHash: env.Metadata.WorkspaceHash,
		Model:         pStr(p, "model"),
		ToolName:      pStr(p, "tool_name"),
		DurationMs:    pInt(p, "duration_ms"),
		TokensUsed:    pInt(p, "tokens_used"),
		LinesAdded:    pInt(p, "lines_added"),
		LinesRemoved:  pInt(p, "lines_removed"),
		EventData:     envelopeJSON,
	}
}

func externalSessionID(env *event.Envelope) string {
	if env.ExternalSessionID != "" {
		return env.ExternalSessionID
	}
	return env.SessionID
}

// InsertCursorBatch lands cursor traces in one transaction and returns
// the assigned sequences in arrival order. All-or-nothing: a failed
// batch leaves the table untouched.
func (s *Store) InsertCursorBatch(ctx context.Context, traces []CursorTrace) ([]int64, error) {
	if len(traces) == 0 {
		return nil, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cursor_raw_traces (
		ingested_at, event_id, external_session_id, event_type, timestamp,
		storage_level, workspace_hash, database_table, item_key,
		generation_uuid, composer_id, bubble_id, server_bubble_id,
		message_type, is_agentic, text_description, raw_text, rich_text,
		unix_ms, client_start_time, client_end_time, lines_added,
		lines_removed, token_count_up_until_here, capabilities_ran,
		capability_statuses, project_name, relevant_files, selections,
		is_archived, has_unread_messages, event_data
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare cursor insert: %w", err)
	}
	defer stmt.Close()

	ingestedAt := time.Now().UTC().Format(time.RFC3339Nano)
	sequences := make([]int64, 0, len(traces))

	for _, t := range traces {
		blob, err := s.compressor.Compress(t.EventData)
		if err != nil {
			return nil, fmt.Errorf("compress envelope %s: %w", t.EventID, err)
		}

		res, err := stmt.ExecContext(ctx,
			ingestedAt, t.EventID, t.ExternalSessionID, t.EventType,
			t.Timestamp.UTC().Format(time.RFC3339Nano),
			nullStr(t.StorageLevel), nullStr(t.WorkspaceHash),
			nullStr(t.DatabaseTable), nullStr(t.ItemKey),
			nullStr(t.GenerationUUID), nullStr(t.ComposerID),
			nullStr(t.BubbleID), nullStr(t.ServerBubbleID),
			nullStr(t.MessageType), t.IsAgentic,
			nullStr(t.TextDescription), nullStr(t.RawText), nullStr(t.RichText),
			t.UnixMs, t.ClientStartTime, t.ClientEndTime,
			t.LinesAdded, t.LinesRemoved, t.TokenCount,
			nullStr(t.CapabilitiesRan), nullStr(t.CapabilityStatuses),
			nullStr(t.ProjectName), t.RelevantFiles, t.Selections,
			t.IsArchived, t.HasUnreadMessages, blob,
		)
		if err != nil {
			return nil, fmt.Errorf("insert cursor trace %s: %w", t.EventID, err)
		}

		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		sequences = append(sequences, seq)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return sequences, nil
}

// InsertClaudeBatch lands claude traces in one transaction and returns
// the assigned sequences in arrival order.
func (s *Store) InsertClaudeBatch(ctx context.Context, traces []ClaudeTrace) ([]int64, error) {
	if len(traces) == 0 {
		return nil, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO claude_raw_traces (
		ingested_at, event_id, session_id, event_type, timestamp,
		workspace_hash, model, tool_name, duration_ms, tokens_used,
		lines_added, lines_removed, event_data
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare claude insert: %w", err)
	}
	defer stmt.Close()

	ingestedAt := time.Now().UTC().Format(time.RFC3339Nano)
	sequences := make([]int64, 0, len(traces))

	for _, t := range traces {
		blob, err := s.compressor.Compress(t.EventData)
		if err != nil {
			return nil, fmt.Errorf("compress envelope %s: %w", t.EventID, err)
		}

		res, err := stmt.ExecContext(ctx,
			ingestedAt, t.EventID, t.SessionID, t.EventType,
			t.Timestamp.UTC().Format(time.RFC3339Nano),
			nullStr(t.WorkspaceHash), nullStr(t.Model), nullStr(t.ToolName),
			t.DurationMs, t.TokensUsed, t.LinesAdded, t.LinesRemoved, blob,
		)
		if err != nil {
			return nil, fmt.Errorf("insert claude trace %s: %w", t.EventID, err)
		}

		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		sequences = append(sequences, seq)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return sequences, nil
}

// TraceCount returns the row count of a raw-traces table. Used by the
// status command.
func (s *Store) TraceCount(ctx context.Context, table string) (int64, error) {
	switch table {
	case "cursor_raw_traces", "claude_raw_traces":
	default:
		return 0, fmt.Errorf("unknown traces table %q", table)
	}

	var n int64
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Payload field extraction helpers. Missing or mistyped fields map to
// NULL columns, never to errors; the full envelope blob keeps the truth.

func payloadMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func pStr(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func pInt(m map[string]any, key string) *int64 {
	switch v := m[key].(type) {
	case float64:
		n := int64(v)
		return &n
	case int64:
		return &v
	}
	return nil
}

func pBool(m map[string]any, key string) *bool {
	if v, ok := m[key].(bool); ok {
		return &v
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
