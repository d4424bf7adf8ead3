// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package store

import (
	"database/sql"
	"fmt"
)

// Migrations run at startup, never mid-flight. Each migration is one
// transaction; a failure leaves the schema at the last recorded version.

type migration struct {
	version int
	fn      func(tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, fn: migrate001},
	{version: 2, fn: migrate002},
	{version: 3, fn: migrate003},
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		if err := m.fn(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// migrate001 creates the raw-trace tables. Rows are immutable once
// written; corrections land as new rows. The generated event_date and
// event_hour columns give the query surface cheap partition pruning.
func migrate001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE cursor_raw_traces (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			ingested_at TEXT NOT NULL,
			event_id TEXT NOT NULL,
			external_session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			storage_level TEXT,
			workspace_hash TEXT,
			database_table TEXT,
			item_key TEXT,
			generation_uuid TEXT,
			composer_id TEXT,
			bubble_id TEXT,
			server_bubble_id TEXT,
			message_type TEXT,
			is_agentic INTEGER,
			text_description TEXT,
			raw_text TEXT,
			rich_text TEXT,
			unix_ms INTEGER,
			client_start_time INTEGER,
			client_end_time INTEGER,
			lines_added INTEGER,
			lines_removed INTEGER,
			token_count_up_until_here INTEGER,
			capabilities_ran TEXT,
			capability_statuses TEXT,
			project_name TEXT,
			relevant_files INTEGER,
			selections INTEGER,
			is_archived INTEGER,
			has_unread_messages INTEGER,
			event_data BLOB NOT NULL,
			event_date TEXT GENERATED ALWAYS AS (date(timestamp)) STORED,
			event_hour INTEGER GENERATED ALWAYS AS (CAST(strftime('%H', timestamp) AS INTEGER)) STORED
		)`,

		`CREATE TABLE claude_raw_traces (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			ingested_at TEXT NOT NULL,
			event_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			workspace_hash TEXT,
			model TEXT,
			tool_name TEXT,
			duration_ms INTEGER,
			tokens_used INTEGER,
			lines_added INTEGER,
			lines_removed INTEGER,
			event_data BLOB NOT NULL,
			event_date TEXT GENERATED ALWAYS AS (date(timestamp)) STORED,
			event_hour INTEGER GENERATED ALWAYS AS (CAST(strftime('%H', timestamp) AS INTEGER)) STORED
		)`,

		`CREATE INDEX idx_cursor_traces_session_ts ON cursor_raw_traces(external_session_id, timestamp)`,
		`CREATE INDEX idx_cursor_traces_type_ts ON cursor_raw_traces(event_type, timestamp)`,
		`CREATE INDEX idx_cursor_traces_workspace_ts ON cursor_raw_traces(workspace_hash, timestamp)`,
		`CREATE INDEX idx_cursor_traces_generation ON cursor_raw_traces(generation_uuid)`,
		`CREATE INDEX idx_cursor_traces_composer_ts ON cursor_raw_traces(composer_id, timestamp)`,
		`CREATE INDEX idx_cursor_traces_bubble ON cursor_raw_traces(bubble_id)`,
		`CREATE INDEX idx_cursor_traces_date ON cursor_raw_traces(event_date, event_hour)`,

		`CREATE INDEX idx_claude_traces_session_ts ON claude_raw_traces(session_id, timestamp)`,
		`CREATE INDEX idx_claude_traces_type_ts ON claude_raw_traces(event_type, timestamp)`,
		`CREATE INDEX idx_claude_traces_workspace_ts ON claude_raw_traces(workspace_hash, timestamp)`,
		`CREATE INDEX idx_claude_traces_date ON claude_raw_traces(event_date, event_hour)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// migrate002 creates the sessions table. At most one row per
// (platform_session_id, platform); reopening the same identity updates
// the existing row.
func migrate002(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE sessions (
			session_id TEXT PRIMARY KEY,
			platform_session_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			workspace_hash TEXT,
			workspace_path TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			end_reason TEXT,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			acceptance_rate REAL,
			metadata TEXT,
			UNIQUE(platform_session_id, platform)
		)`,

		`CREATE INDEX idx_sessions_open ON sessions(ended_at) WHERE ended_at IS NULL`,
		`CREATE INDEX idx_sessions_workspace ON sessions(workspace_hash)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// migrate003 creates the derived conversation tables written by the
// slow-path worker. Both are rebuildable from raw traces.
func migrate003(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE conversations (
			conversation_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			composer_id TEXT,
			started_at TEXT,
			ended_at TEXT,
			turn_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE conversation_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
			turn_index INTEGER NOT NULL,
			role TEXT,
			entity_id TEXT,
			timestamp TEXT,
			tokens INTEGER,
			lines_added INTEGER,
			lines_removed INTEGER,
			content_hash TEXT
		)`,

		`CREATE INDEX idx_conversations_session ON conversations(session_id)`,
		`CREATE INDEX idx_conversations_composer ON conversations(composer_id)`,
		`CREATE INDEX idx_turns_conversation ON conversation_turns(conversation_id, turn_index)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}
