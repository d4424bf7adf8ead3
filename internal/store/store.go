// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package store owns the embedded SQLite database: raw-trace tables,
// sessions, and derived conversation records. The batch writer is the
// only raw-traces writer; everything else reads, or writes through the
// session and conversation APIs here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/blueplane/telemetry-core/internal/config"
)

// Store wraps the sql.DB connection to telemetry.db.
type Store struct {
	conn       *sql.DB
	compressor *Compressor
}

// Open creates the data directory if needed, opens the database with the
// configured pragmas, and runs all pending migrations.
func Open(path string, cfg config.StoreConfig) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+dsnPragmas(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes writers; SQLite allows only one anyway
	// and this keeps SQLITE_BUSY out of steady state.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{conn: conn, compressor: NewCompressor(cfg.CompressionLevel)}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// dsnPragmas renders the connection pragmas.
// journal_mode per config, synchronous NORMAL, busy_timeout per config.
func dsnPragmas(cfg config.StoreConfig) string {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.BusyTimeoutMs),
		"_pragma=synchronous(normal)",
		"_pragma=foreign_keys(1)",
	}
	if cfg.WAL {
		pragmas = append([]string{"_pragma=journal_mode(wal)"}, pragmas...)
	}
	return "?" + strings.Join(pragmas, "&")
}

// Close closes the database connection. Safe to call more than once.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for status queries.
func (s *Store) Conn() *sql.DB {
	return s.conn
}
