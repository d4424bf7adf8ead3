// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"
)

// IDE-owned databases are opened strictly read-only and every statement
// is timeboxed. A write from this process is a bug; query_only makes it
// an error at the engine level, mode=ro makes it an error at the VFS
// level.

// ReadOnlyDB is a read-only connection to a host-IDE SQLite file.
type ReadOnlyDB struct {
	conn         *sql.DB
	path         string
	queryTimeout time.Duration
}

// OpenReadOnly opens an IDE-owned database. openTimeout bounds the
// initial ping, queryTimeout bounds every later statement.
func OpenReadOnly(path string, openTimeout, queryTimeout time.Duration) (*ReadOnlyDB, error) {
	// URL form so paths with spaces (e.g. Application Support) escape
	// correctly.
	u := url.URL{
		Scheme: "file",
		Path:   path,
		RawQuery: fmt.Sprintf(
			"mode=ro&_pragma=query_only(1)&_pragma=read_uncommitted(1)&_pragma=busy_timeout(%d)",
			queryTimeout.Milliseconds(),
		),
	}
	dsn := u.String()

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping read-only %s: %w", path, err)
	}

	return &ReadOnlyDB{conn: conn, path: path, queryTimeout: queryTimeout}, nil
}

// Path returns the database file path.
func (r *ReadOnlyDB) Path() string {
	return r.path
}

// QueryRows runs a timeboxed query and hands the rows to scan. The
// timeout covers the scan too; an IDE holding its write lock past the
// deadline fails the read instead of blocking it.
func (r *ReadOnlyDB) QueryRows(ctx context.Context, query string, scan func(rows *sql.Rows) error, args ...any) error {
	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.conn.QueryContext(qctx, query, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", r.path, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// QueryValue reads a single TEXT value by key, sql.ErrNoRows when
// absent.
func (r *ReadOnlyDB) QueryValue(ctx context.Context, query string, args ...any) (string, error) {
	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var v string
	if err := r.conn.QueryRowContext(qctx, query, args...).Scan(&v); err != nil {
		return "", err
	}
	return v, nil
}

// Close releases the connection. Safe to call more than once.
func (r *ReadOnlyDB) Close() error {
	return r.conn.Close()
}
