// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// Snapshot is the on-disk health report the running server refreshes
// for the status command. Health lives in-process; the file is how a
// second process (blueplane server status) reads it without an RPC
// surface.
type Snapshot struct {
	WrittenAt    time.Time `json:"written_at"`
	PID          int       `json:"pid"`
	LastBatchAck time.Time `json:"last_batch_ack"`
	Components   []Status  `json:"components"`
}

// Stale reports whether the snapshot is older than the given age,
// meaning the writing process is likely gone or wedged.
func (s *Snapshot) Stale(maxAge time.Duration) bool {
	return time.Since(s.WrittenAt) > maxAge
}

// WriteSnapshotFile atomically writes the snapshot via temp file and
// rename, so a concurrent reader never sees a torn file.
func WriteSnapshotFile(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write health snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace health snapshot: %w", err)
	}
	return nil
}

// ReadSnapshotFile loads a previously written snapshot.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse health snapshot: %w", err)
	}
	return &snap, nil
}

// RunSnapshotWriter refreshes the snapshot file on an interval until
// the context is canceled, then writes one final snapshot so status
// reflects the shutdown. lastAck may be nil.
func (r *Registry) RunSnapshotWriter(ctx context.Context, path string, interval time.Duration, lastAck func() time.Time) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	write := func() {
		snap := Snapshot{
			WrittenAt:  time.Now().UTC(),
			PID:        os.Getpid(),
			Components: r.Snapshot(),
		}
		if lastAck != nil {
			snap.LastBatchAck = lastAck()
		}
		// Best effort: a failed snapshot write degrades status output,
		// not the pipeline.
		_ = WriteSnapshotFile(path, snap)
	}

	write()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			write()
			return ctx.Err()
		case <-ticker.C:
			write()
		}
	}
}
