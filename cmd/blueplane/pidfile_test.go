// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestWritePIDFileRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")

	// Our own PID is definitionally alive.
	if err := writePIDFile(path); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := writePIDFile(path); err == nil {
		t.Fatal("second write should refuse: process is alive")
	}
}

func TestWritePIDFileReplacesStaleEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")

	// PID 1 is never signallable by an unprivileged test process;
	// near-max PIDs do not exist.
	if err := os.WriteFile(path, []byte("999999999"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := writePIDFile(path); err != nil {
		t.Fatalf("stale pidfile not replaced: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid = %d, %v", pid, err)
	}
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Fatal("garbage pidfile accepted")
	}
}
