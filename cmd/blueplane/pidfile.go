// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// writePIDFile records this process's PID. A pidfile pointing at a live
// process means another server instance owns the data directory; a
// stale one (dead PID) is replaced.
func writePIDFile(path string) error {
	if pid, err := readPIDFile(path); err == nil && processAlive(pid) {
		return fmt.Errorf("server already running (pid %d)", pid)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pidfile %s", path)
	}
	return pid, nil
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// stopProcess sends SIGTERM and waits for the process to exit.
func stopProcess(pid int, wait time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("pid %d did not exit within %s", pid, wait)
}
