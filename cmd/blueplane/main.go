// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Command blueplane runs the local telemetry pipeline: capture of
// AI-coding activity from Cursor and Claude Code into an embedded
// SQLite store, with a JetStream bus in between.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes. Anything else that fails exits 1.
const (
	exitConfigError = 2
	exitStoreError  = 3
)

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blueplane",
		Short: "Local, privacy-preserving AI coding telemetry pipeline",
		Long: `Blueplane captures AI-coding activity from Cursor and Claude Code on
this machine and lands it in a local SQLite store. Nothing leaves the
host; prompt and response text is reduced to content hashes before it
touches the bus.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServerCmd(),
		newInitStoreCmd(),
		newInitMQCmd(),
	)
	return root
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
