// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/logging"
)

// stopWait bounds how long stop/restart waits for a clean exit.
const stopWait = 30 * time.Second

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run and manage the telemetry server",
	}
	cmd.AddCommand(newStartCmd(), newStopCmd(), newRestartCmd(), newStatusCmd())
	return cmd
}

func newStartCmd() *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(daemon)
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "run detached in the background")
	return cmd
}

func runStart(daemon bool) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitWith(exitConfigError, err)
	}

	if daemon {
		return daemonize(cfg)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return exitWith(exitConfigError, fmt.Errorf("initialize logging: %w", err))
	}

	a, err := buildApp(cfg)
	if err != nil {
		logging.Err(err).Msg("startup failed")
		return err
	}
	return a.run()
}

// daemonize re-executes `server start` detached, with output going to
// the daemon log file. The parent returns once the child is launched.
func daemonize(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	if pid, err := readPIDFile(cfg.PIDPath()); err == nil && processAlive(pid) {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	logFile, err := os.OpenFile(cfg.DaemonLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "server", "start")
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = os.Environ()

	if err := child.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}

	printf("server started (pid %d), logging to %s\n", child.Process.Pid, cfg.DaemonLogPath())
	return child.Process.Release()
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return exitWith(exitConfigError, err)
			}
			return runStop(cfg)
		},
	}
}

func runStop(cfg *config.Config) error {
	pid, err := readPIDFile(cfg.PIDPath())
	if err != nil {
		if os.IsNotExist(err) {
			printf("server not running\n")
			return nil
		}
		return err
	}

	if !processAlive(pid) {
		printf("server not running (stale pidfile removed)\n")
		os.Remove(cfg.PIDPath())
		return nil
	}

	if err := stopProcess(pid, stopWait); err != nil {
		return err
	}
	printf("server stopped (pid %d)\n", pid)
	return nil
}

func newRestartCmd() *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the server if running, then start it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
				return exitWith(exitConfigError, err)
			}
			if err := runStop(cfg); err != nil {
				return err
			}
			return runStart(daemon)
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", true, "run detached in the background")
	return cmd
}
