// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package main

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/health"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/store"
)

// snapshotMaxAge is how old the health snapshot may be before status
// reports it as stale.
const snapshotMaxAge = 30 * time.Second

func newStatusCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline state: process, streams, store, health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return exitWith(exitConfigError, err)
			}
			return runStatus(cfg, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "per-component health detail")
	return cmd
}

func runStatus(cfg *config.Config, verbose bool) error {
	printProcess(cfg)
	printStreams(cfg)
	printStore(cfg)
	printHealth(cfg, verbose)
	return nil
}

func printProcess(cfg *config.Config) {
	pid, err := readPIDFile(cfg.PIDPath())
	switch {
	case err != nil:
		printf("process:   not running\n")
	case !processAlive(pid):
		printf("process:   not running (stale pidfile, pid %d)\n", pid)
	default:
		printf("process:   running (pid %d)\n", pid)
	}
}

// printStreams connects directly with a short timeout: status must not
// hang when the bus is down.
func printStreams(cfg *config.Config) {
	nc, err := nats.Connect(cfg.MQ.URL(), nats.Timeout(2*time.Second))
	if err != nil {
		printf("bus:       unreachable at %s (%v)\n", cfg.MQ.URL(), err)
		return
	}
	defer nc.Close()

	sm, err := mq.NewStreamManager(nc, cfg.MQ)
	if err != nil {
		printf("bus:       %v\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	streams, err := sm.Info(ctx)
	if err != nil {
		printf("bus:       connected, stream info failed (%v)\n", err)
		return
	}

	printf("bus:       connected at %s\n", cfg.MQ.URL())
	for _, s := range streams {
		printf("  %-22s %8d msgs  %10d bytes\n", s.Name, s.Messages, s.Bytes)
		for _, c := range s.Consumers {
			printf("    %-20s pending=%d ack_pending=%d redelivered=%d\n",
				c.Name, c.NumPending, c.AckPending, c.Redelivered)
		}
	}
}

func printStore(cfg *config.Config) {
	st, err := store.Open(cfg.StorePath(), cfg.Store)
	if err != nil {
		printf("store:     unavailable (%v)\n", err)
		return
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cursorTraces, _ := st.TraceCount(ctx, "cursor_raw_traces")
	claudeTraces, _ := st.TraceCount(ctx, "claude_raw_traces")
	openSessions, _ := st.OpenSessionCount(ctx)

	printf("store:     %s\n", cfg.StorePath())
	printf("  cursor traces:  %d\n", cursorTraces)
	printf("  claude traces:  %d\n", claudeTraces)
	printf("  open sessions:  %d\n", openSessions)
}

func printHealth(cfg *config.Config, verbose bool) {
	snap, err := health.ReadSnapshotFile(cfg.HealthPath())
	if err != nil {
		printf("health:    no snapshot (server never ran?)\n")
		return
	}

	stale := ""
	if snap.Stale(snapshotMaxAge) {
		stale = " (stale)"
	}
	printf("health:    reported %s%s\n", snap.WrittenAt.Format(time.RFC3339), stale)
	if !snap.LastBatchAck.IsZero() {
		printf("  last batch ack: %s\n", snap.LastBatchAck.Format(time.RFC3339))
	}

	for _, c := range snap.Components {
		printf("  %-24s %s\n", c.Component, c.State)
		if !verbose {
			continue
		}
		if !c.LastSuccess.IsZero() {
			printf("    last success: %s\n", c.LastSuccess.Format(time.RFC3339))
		}
		if c.LastError != "" {
			printf("    last error:   %s (%s)\n", c.LastError, c.LastErrorAt.Format(time.RFC3339))
		}
	}
}
