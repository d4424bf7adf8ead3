// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/store"
)

func newInitStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-store",
		Short: "Create the store and run schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return exitWith(exitConfigError, err)
			}
			if err := os.MkdirAll(cfg.Paths.DataDir, 0o700); err != nil {
				return exitWith(exitStoreError, fmt.Errorf("create data directory: %w", err))
			}

			st, err := store.Open(cfg.StorePath(), cfg.Store)
			if err != nil {
				return exitWith(exitStoreError, fmt.Errorf("initialize store: %w", err))
			}
			if err := st.Close(); err != nil {
				return exitWith(exitStoreError, err)
			}

			printf("store initialized at %s\n", cfg.StorePath())
			return nil
		},
	}
}

func newInitMQCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-mq",
		Short: "Create or update the JetStream streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return exitWith(exitConfigError, err)
			}
			return runInitMQ(cfg)
		},
	}
}

// runInitMQ provisions the four pipeline streams. With an embedded bus
// a throwaway server is started just long enough to create them; the
// JetStream file store keeps them across restarts.
func runInitMQ(cfg *config.Config) error {
	url := cfg.MQ.URL()

	var embedded *mq.EmbeddedServer
	if cfg.MQ.Embedded {
		var err error
		embedded, err = mq.NewEmbeddedServer(cfg.MQ, cfg.JetStreamDir())
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		url = embedded.ClientURL()
	}

	nc, err := mq.Connect(url)
	if err != nil {
		return err
	}

	sm, err := mq.NewStreamManager(nc, cfg.MQ)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = sm.EnsureStreams(ctx)
		cancel()
	}
	nc.Close()

	if embedded != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		embedded.Shutdown(ctx)
		cancel()
	}

	if err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	printf("streams ready: %s, %s, %s, %s\n",
		mq.StreamTelemetry, mq.StreamTelemetryDLQ, mq.StreamCDC, mq.StreamCDCDLQ)
	return nil
}
