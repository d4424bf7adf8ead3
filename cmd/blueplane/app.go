// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/blueplane/telemetry-core/internal/cache"
	"github.com/blueplane/telemetry-core/internal/claude"
	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/cursor"
	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/health"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/metrics"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/overflow"
	"github.com/blueplane/telemetry-core/internal/pipeline"
	"github.com/blueplane/telemetry-core/internal/session"
	"github.com/blueplane/telemetry-core/internal/store"
	"github.com/blueplane/telemetry-core/internal/supervisor"
)

// dedupCapacity bounds the fast-path duplicate-suppression cache.
const dedupCapacity = 100_000

// app holds every wired component of a running server for ordered
// teardown.
type app struct {
	cfg      *config.Config
	registry *health.Registry

	st       *store.Store
	ovf      *overflow.Store
	embedded *mq.EmbeddedServer

	publisher *mq.Publisher // producer path, overflow-backed
	directPub *mq.Publisher // DLQ and replay, no overflow fallback

	procSub *mq.Subscriber
	cdcSub  *mq.Subscriber
	sessSub *mq.Subscriber

	mapper  *cursor.Mapper
	manager *session.Manager
	tree    *supervisor.Tree
}

// buildApp wires the whole pipeline per the loaded configuration.
// Failures here are startup errors; nothing has been supervised yet, so
// partial wiring is torn down before returning.
func buildApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: health.NewRegistry()}

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.Open(cfg.StorePath(), cfg.Store)
	if err != nil {
		return nil, exitWith(exitStoreError, fmt.Errorf("open store: %w", err))
	}
	a.st = st

	ovf, err := overflow.Open(cfg.OverflowPath())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open overflow store: %w", err)
	}
	a.ovf = ovf

	url := cfg.MQ.URL()
	if cfg.MQ.Embedded {
		embedded, err := mq.NewEmbeddedServer(cfg.MQ, cfg.JetStreamDir())
		if err != nil {
			a.close()
			return nil, fmt.Errorf("start embedded bus: %w", err)
		}
		a.embedded = embedded
		url = embedded.ClientURL()
	}

	nc, err := mq.Connect(url)
	if err != nil {
		a.close()
		return nil, err
	}
	sm, err := mq.NewStreamManager(nc, cfg.MQ)
	if err != nil {
		nc.Close()
		a.close()
		return nil, err
	}
	ensureCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = sm.EnsureStreams(ensureCtx)
	cancel()
	nc.Close()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("ensure streams: %w", err)
	}

	a.publisher, err = mq.NewPublisher(mq.DefaultPublisherConfig(url), ovf, mq.NewWatermillLogger("publisher"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.directPub, err = mq.NewPublisher(mq.DefaultPublisherConfig(url), nil, mq.NewWatermillLogger("dlq-publisher"))
	if err != nil {
		a.close()
		return nil, err
	}
	dlq := mq.NewDLQ(a.directPub)

	if a.procSub, err = a.subscriber(url, mq.DurableProcessors, mq.StreamTelemetry); err != nil {
		a.close()
		return nil, err
	}
	if a.cdcSub, err = a.subscriber(url, mq.DurableConversationWorkers, mq.StreamCDC); err != nil {
		a.close()
		return nil, err
	}
	if a.sessSub, err = a.subscriber(url, mq.DurableSessionMonitor, mq.StreamTelemetry); err != nil {
		a.close()
		return nil, err
	}

	// CDC is only published when the conversation worker consumes it;
	// otherwise the CDC stream would fill with nothing draining it.
	var cdcPub pipeline.Publisher
	if cfg.Features.Conversations {
		cdcPub = a.publisher
	}
	cursorWriter := pipeline.NewWriter(pipeline.NewCursorSink(st), cdcPub, cfg.Store.BatchSize, cfg.Store.FlushInterval())
	claudeWriter := pipeline.NewWriter(pipeline.NewClaudeSink(st), cdcPub, cfg.Store.BatchSize, cfg.Store.FlushInterval())

	dedup := cache.NewExactDedup(dedupCapacity, cfg.Dedup.Window())
	consumerCfg := pipeline.DefaultConsumerConfig()
	consumerCfg.MaxRetries = cfg.MQ.MaxRetries
	consumer := pipeline.NewConsumer(a.procSub, dlq, dedup, a.registry, consumerCfg, cursorWriter, claudeWriter)

	a.mapper = cursor.NewMapper(cfg.Paths.Cursor.WorkspaceStorage, cfg.MappingCachePath())
	unified := cursor.NewUnifiedMonitor(cfg.Paths.Cursor.GlobalDB, cfg.WatermarkPath(), cfg.Monitoring.Cursor, a.publisher, a.registry)
	tracker := cursor.NewTracker(a.mapper, unified)
	claudeMon := claude.NewMonitor(cfg.Paths.Claude.ProjectsDir, cfg.TailStatePath(), cfg.Monitoring.Claude.PollInterval(), a.publisher, a.registry)

	a.manager = session.NewManager(a.sessSub, st, a.registry, a.backingCheck(), session.Config{
		Timeout:       cfg.Session.Timeout(),
		SweepInterval: cfg.Session.SweepInterval(),
	})
	a.manager.AddObserver(tracker)
	a.manager.AddObserver(claudeMon)

	replayer := overflow.NewReplayer(ovf, a.replayPublish, 5*time.Second)

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())

	tree.AddDataService(supervisor.NewService("cursor-writer", cursorWriter.Run))
	tree.AddDataService(supervisor.NewService("claude-writer", claudeWriter.Run))
	tree.AddDataService(supervisor.NewService("overflow-replayer", replayer.Run))
	tree.AddDataService(supervisor.Periodic("overflow-gc", func(ctx context.Context) {
		ovf.RunGC(ctx, 10*time.Minute)
	}))
	tree.AddDataService(supervisor.Periodic("dedup-cleanup", func(ctx context.Context) {
		dedup.RunCleanup(ctx, time.Minute)
	}))
	tree.AddDataService(supervisor.NewService("health-snapshot", func(ctx context.Context) error {
		return a.registry.RunSnapshotWriter(ctx, cfg.HealthPath(), 10*time.Second, metrics.LastBatchAckTime)
	}))

	tree.AddMessagingService(supervisor.NewService("fast-path-consumer", consumer.Run))
	if cfg.Features.Conversations {
		worker := pipeline.NewWorker(a.cdcSub, st, dlq, a.registry, consumerCfg)
		tree.AddMessagingService(supervisor.NewService("conversation-worker", worker.Run))
	}
	tree.AddMessagingService(supervisor.NewService("session-manager", a.manager.Run))

	if cfg.Features.Claude {
		tree.AddMonitorService(supervisor.NewService("claude-monitor", claudeMon.Run))
	}
	if cfg.Features.Cursor {
		tree.AddMonitorService(supervisor.NewService("cursor-monitor", unified.Run))
	}

	a.tree = tree
	return a, nil
}

func (a *app) subscriber(url, durable, stream string) (*mq.Subscriber, error) {
	cfg := mq.DefaultSubscriberConfig(url)
	cfg.DurableName = durable
	cfg.QueueGroup = durable
	cfg.StreamName = stream
	cfg.AckWait = a.cfg.MQ.AckWait()
	return mq.NewSubscriber(cfg, mq.NewWatermillLogger(durable))
}

// replayPublish re-publishes one overflow entry through the direct
// publisher. Using the overflow-backed publisher here would bounce a
// still-down bus's entries straight back into the overflow store.
func (a *app) replayPublish(ctx context.Context, topic string, payload []byte, metadata map[string]string) error {
	msg := message.NewMessage(uuid.New().String(), payload)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	return a.directPub.Publish(ctx, topic, msg)
}

// backingCheck decides at startup whether an open session's backing
// artifact still exists: the transcript file for Claude Code, a
// resolvable workspace database for Cursor.
func (a *app) backingCheck() session.BackingCheck {
	projectsDir := a.cfg.Paths.Claude.ProjectsDir
	return func(sess store.Session) bool {
		switch sess.Platform {
		case event.PlatformClaudeCode:
			matches, err := filepath.Glob(filepath.Join(projectsDir, "*", sess.PlatformSessionID+".jsonl"))
			return err == nil && len(matches) > 0
		case event.PlatformCursor:
			_, ok := a.mapper.Resolve(context.Background(), sess.WorkspaceHash, sess.WorkspacePath)
			return ok
		default:
			return false
		}
	}
}

// run serves the tree until SIGTERM/SIGINT, then tears down in order:
// monitors stop producing, messaging drains and acks, data flushes,
// then connections close and the mapper cache lands on disk.
func (a *app) run() error {
	logger := logging.With().Str("component", "server").Logger()

	if err := writePIDFile(a.cfg.PIDPath()); err != nil {
		a.close()
		return err
	}
	defer os.Remove(a.cfg.PIDPath())

	recoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := a.manager.Recover(recoverCtx)
	cancel()
	if err != nil {
		a.close()
		return fmt.Errorf("session recovery: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	errCh := a.tree.ServeBackground(serveCtx)

	logger.Info().
		Str("data_dir", a.cfg.Paths.DataDir).
		Bool("embedded_bus", a.cfg.MQ.Embedded).
		Msg("server started")

	select {
	case <-sigCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Err(err).Msg("supervision tree exited")
	}

	a.tree.Shutdown()
	cancelServe()
	a.close()
	logger.Info().Msg("server stopped")
	return nil
}

// close tears down whatever buildApp managed to wire, in reverse
// dependency order. Safe on a partially built app.
func (a *app) close() {
	for _, sub := range []*mq.Subscriber{a.procSub, a.cdcSub, a.sessSub} {
		if sub != nil {
			sub.Close()
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.directPub != nil {
		a.directPub.Close()
	}
	if a.mapper != nil {
		a.mapper.Flush()
	}
	if a.ovf != nil {
		a.ovf.Close()
	}
	if a.st != nil {
		a.st.Close()
	}
	if a.embedded != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.embedded.Shutdown(ctx)
		cancel()
	}
}
