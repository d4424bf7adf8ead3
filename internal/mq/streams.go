// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/blueplane/telemetry-core/internal/config"
)

// StreamManager handles JetStream stream lifecycle for the four
// pipeline streams.
type StreamManager struct {
	js  jetstream.JetStream
	nc  *nats.Conn
	cfg config.MQConfig
}

// NewStreamManager creates a stream manager over an existing connection.
func NewStreamManager(nc *nats.Conn, cfg config.MQConfig) (*StreamManager, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &StreamManager{js: js, nc: nc, cfg: cfg}, nil
}

// streamDefs returns the stream configurations. Limits policy with
// DiscardOld gives approximate trimming at the configured bound; the
// duplicate window backs Nats-Msg-Id publish dedup.
func (m *StreamManager) streamDefs() []jetstream.StreamConfig {
	base := func(name, subject string) jetstream.StreamConfig {
		return jetstream.StreamConfig{
			Name:       name,
			Subjects:   []string{subject},
			Retention:  jetstream.LimitsPolicy,
			MaxMsgs:    m.cfg.StreamMaxLen,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
			Storage:    jetstream.FileStorage,
			Discard:    jetstream.DiscardOld,
		}
	}

	return []jetstream.StreamConfig{
		base(StreamTelemetry, SubjectTelemetry),
		base(StreamTelemetryDLQ, SubjectTelemetryDLQ),
		base(StreamCDC, SubjectCDC),
		base(StreamCDCDLQ, SubjectCDCDLQ),
	}
}

// EnsureStreams idempotently creates or updates all four streams.
// Backs the init-mq command and server startup; rerunning it against an
// initialized bus is benign.
func (m *StreamManager) EnsureStreams(ctx context.Context) error {
	for _, cfg := range m.streamDefs() {
		if err := m.ensureStream(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *StreamManager) ensureStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	if _, err := m.js.Stream(ctx, cfg.Name); err == nil {
		if _, err := m.js.UpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.Name, err)
		}
		return nil
	}

	if _, err := m.js.CreateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// StreamStatus is one stream's depth plus its consumers' pending state,
// for the status command.
type StreamStatus struct {
	Name      string
	Messages  uint64
	Bytes     uint64
	Consumers []ConsumerStatus
}

// ConsumerStatus reports one durable consumer's backlog. AckPending is
// the PEL size: delivered but not yet acknowledged.
type ConsumerStatus struct {
	Name        string
	NumPending  uint64
	AckPending  int
	Redelivered int
}

// Info returns depth and consumer state for every pipeline stream.
func (m *StreamManager) Info(ctx context.Context) ([]StreamStatus, error) {
	names := []string{StreamTelemetry, StreamTelemetryDLQ, StreamCDC, StreamCDCDLQ}

	out := make([]StreamStatus, 0, len(names))
	for _, name := range names {
		stream, err := m.js.Stream(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("get stream %s: %w", name, err)
		}
		info, err := stream.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("stream info %s: %w", name, err)
		}

		status := StreamStatus{
			Name:     name,
			Messages: info.State.Msgs,
			Bytes:    info.State.Bytes,
		}

		consumers := stream.ListConsumers(ctx)
		for ci := range consumers.Info() {
			status.Consumers = append(status.Consumers, ConsumerStatus{
				Name:        ci.Name,
				NumPending:  ci.NumPending,
				AckPending:  ci.NumAckPending,
				Redelivered: ci.NumRedelivered,
			})
		}
		if err := consumers.Err(); err != nil {
			return nil, fmt.Errorf("list consumers %s: %w", name, err)
		}

		out = append(out, status)
	}
	return out, nil
}

// Connect dials the bus with the standard reconnection options.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus at %s: %w", url, err)
	}
	return nc, nil
}
