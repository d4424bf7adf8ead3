// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/metrics"
)

// Overflow is the durable local fallback for producer events when the
// bus is unreachable. Satisfied by *overflow.Store.
type Overflow interface {
	Write(topic string, payload []byte, metadata map[string]string) error
}

// Publisher wraps the watermill NATS publisher with a circuit breaker
// and a local overflow store. Publish never loses an enqueued event:
// bus down routes to overflow, and only a double failure (bus and
// overflow) surfaces an error to the producer.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]
	overflow  Overflow
	logger    watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

// PublisherConfig holds publisher configuration.
type PublisherConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int
}

// DefaultPublisherConfig returns production defaults.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 << 20,
	}
}

// NewPublisher creates the resilient publisher. overflow may be nil for
// paths (like DLQ appends) where local fallback is not wanted.
func NewPublisher(cfg PublisherConfig, overflow Overflow, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("bus disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("bus reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // streams are pre-created by init-mq
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	settings := gobreaker.Settings{
		Name:    "mq-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Publisher{
		publisher: pub,
		breaker:   gobreaker.NewCircuitBreaker[any](settings),
		overflow:  overflow,
		logger:    logger,
	}, nil
}

// Publish sends one message, falling back to the overflow store when
// the bus or breaker rejects it. Message UUID doubles as Nats-Msg-Id so
// overflow replay after a partial publish is deduplicated server-side.
func (p *Publisher) Publish(ctx context.Context, topic string, msg *message.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}

	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.publisher.Publish(topic, msg)
	})
	if err == nil {
		metrics.RecordPublish(topic)
		return nil
	}

	if p.overflow == nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.logger.Error("publish failed, writing to overflow", err,
		watermill.LogFields{"topic": topic, "message_uuid": msg.UUID})

	if oerr := p.overflow.Write(topic, msg.Payload, msg.Metadata); oerr != nil {
		// Both the bus and the local durable store failed; this is the
		// one fatal producer path.
		return fmt.Errorf("publish %s failed (%v) and overflow write failed: %w", topic, err, oerr)
	}
	metrics.RecordOverflowWrite()
	return nil
}

// PublishEnvelope validates, serializes, and publishes a telemetry
// envelope to its platform/type subject.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *event.Envelope) error {
	data, err := event.Serialize(env)
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}

	msg := message.NewMessage(env.EventID, data)
	msg.Metadata.Set(MetaPlatform, env.Platform)
	msg.Metadata.Set(MetaEventType, env.EventType)
	if src := env.Source(); src != "" {
		msg.Metadata.Set(MetaSource, src)
	}

	return p.Publish(ctx, env.Topic(), msg)
}

// Close shuts the publisher down. Idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
