// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package mq

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// SubscriberConfig holds durable subscription configuration. The
// durable name is the stable group identity; unacked messages survive a
// restart and redeliver after AckWait (the pending-list claim).
type SubscriberConfig struct {
	URL              string
	DurableName      string
	QueueGroup       string
	StreamName       string
	SubscribersCount int
	AckWait          time.Duration
	MaxDeliver       int
	MaxAckPending    int
	CloseTimeout     time.Duration
}

// DefaultSubscriberConfig returns production defaults for the fast-path
// processors group.
func DefaultSubscriberConfig(url string) SubscriberConfig {
	return SubscriberConfig{
		URL:              url,
		DurableName:      DurableProcessors,
		QueueGroup:       DurableProcessors,
		StreamName:       StreamTelemetry,
		SubscribersCount: 1,
		AckWait:          60 * time.Second,
		MaxDeliver:       -1, // retry cap is enforced consumer-side, then DLQ
		MaxAckPending:    1000,
		CloseTimeout:     30 * time.Second,
	}
}

// Subscriber wraps a durable JetStream queue subscription.
type Subscriber struct {
	subscriber message.Subscriber
	config     SubscriberConfig
}

// NewSubscriber creates a durable subscriber bound to a pre-created
// stream. Binding is required because the pipeline topics are
// wildcards (telemetry.events.>) and stream names cannot contain them.
func NewSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (*Subscriber, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		// The durable name is the stable group identity; the connection
		// name embeds the PID so a restarted process reattaches to the
		// same pending set under a fresh instance identity.
		natsgo.Name(fmt.Sprintf("%s-%d", cfg.DurableName, os.Getpid())),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("subscriber disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("subscriber reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverAll(),
		natsgo.BindStream(cfg.StreamName),
	}
	if cfg.MaxDeliver > 0 {
		subOpts = append(subOpts, natsgo.MaxDeliver(cfg.MaxDeliver))
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    false,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return &Subscriber{subscriber: sub, config: cfg}, nil
}

// Subscribe returns the message channel for a topic. The channel closes
// when the context is canceled or the subscriber is closed.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.subscriber.Subscribe(ctx, topic)
}

// Close shuts the subscription down; in-flight unacked messages return
// to the pending list and redeliver after AckWait.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}
