// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/cache"
	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/health"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/metrics"
	"github.com/blueplane/telemetry-core/internal/mq"
)

// ComponentConsumer is the health registry name for the fast path.
const ComponentConsumer = "fast-path-consumer"

// Consumer lifecycle states.
const (
	StateRunning  = "running"
	StateDegraded = "degraded"
	StateDraining = "draining"
	StateStopped  = "stopped"
)

// Dead-letter reasons emitted by the fast path.
const (
	ReasonDeserialize     = "deserialize_failed"
	ReasonInvalidEnvelope = "invalid_envelope"
	ReasonUnknownPlatform = "unknown_platform"
	ReasonRetriesExceeded = "retries_exceeded"
)

// Subscriber is the receive surface the consumer needs. Satisfied by
// the watermill-nats subscriber.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// DeadLetterer appends exhausted or poisoned messages to the DLQ.
// Satisfied by *mq.DLQ.
type DeadLetterer interface {
	Publish(ctx context.Context, originTopic string, original *message.Message, reason string, deliveries int) error
}

// ConsumerConfig tunes the fast-path consumer.
type ConsumerConfig struct {
	// MaxRetries is the delivery count after which a message is
	// dead-lettered instead of redelivered.
	MaxRetries int

	// DeliveryWindow bounds how long a message UUID's delivery count is
	// remembered. Must comfortably exceed the bus redelivery interval.
	DeliveryWindow time.Duration

	// DeliveryCapacity bounds the delivery-count cache.
	DeliveryCapacity int
}

// DefaultConsumerConfig returns the production tuning.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MaxRetries:       5,
		DeliveryWindow:   30 * time.Minute,
		DeliveryCapacity: 10000,
	}
}

// Consumer is the fast path: it pulls envelopes off the telemetry
// stream as part of the processors group, filters and deduplicates
// them, and hands survivors to the per-platform batch writers. Acks are
// deferred to the writer so nothing is acknowledged before it is
// durable.
type Consumer struct {
	subscriber Subscriber
	dlq        DeadLetterer
	dedup      cache.DedupCache
	writers    map[string]*Writer
	registry   *health.Registry
	config     ConsumerConfig
	logger     zerolog.Logger

	// deliveries tracks per-message delivery counts keyed by message
	// UUID. The bus redelivers without a count we can read, so the
	// retry cap is enforced here.
	deliveries *cache.TTLCache

	// inflight holds dedup keys buffered in a writer but not yet
	// landed. The dedup window only records on ack, so without this a
	// duplicate arriving inside one flush interval would land twice.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	state atomic.Value
}

// NewConsumer wires the fast path. Writers are routed by their sink's
// platform; an envelope with no writer is treated as unknown-platform.
func NewConsumer(sub Subscriber, dlq DeadLetterer, dedup cache.DedupCache, registry *health.Registry, cfg ConsumerConfig, writers ...*Writer) *Consumer {
	byPlatform := make(map[string]*Writer, len(writers))
	for _, w := range writers {
		byPlatform[w.Platform()] = w
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.DeliveryWindow <= 0 {
		cfg.DeliveryWindow = 30 * time.Minute
	}
	if cfg.DeliveryCapacity <= 0 {
		cfg.DeliveryCapacity = 10000
	}

	c := &Consumer{
		subscriber: sub,
		dlq:        dlq,
		dedup:      dedup,
		writers:    byPlatform,
		registry:   registry,
		config:     cfg,
		deliveries: cache.NewTTLCache(cfg.DeliveryCapacity, cfg.DeliveryWindow),
		inflight:   make(map[string]struct{}),
		logger:     logging.With().Str("component", ComponentConsumer).Logger(),
	}
	c.state.Store(StateStopped)
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() string {
	return c.state.Load().(string)
}

func (c *Consumer) setState(s string) {
	c.state.Store(s)
}

// Run subscribes to the telemetry stream and processes messages until
// the context is canceled. Subscription failures and a failed DLQ
// append degrade the consumer with exponential backoff instead of
// crashing the process; buffered batches are drained on shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			c.shutdown()
			return ctx.Err()
		}

		msgs, err := c.subscriber.Subscribe(ctx, mq.SubjectTelemetry)
		if err != nil {
			c.setState(StateDegraded)
			if c.registry != nil {
				c.registry.SetDegraded(ComponentConsumer, err)
			}
			c.logger.Err(err).Dur("backoff", backoff).Msg("subscribe failed")
			if !sleepCtx(ctx, backoff) {
				c.shutdown()
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second
		c.setState(StateRunning)
		if c.registry != nil {
			c.registry.SetHealthy(ComponentConsumer)
		}
		c.logger.Info().Str("topic", mq.SubjectTelemetry).Msg("consuming")

		err = c.consume(ctx, msgs)
		if ctx.Err() != nil {
			c.shutdown()
			return ctx.Err()
		}

		c.setState(StateDegraded)
		if c.registry != nil {
			c.registry.SetDegraded(ComponentConsumer, err)
		}
		c.logger.Err(err).Dur("backoff", backoff).Msg("consume loop interrupted")
		if !sleepCtx(ctx, backoff) {
			c.shutdown()
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// consume processes one subscription until the channel closes, the
// context cancels, or a message cannot be settled safely.
func (c *Consumer) consume(ctx context.Context, msgs <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("subscription channel closed")
			}
			if err := c.handle(ctx, msg); err != nil {
				// Could not dead-letter: the message must stay pending
				// rather than risk loss, and the consumer backs off.
				msg.Nack()
				return err
			}
		}
	}
}

// handle settles one delivery. Every path ends in exactly one of:
// writer-deferred ack, immediate ack (filtered/duplicate), DLQ + ack,
// or an error when the DLQ append itself failed.
func (c *Consumer) handle(ctx context.Context, msg *message.Message) error {
	deliveries := c.trackDelivery(msg.UUID)

	env, err := event.Deserialize(msg.Payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("poison message")
		metrics.RecordConsumed("unknown", "poison")
		return c.deadLetter(ctx, msg, originTopic(msg, nil), ReasonDeserialize, deliveries)
	}

	if err := env.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("event_id", env.EventID).Msg("invalid envelope")
		metrics.RecordConsumed(env.Platform, "poison")
		return c.deadLetter(ctx, msg, originTopic(msg, env), ReasonInvalidEnvelope, deliveries)
	}

	writer, ok := c.writers[env.Platform]
	if !ok {
		c.logger.Warn().Str("platform", env.Platform).Str("event_id", env.EventID).Msg("no route for platform")
		metrics.RecordConsumed(env.Platform, "poison")
		return c.deadLetter(ctx, msg, originTopic(msg, env), ReasonUnknownPlatform, deliveries)
	}

	if deliveries > c.config.MaxRetries {
		c.logger.Warn().
			Str("event_id", env.EventID).
			Int("deliveries", deliveries).
			Msg("retries exceeded")
		metrics.RecordConsumed(env.Platform, "poison")
		return c.deadLetter(ctx, msg, env.Topic(), ReasonRetriesExceeded, deliveries)
	}

	// Claude hook events duplicate what the transcript monitor reads
	// from disk; only the lifecycle signals are unique to hooks.
	if env.Platform == event.PlatformClaudeCode && env.Source() == event.SourceHook && !env.IsLifecycle() {
		c.settle(msg)
		metrics.RecordConsumed(env.Platform, "filtered")
		return nil
	}

	key := env.DedupKey()
	if key != "" && c.dedup.Seen(key) {
		c.settle(msg)
		metrics.RecordConsumed(env.Platform, "deduplicated")
		return nil
	}

	// A copy of this identity already sits in a writer buffer. Nack:
	// by the time the bus redelivers, that copy has either landed (the
	// window then suppresses this one) or nacked (this one proceeds).
	if key != "" && !c.claimInflight(key) {
		msg.Nack()
		metrics.RecordConsumed(env.Platform, "deduplicated")
		return nil
	}

	// The dedup key is recorded only once the batch lands, so a failed
	// flush cannot suppress its own redelivery.
	ack := func() {
		if key != "" {
			c.dedup.Record(key)
			c.releaseInflight(key)
		}
		if env.EventType == event.TypeSessionEnd {
			c.dedup.Forget(env.SessionID)
		}
		c.deliveries.Remove(msg.UUID)
		msg.Ack()
		metrics.RecordConsumed(env.Platform, "landed")
	}
	nack := func() {
		c.releaseInflight(key)
		msg.Nack()
	}

	writer.Add(env, msg.Payload, ack, nack)
	return nil
}

// claimInflight marks an identity as buffered, reporting false when it
// already was.
func (c *Consumer) claimInflight(key string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, ok := c.inflight[key]; ok {
		return false
	}
	c.inflight[key] = struct{}{}
	return true
}

func (c *Consumer) releaseInflight(key string) {
	if key == "" {
		return
	}
	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()
}

// settle acks a message that will never be written.
func (c *Consumer) settle(msg *message.Message) {
	c.deliveries.Remove(msg.UUID)
	msg.Ack()
}

// deadLetter appends to the DLQ and acks the original. A DLQ append
// failure propagates so the caller nacks and halts instead of dropping
// the message.
func (c *Consumer) deadLetter(ctx context.Context, msg *message.Message, topic, reason string, deliveries int) error {
	if err := c.dlq.Publish(ctx, topic, msg, reason, deliveries); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.UUID, err)
	}
	c.settle(msg)
	return nil
}

// trackDelivery bumps and returns the delivery count for a message
// UUID. The count survives nacks because redeliveries reuse the UUID.
func (c *Consumer) trackDelivery(uuid string) int {
	n := 1
	if v, ok := c.deliveries.Get(uuid); ok {
		n = v.(int) + 1
	}
	c.deliveries.Add(uuid, n)
	return n
}

// shutdown drains buffered batches and marks the consumer stopped.
func (c *Consumer) shutdown() {
	c.setState(StateDraining)
	c.logger.Info().Msg("draining writers")
	for _, w := range c.writers {
		w.Flush()
	}
	c.setState(StateStopped)
	c.logger.Info().Msg("stopped")
}

// originTopic reconstructs the subject a delivery arrived on, falling
// back to publish metadata when the payload never parsed.
func originTopic(msg *message.Message, env *event.Envelope) string {
	if env != nil && env.Platform != "" && env.EventType != "" {
		return env.Topic()
	}
	platform := msg.Metadata.Get(mq.MetaPlatform)
	eventType := msg.Metadata.Get(mq.MetaEventType)
	if platform != "" && eventType != "" {
		return "telemetry.events." + platform + "." + eventType
	}
	return "telemetry.events.unknown"
}

// sleepCtx sleeps for d, returning false if the context canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
