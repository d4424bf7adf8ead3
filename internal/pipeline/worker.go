// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/cache"
	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/health"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/store"
)

// ComponentWorker is the health registry name for the slow path.
const ComponentWorker = "conversation-worker"

// ConversationStore is the store surface the worker needs.
type ConversationStore interface {
	SessionByIdentity(ctx context.Context, platformSessionID, platform string) (*store.Session, error)
	CursorTracesForSession(ctx context.Context, externalSessionID string) ([]store.CursorTrace, error)
	ClaudeTracesForSession(ctx context.Context, sessionID string) ([]store.ClaudeTrace, error)
	ReplaceSessionConversations(ctx context.Context, sessionID string, convs []store.Conversation, metrics store.SessionMetrics) error
}

// Worker is the slow path: it consumes CDC records in the
// conversation-workers group and, when a session ends, rebuilds that
// session's derived conversations and metrics from its raw traces.
// Rebuilds are full replacements, so a redelivered CDC record converges
// to the same state.
type Worker struct {
	subscriber Subscriber
	store      ConversationStore
	dlq        DeadLetterer
	registry   *health.Registry
	config     ConsumerConfig
	logger     zerolog.Logger
	deliveries *cache.TTLCache
}

// NewWorker wires the conversation worker. The subscriber must be bound
// to the CDC stream under the conversation-workers durable.
func NewWorker(sub Subscriber, st ConversationStore, dlq DeadLetterer, registry *health.Registry, cfg ConsumerConfig) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.DeliveryWindow <= 0 {
		cfg.DeliveryWindow = 30 * time.Minute
	}
	if cfg.DeliveryCapacity <= 0 {
		cfg.DeliveryCapacity = 10000
	}
	return &Worker{
		subscriber: sub,
		store:      st,
		dlq:        dlq,
		registry:   registry,
		config:     cfg,
		deliveries: cache.NewTTLCache(cfg.DeliveryCapacity, cfg.DeliveryWindow),
		logger:     logging.With().Str("component", ComponentWorker).Logger(),
	}
}

// Run subscribes to the CDC stream and processes records until the
// context is canceled, resubscribing with backoff on failure.
func (w *Worker) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := w.subscriber.Subscribe(ctx, mq.SubjectCDC)
		if err != nil {
			if w.registry != nil {
				w.registry.SetDegraded(ComponentWorker, err)
			}
			w.logger.Err(err).Dur("backoff", backoff).Msg("subscribe failed")
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second
		if w.registry != nil {
			w.registry.SetHealthy(ComponentWorker)
		}
		w.logger.Info().Str("topic", mq.SubjectCDC).Msg("consuming")

		err = w.consume(ctx, msgs)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if w.registry != nil {
			w.registry.SetDegraded(ComponentWorker, err)
		}
		w.logger.Err(err).Dur("backoff", backoff).Msg("consume loop interrupted")
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (w *Worker) consume(ctx context.Context, msgs <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("subscription channel closed")
			}
			if err := w.handle(ctx, msg); err != nil {
				msg.Nack()
				return err
			}
		}
	}
}

// handle settles one CDC delivery. Rebuild failures nack for
// redelivery; after the retry cap the record is dead-lettered so a
// permanently broken session cannot wedge the group.
func (w *Worker) handle(ctx context.Context, msg *message.Message) error {
	deliveries := w.trackDelivery(msg.UUID)

	rec, err := event.UnmarshalCDC(msg.Payload)
	if err != nil {
		w.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("poison cdc record")
		return w.deadLetter(ctx, msg, "cdc.events.unknown", ReasonDeserialize, deliveries)
	}

	// Only a session's end triggers a rebuild; interim CDC records are
	// acknowledged as-is.
	if rec.EventType != event.TypeSessionEnd {
		w.settle(msg)
		return nil
	}

	if deliveries > w.config.MaxRetries {
		w.logger.Warn().
			Str("session_id", rec.SessionID).
			Int("deliveries", deliveries).
			Msg("rebuild retries exceeded")
		return w.deadLetter(ctx, msg, rec.Topic(), ReasonRetriesExceeded, deliveries)
	}

	if err := w.rebuild(ctx, rec); err != nil {
		w.logger.Err(err).
			Str("session_id", rec.SessionID).
			Str("platform", rec.Platform).
			Int("deliveries", deliveries).
			Msg("rebuild failed, nacking")
		msg.Nack()
		return nil
	}

	w.settle(msg)
	return nil
}

// rebuild replaces one session's derived conversations from its raw
// traces. Session-not-found is transient: the lifecycle consumer may
// not have landed the row yet, so the record is retried.
func (w *Worker) rebuild(ctx context.Context, rec *event.CDCRecord) error {
	sess, err := w.store.SessionByIdentity(ctx, rec.SessionID, rec.Platform)
	if err != nil {
		return fmt.Errorf("resolve session %s/%s: %w", rec.Platform, rec.SessionID, err)
	}

	var (
		convs   []store.Conversation
		metrics store.SessionMetrics
	)

	switch rec.Platform {
	case event.PlatformCursor:
		traces, err := w.store.CursorTracesForSession(ctx, rec.SessionID)
		if err != nil {
			return err
		}
		convs, metrics = deriveCursorConversations(sess.SessionID, traces)
	case event.PlatformClaudeCode:
		traces, err := w.store.ClaudeTracesForSession(ctx, rec.SessionID)
		if err != nil {
			return err
		}
		convs, metrics = deriveClaudeConversation(sess.SessionID, traces)
	default:
		return fmt.Errorf("no conversation model for platform %q", rec.Platform)
	}

	if err := w.store.ReplaceSessionConversations(ctx, sess.SessionID, convs, metrics); err != nil {
		return err
	}

	w.logger.Info().
		Str("session_id", sess.SessionID).
		Str("platform", rec.Platform).
		Int("conversations", len(convs)).
		Int64("turns", metrics.InteractionCount).
		Msg("conversations rebuilt")
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, msg *message.Message, topic, reason string, deliveries int) error {
	if err := w.dlq.Publish(ctx, topic, msg, reason, deliveries); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.UUID, err)
	}
	w.settle(msg)
	return nil
}

func (w *Worker) settle(msg *message.Message) {
	w.deliveries.Remove(msg.UUID)
	msg.Ack()
}

func (w *Worker) trackDelivery(uuid string) int {
	n := 1
	if v, ok := w.deliveries.Get(uuid); ok {
		n = v.(int) + 1
	}
	w.deliveries.Add(uuid, n)
	return n
}

// deriveCursorConversations groups a session's cursor traces into one
// conversation per composer. Bubbles become turns; Cursor's token
// counter is cumulative per composer, so a conversation's total is the
// maximum observed, not the sum.
func deriveCursorConversations(sessionID string, traces []store.CursorTrace) ([]store.Conversation, store.SessionMetrics) {
	byComposer := make(map[string]*store.Conversation)
	order := make([]string, 0, 4)

	conv := func(composerID string) *store.Conversation {
		if c, ok := byComposer[composerID]; ok {
			return c
		}
		key := composerID
		if key == "" {
			key = "standalone"
		}
		c := &store.Conversation{
			ConversationID: sessionID + ":" + key,
			SessionID:      sessionID,
			Platform:       event.PlatformCursor,
			ComposerID:     composerID,
		}
		byComposer[composerID] = c
		order = append(order, composerID)
		return c
	}

	var assistantTurns, acceptedTurns int64

	for i := range traces {
		t := &traces[i]
		if t.EventType == event.TypeSessionStart || t.EventType == event.TypeSessionEnd {
			continue
		}

		c := conv(t.ComposerID)
		ts := t.Timestamp
		widenSpan(c, ts)

		if t.TokenCount != nil && *t.TokenCount > c.TotalTokens {
			c.TotalTokens = *t.TokenCount
		}

		// Composer headers and generation summaries carry counters but
		// are not turns themselves.
		if t.BubbleID == "" {
			continue
		}

		role := cursorRole(t.MessageType)
		if role == "assistant" {
			assistantTurns++
			if t.LinesAdded != nil && *t.LinesAdded > 0 {
				acceptedTurns++
			}
		}

		c.Turns = append(c.Turns, store.ConversationTurn{
			TurnIndex:    int64(len(c.Turns)),
			Role:         role,
			EntityID:     t.BubbleID,
			Timestamp:    &ts,
			Tokens:       t.TokenCount,
			LinesAdded:   t.LinesAdded,
			LinesRemoved: t.LinesRemoved,
			// The monitor already reduced the text to its hash before
			// publishing; the stored value carries over as-is.
			ContentHash: t.TextDescription,
		})
		c.TurnCount = int64(len(c.Turns))
	}

	sort.Strings(order)
	convs := make([]store.Conversation, 0, len(order))
	var metrics store.SessionMetrics
	for _, id := range order {
		c := byComposer[id]
		metrics.InteractionCount += c.TurnCount
		metrics.TotalTokens += c.TotalTokens
		convs = append(convs, *c)
	}
	metrics.AcceptanceRate = acceptance(acceptedTurns, assistantTurns)

	return convs, metrics
}

// deriveClaudeConversation folds a session's claude traces into a
// single transcript thread. Token usage is per-message, so totals sum.
func deriveClaudeConversation(sessionID string, traces []store.ClaudeTrace) ([]store.Conversation, store.SessionMetrics) {
	c := store.Conversation{
		ConversationID: sessionID + ":thread",
		SessionID:      sessionID,
		Platform:       event.PlatformClaudeCode,
	}

	var assistantTurns, acceptedTurns int64

	for i := range traces {
		t := &traces[i]
		role := claudeRole(t.EventType)
		if role == "" {
			continue
		}

		ts := t.Timestamp
		widenSpan(&c, ts)

		if t.TokensUsed != nil {
			c.TotalTokens += *t.TokensUsed
		}
		if role == "assistant" {
			assistantTurns++
			if t.LinesAdded != nil && *t.LinesAdded > 0 {
				acceptedTurns++
			}
		}

		c.Turns = append(c.Turns, store.ConversationTurn{
			TurnIndex:    int64(len(c.Turns)),
			Role:         role,
			EntityID:     t.EventID,
			Timestamp:    &ts,
			Tokens:       t.TokensUsed,
			LinesAdded:   t.LinesAdded,
			LinesRemoved: t.LinesRemoved,
		})
	}
	c.TurnCount = int64(len(c.Turns))

	metrics := store.SessionMetrics{
		InteractionCount: c.TurnCount,
		TotalTokens:      c.TotalTokens,
		AcceptanceRate:   acceptance(acceptedTurns, assistantTurns),
	}

	if c.TurnCount == 0 {
		return nil, metrics
	}
	return []store.Conversation{c}, metrics
}

func widenSpan(c *store.Conversation, ts time.Time) {
	if c.StartedAt == nil || ts.Before(*c.StartedAt) {
		t := ts
		c.StartedAt = &t
	}
	if c.EndedAt == nil || ts.After(*c.EndedAt) {
		t := ts
		c.EndedAt = &t
	}
}

// cursorRole maps Cursor's numeric bubble message type: 1 is the user
// side, 2 the assistant side.
func cursorRole(messageType string) string {
	switch messageType {
	case "1", "user":
		return "user"
	case "2", "assistant", "ai":
		return "assistant"
	default:
		return messageType
	}
}

// claudeRole maps transcript record types onto turn roles. Lifecycle
// and unrecognized records are not turns.
func claudeRole(eventType string) string {
	switch eventType {
	case "user", event.TypePrompt, "user_prompt":
		return "user"
	case "assistant":
		return "assistant"
	case "tool_use", "tool_result", "post_tool_use", "pre_tool_use":
		return "tool"
	default:
		return ""
	}
}

// acceptance returns accepted/assistant, or nil when the session had no
// assistant turns to measure.
func acceptance(accepted, assistant int64) *float64 {
	if assistant == 0 {
		return nil
	}
	r := float64(accepted) / float64(assistant)
	return &r
}
