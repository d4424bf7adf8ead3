// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/blueplane/telemetry-core/internal/metrics"
)

// DLQ appends poisoned or retry-exhausted messages to the dead-letter
// streams with their original payload and failure metadata. Nothing is
// ever silently dropped: a record the pipeline cannot land must be
// visible here.
type DLQ struct {
	publisher *Publisher
}

// NewDLQ creates a dead-letter publisher. The underlying publisher
// should have no overflow fallback; if the DLQ append itself fails the
// caller must halt rather than risk loss.
func NewDLQ(publisher *Publisher) *DLQ {
	return &DLQ{publisher: publisher}
}

// Publish appends one entry to the dead-letter subject derived from the
// origin topic. The original metadata is preserved, including its
// Nats-Msg-Id: dead-lettering the same delivery twice (crash between
// DLQ append and ack) collapses to one entry via publish dedup.
func (d *DLQ) Publish(ctx context.Context, originTopic string, original *message.Message, reason string, deliveries int) error {
	dlqMsg := message.NewMessage(uuid.New().String(), original.Payload)
	for k, v := range original.Metadata {
		dlqMsg.Metadata.Set(k, v)
	}
	dlqMsg.Metadata.Set(MetaDLQReason, reason)
	dlqMsg.Metadata.Set(MetaDLQOrigin, originTopic)
	dlqMsg.Metadata.Set(MetaDLQDelivered, strconv.Itoa(deliveries))
	dlqMsg.Metadata.Set(MetaDLQFailedAt, time.Now().UTC().Format(time.RFC3339Nano))
	dlqMsg.Metadata.Set("original_uuid", original.UUID)

	topic := DLQTopic(originTopic)
	if err := d.publisher.Publish(ctx, topic, dlqMsg); err != nil {
		return fmt.Errorf("dead-letter to %s: %w", topic, err)
	}

	metrics.RecordDLQ(topic, reason)
	return nil
}
