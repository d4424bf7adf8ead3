// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package pipeline contains the fast path between the bus and the
// store: the batch writer, the consumer loop feeding it, and the
// slow-path conversation worker.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/metrics"
)

// TraceSink lands one batch of envelopes into a raw-traces table and
// returns the assigned sequences in arrival order. The writer is
// polymorphic over sinks: a third platform plugs in as a new sink, not
// as a writer branch.
type TraceSink interface {
	Platform() string
	Land(ctx context.Context, batch []Landing) ([]int64, error)
}

// Landing is one envelope waiting to land, with its wire form preserved
// for the compressed blob.
type Landing struct {
	Env *event.Envelope
	Raw []byte
}

// Publisher is the publish surface the writer needs for CDC records.
// Satisfied by *mq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *message.Message) error
}

// pending couples an envelope with the bus callbacks that settle it.
// ack fires only after the batch lands durably; nack returns the entry
// to the pending list for redelivery.
type pending struct {
	landing Landing
	ack     func()
	nack    func()
}

// Writer accumulates events for one platform and lands them in
// all-or-nothing batches. Two triggers: size >= batchSize, or the
// oldest buffered event reaching flushInterval.
type Writer struct {
	sink          TraceSink
	cdc           Publisher
	batchSize     int
	flushInterval time.Duration
	logger        zerolog.Logger

	mu  sync.Mutex
	buf []pending

	// flushMu serializes flushes so size- and interval-triggered
	// flushes never interleave batches.
	flushMu sync.Mutex
}

// NewWriter creates a batch writer over a sink. cdc may be nil to
// disable change-data-capture publishing.
func NewWriter(sink TraceSink, cdc Publisher, batchSize int, flushInterval time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	return &Writer{
		sink:          sink,
		cdc:           cdc,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger: logging.With().
			Str("component", "batch-writer").
			Str("platform", sink.Platform()).
			Logger(),
	}
}

// Add buffers one event. The ack callback fires after the durable
// flush; nack fires if the flush fails. A full buffer flushes inline so
// the bus sees backpressure, not unbounded memory.
func (w *Writer) Add(env *event.Envelope, raw []byte, ack, nack func()) {
	w.mu.Lock()
	w.buf = append(w.buf, pending{landing: Landing{Env: env, Raw: raw}, ack: ack, nack: nack})
	full := len(w.buf) >= w.batchSize
	w.mu.Unlock()

	if full {
		w.Flush()
	}
}

// Run flushes on the interval until the context is canceled, then
// drains the final batch. The drain uses a detached context: shutdown
// must land and ack the in-flight batch, not abandon it.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return ctx.Err()
		case <-ticker.C:
			w.Flush()
		}
	}
}

// Flush lands the current buffer as one transaction. On success every
// event gets a CDC record and an ack; on failure every event is nacked
// and stays pending on the bus. Partial landing cannot happen: the sink
// commits all rows or none.
func (w *Writer) Flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	// Detached context: a canceled consumer context must not abort a
	// batch that is already being written.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	landings := make([]Landing, len(batch))
	for i, p := range batch {
		landings[i] = p.landing
	}

	sequences, err := w.sink.Land(ctx, landings)
	metrics.BatchFlushDuration.WithLabelValues(w.sink.Platform()).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.BatchFlushes.WithLabelValues(w.sink.Platform(), "error").Inc()
		w.logger.Err(err).Int("batch_size", len(batch)).Msg("batch land failed, nacking")
		for _, p := range batch {
			p.nack()
		}
		return
	}

	metrics.BatchFlushes.WithLabelValues(w.sink.Platform(), "ok").Inc()
	w.publishCDC(ctx, batch, sequences)

	for _, p := range batch {
		p.ack()
	}
	metrics.LastBatchAck.Set(float64(time.Now().Unix()))

	w.logger.Debug().
		Int("batch_size", len(batch)).
		Int64("first_sequence", sequences[0]).
		Msg("batch landed")
}

// publishCDC emits one after-image per landed event. The rows are
// already durable here, so CDC failures are logged rather than undoing
// acks; the publisher's overflow store absorbs a bus outage.
func (w *Writer) publishCDC(ctx context.Context, batch []pending, sequences []int64) {
	if w.cdc == nil {
		return
	}

	for i, p := range batch {
		record := event.NewCDCRecord(p.landing.Env, sequences[i])
		data, err := event.MarshalCDC(record)
		if err != nil {
			w.logger.Err(err).Int64("sequence", record.Sequence).Msg("marshal cdc record")
			continue
		}

		msg := message.NewMessage(fmt.Sprintf("%s-%d", p.landing.Env.EventID, record.Sequence), data)
		msg.Metadata.Set("platform", record.Platform)
		msg.Metadata.Set("event_type", record.EventType)

		if err := w.cdc.Publish(ctx, record.Topic(), msg); err != nil {
			w.logger.Err(err).Int64("sequence", record.Sequence).Msg("publish cdc record")
		}
	}
}

// Platform returns the sink's platform tag, used for routing.
func (w *Writer) Platform() string {
	return w.sink.Platform()
}

// Len returns the current buffer depth.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}
