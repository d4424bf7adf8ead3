// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package metrics instruments every pipeline stage. There is no HTTP
// exposition endpoint; the default registry backs the status command.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Bus metrics.
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bp_mq_publish_total",
			Help: "Messages published to the bus, by topic",
		},
		[]string{"topic"},
	)

	OverflowWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bp_mq_overflow_writes_total",
			Help: "Producer events diverted to the local overflow store",
		},
	)

	OverflowReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bp_mq_overflow_replayed_total",
			Help: "Overflow entries successfully replayed onto the bus",
		},
	)

	OverflowPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bp_mq_overflow_pending",
			Help: "Overflow entries awaiting replay",
		},
	)

	DLQTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bp_mq_dlq_total",
			Help: "Messages dead-lettered, by topic and reason",
		},
		[]string{"topic", "reason"},
	)

	// Fast-path consumer metrics.
	ConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bp_consumer_messages_total",
			Help: "Messages consumed from the bus, by platform and outcome",
		},
		[]string{"platform", "outcome"}, // landed, deduplicated, filtered, poison
	)

	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bp_writer_batch_flushes_total",
			Help: "Batch writer flushes, by platform and result",
		},
		[]string{"platform", "result"},
	)

	BatchFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bp_writer_flush_duration_seconds",
			Help:    "Batch flush latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	LastBatchAck = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bp_writer_last_ack_unix_seconds",
			Help: "Unix time of the most recent successfully acked batch",
		},
	)

	// Monitor metrics.
	TailLinesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bp_claude_tail_lines_total",
			Help: "Transcript lines read, by outcome",
		},
		[]string{"outcome"}, // emitted, poison, skipped
	)

	TailTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bp_claude_tail_truncations_total",
			Help: "Tailed files detected as truncated or recreated",
		},
	)

	CursorReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bp_cursor_reads_total",
			Help: "IDE database reads, by storage level and result",
		},
		[]string{"storage_level", "result"}, // ok, timeout, error
	)

	CursorEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bp_cursor_events_emitted_total",
			Help: "Events emitted by the unified monitor, by type",
		},
		[]string{"event_type"},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bp_active_sessions",
			Help: "Sessions currently tracked as live, by platform",
		},
		[]string{"platform"},
	)

	// ComponentHealth is the tri-state health gauge:
	// 0 failed, 1 degraded, 2 healthy.
	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bp_component_health",
			Help: "Per-component health (0 failed, 1 degraded, 2 healthy)",
		},
		[]string{"component"},
	)
)

// RecordPublish counts one successful publish.
func RecordPublish(topic string) {
	PublishTotal.WithLabelValues(topic).Inc()
}

// RecordOverflowWrite counts one event diverted to overflow.
func RecordOverflowWrite() {
	OverflowWrites.Inc()
}

// RecordDLQ counts one dead-lettered message.
func RecordDLQ(topic, reason string) {
	DLQTotal.WithLabelValues(topic, reason).Inc()
}

// RecordConsumed counts one consumed message by outcome.
func RecordConsumed(platform, outcome string) {
	ConsumedTotal.WithLabelValues(platform, outcome).Inc()
}

// LastBatchAckTime reads the last-ack gauge back as wall-clock time.
// Zero when no batch has been acked this process.
func LastBatchAckTime() time.Time {
	var m dto.Metric
	if err := LastBatchAck.Write(&m); err != nil {
		return time.Time{}
	}
	sec := int64(m.GetGauge().GetValue())
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
