// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package mq provides the JetStream-backed message bus: stream
// lifecycle, resilient publish with local overflow, durable group
// subscription, and dead-lettering.
package mq

import "strings"

// Stream names and subject spaces. Telemetry carries producer
// envelopes, CDC carries the compact after-images for slow-path
// workers; each has its own dead-letter stream.
const (
	StreamTelemetry    = "TELEMETRY_EVENTS"
	StreamTelemetryDLQ = "TELEMETRY_EVENTS_DLQ"
	StreamCDC          = "CDC_EVENTS"
	StreamCDCDLQ       = "CDC_EVENTS_DLQ"

	SubjectTelemetry    = "telemetry.events.>"
	SubjectTelemetryDLQ = "telemetry.dlq.>"
	SubjectCDC          = "cdc.events.>"
	SubjectCDCDLQ       = "cdc.dlq.>"
)

// Durable consumer names. The consumer instance name embeds the PID so
// a restarted process reattaches to the same pending set under a fresh
// identity.
const (
	DurableProcessors          = "processors"
	DurableConversationWorkers = "conversation-workers"
	DurableSessionMonitor      = "session-monitor"
)

// Message metadata keys used across publish and dead-letter paths.
const (
	MetaPlatform     = "platform"
	MetaEventType    = "event_type"
	MetaSource       = "source"
	MetaDLQReason    = "dlq_reason"
	MetaDLQOrigin    = "dlq_origin_topic"
	MetaDLQDelivered = "dlq_deliveries"
	MetaDLQFailedAt  = "dlq_failed_at"
)

// DLQTopic maps an origin topic into its dead-letter subject space:
// telemetry.events.X -> telemetry.dlq.X, cdc.events.X -> cdc.dlq.X.
// Topics outside either space land under telemetry.dlq.unknown.
func DLQTopic(originTopic string) string {
	switch {
	case strings.HasPrefix(originTopic, "telemetry.events."):
		return "telemetry.dlq." + strings.TrimPrefix(originTopic, "telemetry.events.")
	case strings.HasPrefix(originTopic, "cdc.events."):
		return "cdc.dlq." + strings.TrimPrefix(originTopic, "cdc.events.")
	default:
		return "telemetry.dlq.unknown"
	}
}
