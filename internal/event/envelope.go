// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package event defines the wire envelope that every producer emits and
// the fast path ingests. The envelope is the one format shared by the
// hook scripts, the IDE extension, and the in-process monitors.
package event

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = "1"

// Platform constants for the supported host IDEs. A third IDE plugs in
// as a new platform value with its own raw-traces table and monitor.
const (
	PlatformCursor     = "cursor"
	PlatformClaudeCode = "claude_code"
)

// Source constants for metadata.source. The source tag drives hook
// filtering and dedup policy in the fast-path consumer.
const (
	SourceHook              = "hook"
	SourceJSONLMonitor      = "jsonl_monitor"
	SourceTranscriptMonitor = "transcript_monitor"
	SourceUnifiedMonitor    = "unified_monitor"
	SourceUserLevelListener = "user_level_listener"
	SourcePythonMonitor     = "python_monitor"
)

// Event type constants used by the lifecycle paths. Payload-bearing
// types (composer, generation, assistant, ...) are open-ended.
const (
	TypeSessionStart = "session_start"
	TypeSessionEnd   = "session_end"
	TypeComposer     = "composer"
	TypeBubble       = "bubble"
	TypeGeneration   = "generation"
	TypePrompt       = "prompt"
)

// MaxPayloadBytes is the soft size cap per event after compression.
const MaxPayloadBytes = 64 << 10

// Metadata carries the optional envelope annotations.
type Metadata struct {
	WorkspaceHash string `json:"workspace_hash,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Envelope is the canonical event format across all producers.
//
// Required on the wire: version, event_id, platform, event_type,
// timestamp, session_id. Everything else is recommended.
type Envelope struct {
	Version   string    `json:"version"`
	EventID   string    `json:"event_id"`
	Platform  string    `json:"platform"`
	EventType string    `json:"event_type"`
	HookType  string    `json:"hook_type,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// SessionID is the producer-assigned platform session identity.
	SessionID         string `json:"session_id"`
	ExternalSessionID string `json:"external_session_id,omitempty"`

	Metadata Metadata        `json:"metadata,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// New creates an envelope with a fresh ID, current UTC timestamp, and the
// schema version set.
func New(platform, eventType, sessionID string) *Envelope {
	return &Envelope{
		Version:   SchemaVersion,
		EventID:   uuid.New().String(),
		Platform:  platform,
		EventType: eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

// DeterministicID derives a stable event ID from a source record's
// identity. A monitor that reads the same record twice mints the same
// ID, so the broker's publish-dedup window collapses the copies.
func DeterministicID(platform, sessionID, entityID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(platform+"/"+sessionID+"/"+entityID)).String()
}

// ValidationError reports a missing or malformed envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the required envelope fields.
func (e *Envelope) Validate() error {
	if e.Version == "" {
		return &ValidationError{Field: "version", Message: "required"}
	}
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if e.Platform == "" {
		return &ValidationError{Field: "platform", Message: "required"}
	}
	if e.EventType == "" {
		return &ValidationError{Field: "event_type", Message: "required"}
	}
	if e.SessionID == "" {
		return &ValidationError{Field: "session_id", Message: "required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	return nil
}

// KnownPlatform reports whether the platform routes to a raw-traces table.
func (e *Envelope) KnownPlatform() bool {
	return e.Platform == PlatformCursor || e.Platform == PlatformClaudeCode
}

// IsLifecycle reports whether the event drives session open/close.
func (e *Envelope) IsLifecycle() bool {
	return e.EventType == TypeSessionStart || e.EventType == TypeSessionEnd
}

// Topic returns the bus subject for this envelope.
// Format: telemetry.events.<platform>.<event_type>
func (e *Envelope) Topic() string {
	return "telemetry.events." + e.Platform + "." + e.EventType
}

// Source returns metadata.source, or "" when untagged.
func (e *Envelope) Source() string {
	return e.Metadata.Source
}

// PayloadString extracts a top-level string field from the payload.
// Returns "" when the payload is absent, malformed, or the field is not
// a string.
func (e *Envelope) PayloadString(key string) string {
	if len(e.Payload) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return ""
	}
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// DedupKey returns the identity used by the fast-path duplicate
// suppression window: (session_id, generation_id) for Cursor events and
// (session_id, uuid) for Claude events. Events with no entity identity
// return "" and are never deduplicated.
func (e *Envelope) DedupKey() string {
	switch e.Platform {
	case PlatformCursor:
		if id := e.PayloadString("generation_uuid"); id != "" {
			return e.SessionID + ":" + id
		}
		if id := e.PayloadString("bubble_id"); id != "" {
			return e.SessionID + ":" + id
		}
	case PlatformClaudeCode:
		if id := e.PayloadString("uuid"); id != "" {
			return e.SessionID + ":" + id
		}
	}
	return ""
}
