// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package event

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// CDCRecord is the compact after-image published for every landed raw
// trace. Slow-path workers consume these instead of re-reading the
// ingest stream.
type CDCRecord struct {
	Sequence      int64     `json:"sequence"`
	Platform      string    `json:"platform"`
	EventType     string    `json:"event_type"`
	SessionID     string    `json:"session_id"`
	Timestamp     time.Time `json:"timestamp"`
	WorkspaceHash string    `json:"workspace_hash,omitempty"`
}

// NewCDCRecord builds the after-image for one landed envelope.
func NewCDCRecord(env *Envelope, sequence int64) *CDCRecord {
	return &CDCRecord{
		Sequence:      sequence,
		Platform:      env.Platform,
		EventType:     env.EventType,
		SessionID:     env.SessionID,
		Timestamp:     env.Timestamp,
		WorkspaceHash: env.Metadata.WorkspaceHash,
	}
}

// Topic returns the bus subject: cdc.events.<platform>.
func (r *CDCRecord) Topic() string {
	return "cdc.events." + r.Platform
}

// MarshalCDC encodes a CDC record for the bus.
func MarshalCDC(r *CDCRecord) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal cdc record: %w", err)
	}
	return data, nil
}

// UnmarshalCDC decodes a CDC record from the bus.
func UnmarshalCDC(data []byte) (*CDCRecord, error) {
	var r CDCRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal cdc record: %w", err)
	}
	return &r, nil
}
