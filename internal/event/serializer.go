// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package event

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Serializer handles envelope encoding/decoding for bus messages.
type Serializer struct{}

// NewSerializer creates a new serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Marshal converts an envelope to JSON bytes. Invalid envelopes are
// rejected before they reach the bus.
func (s *Serializer) Marshal(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("validate envelope: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal converts JSON bytes to an envelope. Validation is the
// caller's responsibility; the fast path routes invalid envelopes to the
// DLQ rather than erroring here.
func (s *Serializer) Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// Serialize is a convenience function that marshals an envelope.
func Serialize(env *Envelope) ([]byte, error) {
	return NewSerializer().Marshal(env)
}

// Deserialize is a convenience function that unmarshals an envelope.
func Deserialize(data []byte) (*Envelope, error) {
	return NewSerializer().Unmarshal(data)
}
