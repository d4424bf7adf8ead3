// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package health tracks per-component tri-state health. Recoverable
// errors stay inside their component and surface here; the status
// command reads the registry instead of probing components directly.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/blueplane/telemetry-core/internal/metrics"
)

// State is a component's health tri-state.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

func (s State) gaugeValue() float64 {
	switch s {
	case StateHealthy:
		return 2
	case StateDegraded:
		return 1
	default:
		return 0
	}
}

// Status is one component's current health with its last transition
// evidence.
type Status struct {
	Component   string    `json:"component"`
	State       State     `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at"`
	LastSuccess time.Time `json:"last_success"`
}

// Registry holds the process-wide component health map.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*Status
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*Status)}
}

// SetHealthy marks a component healthy and records the success time.
func (r *Registry) SetHealthy(component string) {
	r.set(component, StateHealthy, nil)
}

// SetDegraded marks a component degraded with the triggering error.
func (r *Registry) SetDegraded(component string, err error) {
	r.set(component, StateDegraded, err)
}

// SetFailed marks a component failed with the triggering error.
func (r *Registry) SetFailed(component string, err error) {
	r.set(component, StateFailed, err)
}

func (r *Registry) set(component string, state State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.components[component]
	if !ok {
		st = &Status{Component: component}
		r.components[component] = st
	}

	st.State = state
	now := time.Now().UTC()
	if err != nil {
		st.LastError = err.Error()
		st.LastErrorAt = now
	}
	if state == StateHealthy {
		st.LastSuccess = now
	}

	metrics.ComponentHealth.WithLabelValues(component).Set(state.gaugeValue())
}

// Get returns one component's status, false when never reported.
func (r *Registry) Get(component string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.components[component]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Snapshot returns all component statuses sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.components))
	for _, st := range r.components {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Component < out[j].Component
	})
	return out
}
