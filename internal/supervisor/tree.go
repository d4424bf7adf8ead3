// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package supervisor builds the process service tree on suture. Three
// layers hang off the root:
//
//	data       writers, overflow replay, cache maintenance
//	messaging  fast-path consumer, conversation worker, session manager
//	monitors   claude tail monitor, cursor unified monitor
//
// Layers exist for ordered shutdown: monitors (the producers) stop
// first, messaging drains and acks what is in flight, data flushes
// last. Within a layer suture restarts crashed services with backoff.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/blueplane/telemetry-core/internal/logging"
)

// TreeConfig holds supervision tuning shared by the root and the layer
// supervisors.
type TreeConfig struct {
	// FailureThreshold is the accumulated failure score that trips a
	// supervisor into backoff.
	FailureThreshold float64

	// FailureDecay is the half-life, in seconds, of the failure score.
	FailureDecay float64

	// FailureBackoff is how long a tripped supervisor waits before
	// restarting its services.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long each service gets to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns production supervision defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervision tree for the pipeline process.
type Tree struct {
	root      *suture.Supervisor
	data      *suture.Supervisor
	messaging *suture.Supervisor
	monitors  *suture.Supervisor
	cfg       TreeConfig

	dataToken      suture.ServiceToken
	messagingToken suture.ServiceToken
	monitorsToken  suture.ServiceToken
}

// NewTree creates the root supervisor and its three layers.
func NewTree(cfg TreeConfig) *Tree {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay <= 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logging.Slog()}
	eventHook := handler.MustHook()

	root := suture.New("blueplane", suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})

	layer := func(name string) *suture.Supervisor {
		// Child supervisors inherit the root's event hook; configuring
		// one per layer would double-log every event.
		return suture.New(name, suture.Spec{
			FailureThreshold: cfg.FailureThreshold,
			FailureDecay:     cfg.FailureDecay,
			FailureBackoff:   cfg.FailureBackoff,
			Timeout:          cfg.ShutdownTimeout,
		})
	}

	t := &Tree{
		root:      root,
		data:      layer("data"),
		messaging: layer("messaging"),
		monitors:  layer("monitors"),
		cfg:       cfg,
	}
	t.dataToken = root.Add(t.data)
	t.messagingToken = root.Add(t.messaging)
	t.monitorsToken = root.Add(t.monitors)
	return t
}

// AddDataService adds a service to the data layer.
func (t *Tree) AddDataService(svc suture.Service) suture.ServiceToken {
	return t.data.Add(svc)
}

// AddMessagingService adds a service to the messaging layer.
func (t *Tree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// AddMonitorService adds a service to the monitors layer.
func (t *Tree) AddMonitorService(svc suture.Service) suture.ServiceToken {
	return t.monitors.Add(svc)
}

// Serve runs the tree until the context is canceled. Blocks.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree and returns a channel that yields the
// tree's terminal error.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// Shutdown stops the layers in dependency order: monitors first so no
// new events are produced, then messaging so in-flight deliveries drain
// and settle, then data so the final batches flush. Each layer gets the
// configured timeout. Call before canceling the Serve context.
func (t *Tree) Shutdown() {
	logger := logging.With().Str("component", "supervisor").Logger()

	for _, layer := range []struct {
		name  string
		token suture.ServiceToken
	}{
		{"monitors", t.monitorsToken},
		{"messaging", t.messagingToken},
		{"data", t.dataToken},
	} {
		if err := t.root.RemoveAndWait(layer.token, t.cfg.ShutdownTimeout); err != nil {
			logger.Warn().Err(err).Str("layer", layer.name).Msg("layer did not stop in time")
			continue
		}
		logger.Debug().Str("layer", layer.name).Msg("layer stopped")
	}
}

// UnstoppedServiceReport lists services that failed to stop, for
// shutdown diagnostics.
func (t *Tree) UnstoppedServiceReport() (suture.UnstoppedServiceReport, error) {
	return t.root.UnstoppedServiceReport()
}
