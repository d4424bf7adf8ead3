// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package supervisor

import (
	"context"
	"errors"
)

// RunFunc is a long-running component entry point. It blocks until the
// context is canceled and returns the reason it stopped.
type RunFunc func(ctx context.Context) error

// Service adapts a RunFunc to suture.Service. Most pipeline components
// expose Run(ctx) error; this wrapper gives them a stable name in
// supervisor logs without each package importing suture.
type Service struct {
	name string
	run  RunFunc
}

// NewService wraps a run function as a named supervised service.
func NewService(name string, run RunFunc) *Service {
	return &Service{name: name, run: run}
}

// Serve implements suture.Service. A context-cancellation return is
// normal termination; anything else is a crash and suture restarts the
// service with backoff.
func (s *Service) Serve(ctx context.Context) error {
	err := s.run(ctx)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err()
	}
	return err
}

// String implements fmt.Stringer; suture uses it to identify the
// service in events.
func (s *Service) String() string {
	return s.name
}

// Periodic wraps a function with no return value (cache cleanup, GC
// loops) that runs until its context is canceled.
func Periodic(name string, run func(ctx context.Context)) *Service {
	return NewService(name, func(ctx context.Context) error {
		run(ctx)
		return ctx.Err()
	})
}
