// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package overflow

import (
	"context"
	"time"

	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/metrics"
	"github.com/rs/zerolog"
)

// PublishFunc re-publishes one diverted entry onto the bus.
type PublishFunc func(ctx context.Context, topic string, payload []byte, metadata map[string]string) error

// Replayer drains pending overflow entries back onto the bus once it is
// reachable again. Replay preserves each entry's message metadata, so
// server-side Nats-Msg-Id dedup absorbs any entry that made it to the
// bus before the original publish error surfaced.
type Replayer struct {
	store    *Store
	publish  PublishFunc
	interval time.Duration
	logger   zerolog.Logger
}

// NewReplayer creates a replayer draining store through publish every
// interval.
func NewReplayer(store *Store, publish PublishFunc, interval time.Duration) *Replayer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Replayer{
		store:    store,
		publish:  publish,
		interval: interval,
		logger:   logging.With().Str("component", "overflow-replayer").Logger(),
	}
}

// Run replays pending entries until the context is canceled. An
// immediate first pass covers entries left over from a previous run.
func (r *Replayer) Run(ctx context.Context) error {
	r.drain(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain replays one snapshot of pending entries. Entries that fail stay
// pending with an attempt recorded; the next pass retries them.
func (r *Replayer) drain(ctx context.Context) {
	entries, err := r.store.GetPending()
	if err != nil {
		if err != ErrClosed {
			r.logger.Err(err).Msg("read pending overflow entries")
		}
		return
	}
	if len(entries) == 0 {
		return
	}

	r.logger.Info().Int("pending", len(entries)).Msg("replaying overflow entries")

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !r.store.claim(entry.ID) {
			continue
		}

		if err := r.publish(ctx, entry.Topic, entry.Payload, entry.Metadata); err != nil {
			r.logger.Warn().
				Err(err).
				Str("entry_id", entry.ID).
				Str("topic", entry.Topic).
				Int("attempts", entry.Attempts+1).
				Msg("overflow replay failed")
			if merr := r.store.MarkAttempt(entry.ID, err); merr != nil && merr != ErrEntryNotFound {
				r.logger.Err(merr).Str("entry_id", entry.ID).Msg("record replay attempt")
			}
			// Bus is likely still down; stop this pass instead of
			// burning through the rest of the backlog.
			return
		}

		if err := r.store.Confirm(entry.ID); err != nil && err != ErrEntryNotFound {
			r.logger.Err(err).Str("entry_id", entry.ID).Msg("confirm replayed entry")
			continue
		}
		metrics.OverflowReplayed.Inc()
	}
}
