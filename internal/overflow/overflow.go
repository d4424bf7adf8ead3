// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package overflow is the durable local fallback for producer events
// when the bus is unreachable. Entries are fsynced into BadgerDB before
// the producer's Publish returns, and replayed onto the bus on
// reconnect. Producer events survive both a bus outage and a process
// crash during one.
package overflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/metrics"
)

// Sentinel errors.
var (
	ErrClosed        = errors.New("overflow store is closed")
	ErrEntryNotFound = errors.New("overflow entry not found")
)

const pendingPrefix = "pending:"

// Entry is one diverted publish awaiting replay.
type Entry struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
}

// Stats reports store state for status output.
type Stats struct {
	PendingCount  int64
	TotalWrites   int64
	TotalConfirms int64
	TotalRetries  int64
}

// Store is the BadgerDB-backed overflow store.
type Store struct {
	db *badger.DB

	totalWrites   atomic.Int64
	totalConfirms atomic.Int64
	totalRetries  atomic.Int64

	mu     sync.RWMutex
	closed bool

	// claimed guards against the startup recovery pass and the retry
	// loop replaying the same entry concurrently.
	claimed sync.Map
}

// Open creates or opens the overflow store at path. SyncWrites is on:
// durability before the producer's Publish returns is the whole point.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open overflow store: %w", err)
	}

	s := &Store{db: db}
	logging.Info().Str("component", "overflow").Str("path", path).Msg("overflow store opened")
	return s, nil
}

// Write durably persists one diverted publish. Satisfies mq.Overflow.
func (s *Store) Write(topic string, payload []byte, metadata map[string]string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	entry := Entry{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal overflow entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+entry.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write overflow entry: %w", err)
	}

	s.totalWrites.Add(1)
	return nil
}

// Confirm removes a replayed entry.
func (s *Store) Confirm(entryID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	key := []byte(pendingPrefix + entryID)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}

	s.totalConfirms.Add(1)
	s.claimed.Delete(entryID)
	return nil
}

// MarkAttempt records a failed replay attempt on the stored entry and
// releases the claim so a later pass retries it.
func (s *Store) MarkAttempt(entryID string, attemptErr error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	key := []byte(pendingPrefix + entryID)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}

		var entry Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return fmt.Errorf("unmarshal overflow entry: %w", err)
		}

		entry.Attempts++
		if attemptErr != nil {
			entry.LastError = attemptErr.Error()
		}

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal overflow entry: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}

	s.totalRetries.Add(1)
	s.claimed.Delete(entryID)
	return nil
}

// GetPending returns unreplayed entries from a consistent snapshot, in
// creation order.
func (s *Store) GetPending() ([]*Entry, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var entries []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("unmarshal overflow entry: %w", err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// claim reserves an entry for one replayer goroutine. Returns false if
// another goroutine holds it.
func (s *Store) claim(entryID string) bool {
	_, loaded := s.claimed.LoadOrStore(entryID, time.Now())
	return !loaded
}

// Stats returns store counters and the current pending depth.
func (s *Store) Stats() Stats {
	st := Stats{
		TotalWrites:   s.totalWrites.Load(),
		TotalConfirms: s.totalConfirms.Load(),
		TotalRetries:  s.totalRetries.Load(),
	}

	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			st.PendingCount++
		}
		return nil
	})

	metrics.OverflowPending.Set(float64(st.PendingCount))
	return st
}

// Close shuts the store down. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// RunGC reclaims value-log space on the given interval until the
// context is canceled. badger.ErrNoRewrite just means nothing to do.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Str("component", "overflow").Err(err).Msg("value log GC failed")
			}
		}
	}
}
