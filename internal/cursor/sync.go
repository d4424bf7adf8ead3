// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package cursor

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/metrics"
)

// Cursor's storage schema: the user-level state.vscdb keeps composer
// and bubble records in cursorDiskKV under "composerData:<id>" and
// "bubbleId:<composerId>:<bubbleId>"; each workspace state.vscdb keeps
// its composer index and AI-service arrays in ItemTable.

type composerIndex struct {
	AllComposers []struct {
		ComposerID    string `json:"composerId"`
		Name          string `json:"name"`
		CreatedAt     int64  `json:"createdAt"`
		LastUpdatedAt int64  `json:"lastUpdatedAt"`
	} `json:"allComposers"`
}

type composerHeader struct {
	ComposerID    string `json:"composerId"`
	CreatedAt     int64  `json:"createdAt"`
	LastUpdatedAt int64  `json:"lastUpdatedAt"`
	Name          string `json:"name"`
	IsArchived    bool   `json:"isArchived"`
	HasUnread     bool   `json:"hasUnreadMessages"`

	FullConversationHeadersOnly []struct {
		BubbleID string `json:"bubbleId"`
		Type     int    `json:"type"`
	} `json:"fullConversationHeadersOnly"`
}

type bubbleRecord struct {
	BubbleID       string `json:"bubbleId"`
	ServerBubbleID string `json:"serverBubbleId"`
	Type           int    `json:"type"`
	Text           string `json:"text"`
	IsAgentic      bool   `json:"isAgentic"`
	TokenCount     *struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
	} `json:"tokenCount"`
}

type generationRecord struct {
	UnixMs          int64  `json:"unixMs"`
	GenerationUUID  string `json:"generationUUID"`
	Type            string `json:"type"`
	TextDescription string `json:"textDescription"`
}

type promptRecord struct {
	Text        string `json:"text"`
	CommandType int    `json:"commandType"`
}

// syncWorkspace reads one workspace database: it refreshes the composer
// registry the global pass depends on, then emits generation and prompt
// events past their watermarks.
func (m *UnifiedMonitor) syncWorkspace(ctx context.Context, l *listener) {
	m.syncComposerIndex(ctx, l)
	m.syncGenerations(ctx, l)
	m.syncPrompts(ctx, l)
}

func (m *UnifiedMonitor) syncComposerIndex(ctx context.Context, l *listener) {
	value, err := l.db.QueryValue(ctx,
		`SELECT value FROM ItemTable WHERE key = 'composer.composerData'`)
	if err != nil {
		m.recordRead(LevelWorkspace, err)
		return
	}
	metrics.CursorReads.WithLabelValues(LevelWorkspace, "ok").Inc()

	var index composerIndex
	if err := json.Unmarshal([]byte(value), &index); err != nil {
		m.logger.Warn().Err(err).Str("db", l.path).Msg("unparseable composer index")
		return
	}
	for _, c := range index.AllComposers {
		if c.ComposerID == "" {
			continue
		}
		m.registerComposer(c.ComposerID, composerScope{
			workspaceHash: l.workspaceHash,
			sessionID:     l.sessionID,
		})
	}
}

func (m *UnifiedMonitor) syncGenerations(ctx context.Context, l *listener) {
	const key = "aiService.generations"
	value, err := l.db.QueryValue(ctx,
		`SELECT value FROM ItemTable WHERE key = ?`, key)
	if err != nil {
		m.recordRead(LevelWorkspace, err)
		return
	}
	metrics.CursorReads.WithLabelValues(LevelWorkspace, "ok").Inc()

	var gens []generationRecord
	if err := json.Unmarshal([]byte(value), &gens); err != nil {
		m.logger.Warn().Err(err).Str("db", l.path).Msg("unparseable generations")
		return
	}

	highWater := m.watermarks.HighWater(LevelWorkspace, l.workspaceHash, key)
	var maxSeen int64
	for _, g := range gens {
		if g.UnixMs > maxSeen {
			maxSeen = g.UnixMs
		}
		if g.UnixMs <= highWater {
			continue
		}

		payload := map[string]any{
			"storage_level":  LevelWorkspace,
			"database_table": "ItemTable",
			"item_key":       key,
			"unix_ms":        g.UnixMs,
		}
		if g.GenerationUUID != "" {
			payload["generation_uuid"] = g.GenerationUUID
		}
		if g.Type != "" {
			payload["message_type"] = g.Type
		}
		if g.TextDescription != "" {
			payload["text_description"] = event.ContentHash(g.TextDescription)
		}
		m.emit(ctx, l.sessionID, l.workspaceHash, event.TypeGeneration, payload)
	}
	if maxSeen > highWater {
		m.watermarks.AdvanceTime(LevelWorkspace, l.workspaceHash, key, maxSeen)
	}
}

// syncPrompts uses the array length as its watermark: the prompts value
// is append-only and its entries carry no timestamps.
func (m *UnifiedMonitor) syncPrompts(ctx context.Context, l *listener) {
	const key = "aiService.prompts"
	value, err := l.db.QueryValue(ctx,
		`SELECT value FROM ItemTable WHERE key = ?`, key)
	if err != nil {
		m.recordRead(LevelWorkspace, err)
		return
	}
	metrics.CursorReads.WithLabelValues(LevelWorkspace, "ok").Inc()

	var prompts []promptRecord
	if err := json.Unmarshal([]byte(value), &prompts); err != nil {
		m.logger.Warn().Err(err).Str("db", l.path).Msg("unparseable prompts")
		return
	}

	seen := m.watermarks.HighWater(LevelWorkspace, l.workspaceHash, key)
	for i := int(seen); i < len(prompts); i++ {
		p := prompts[i]
		payload := map[string]any{
			"storage_level":  LevelWorkspace,
			"database_table": "ItemTable",
			"item_key":       key,
			"message_type":   "prompt",
			"selections":     p.CommandType,
		}
		if p.Text != "" {
			payload["text_description"] = event.ContentHash(p.Text)
		}
		m.emit(ctx, l.sessionID, l.workspaceHash, event.TypePrompt, payload)
	}
	if len(prompts) > int(seen) {
		m.watermarks.AdvanceTime(LevelWorkspace, l.workspaceHash, key, int64(len(prompts)))
	}
}

// syncGlobal reads the user-level database: changed composer headers
// and their bubbles, restricted to composers registered to an active
// workspace.
func (m *UnifiedMonitor) syncGlobal(ctx context.Context, l *listener) {
	type kv struct{ key, value string }
	var rows []kv

	err := l.db.QueryRows(ctx,
		`SELECT key, value FROM cursorDiskKV WHERE key LIKE 'composerData:%'`,
		func(r *sql.Rows) error {
			var row kv
			if err := r.Scan(&row.key, &row.value); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	if err != nil {
		m.recordRead(LevelGlobal, err)
		return
	}
	metrics.CursorReads.WithLabelValues(LevelGlobal, "ok").Inc()

	for _, row := range rows {
		composerID := strings.TrimPrefix(row.key, "composerData:")
		scope, active := m.composerSession(composerID)
		if !active {
			continue
		}
		if !m.watermarks.AdvanceDigest(LevelGlobal, scope.workspaceHash, row.key, []byte(row.value)) {
			continue
		}

		var header composerHeader
		if err := json.Unmarshal([]byte(row.value), &header); err != nil {
			m.logger.Warn().Err(err).Str("composer_id", composerID).Msg("unparseable composer record")
			continue
		}

		payload := map[string]any{
			"storage_level":       LevelGlobal,
			"database_table":      "cursorDiskKV",
			"item_key":            row.key,
			"composer_id":         composerID,
			"is_archived":         header.IsArchived,
			"has_unread_messages": header.HasUnread,
			"relevant_files":      len(header.FullConversationHeadersOnly),
		}
		if header.LastUpdatedAt > 0 {
			payload["unix_ms"] = header.LastUpdatedAt
		}
		if header.CreatedAt > 0 {
			payload["client_start_time"] = header.CreatedAt
		}
		if header.Name != "" {
			payload["text_description"] = event.ContentHash(header.Name)
		}
		m.emit(ctx, scope.sessionID, scope.workspaceHash, event.TypeComposer, payload)

		m.syncBubbles(ctx, l, composerID, scope)
	}
}

func (m *UnifiedMonitor) syncBubbles(ctx context.Context, l *listener, composerID string, scope composerScope) {
	type kv struct{ key, value string }
	var rows []kv

	err := l.db.QueryRows(ctx,
		`SELECT key, value FROM cursorDiskKV WHERE key LIKE ?`,
		func(r *sql.Rows) error {
			var row kv
			if err := r.Scan(&row.key, &row.value); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		},
		"bubbleId:"+composerID+":%")
	if err != nil {
		m.recordRead(LevelGlobal, err)
		return
	}
	metrics.CursorReads.WithLabelValues(LevelGlobal, "ok").Inc()

	for _, row := range rows {
		if !m.watermarks.AdvanceDigest(LevelGlobal, scope.workspaceHash, row.key, []byte(row.value)) {
			continue
		}

		var bubble bubbleRecord
		if err := json.Unmarshal([]byte(row.value), &bubble); err != nil {
			m.logger.Warn().Err(err).Str("key", row.key).Msg("unparseable bubble record")
			continue
		}
		if bubble.BubbleID == "" {
			// The key carries the identity even when the value omits it.
			parts := strings.SplitN(row.key, ":", 3)
			if len(parts) == 3 {
				bubble.BubbleID = parts[2]
			}
		}

		payload := map[string]any{
			"storage_level":  LevelGlobal,
			"database_table": "cursorDiskKV",
			"item_key":       row.key,
			"composer_id":    composerID,
			"bubble_id":      bubble.BubbleID,
			"message_type":   bubbleMessageType(bubble.Type),
			"is_agentic":     bubble.IsAgentic,
		}
		if bubble.ServerBubbleID != "" {
			payload["server_bubble_id"] = bubble.ServerBubbleID
		}
		if bubble.Text != "" {
			payload["raw_text"] = event.ContentHash(bubble.Text)
			payload["text_description"] = event.ContentHash(bubble.Text)
		}
		if bubble.TokenCount != nil {
			payload["token_count_up_until_here"] = bubble.TokenCount.InputTokens + bubble.TokenCount.OutputTokens
		}
		m.emit(ctx, scope.sessionID, scope.workspaceHash, event.TypeBubble, payload)
	}
}

// emit publishes one envelope. Publish failures are logged and dropped
// here; the publisher's overflow store already absorbed any bus outage,
// so a failure at this point is a local durability problem the next
// sync pass cannot fix by retrying.
func (m *UnifiedMonitor) emit(ctx context.Context, sessionID, workspaceHash, eventType string, payload map[string]any) {
	env := event.New(event.PlatformCursor, eventType, sessionID)
	env.Metadata.Source = event.SourceUnifiedMonitor
	env.Metadata.WorkspaceHash = workspaceHash

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error().Err(err).Str("event_type", eventType).Msg("marshal payload")
		return
	}
	env.Payload = data

	if err := m.publisher.PublishEnvelope(ctx, env); err != nil {
		m.logger.Error().Err(err).Str("event_id", env.EventID).Msg("publish cursor event")
		if m.registry != nil {
			m.registry.SetDegraded(ComponentMonitor, err)
		}
		return
	}
	metrics.CursorEventsEmitted.WithLabelValues(eventType).Inc()
}

// recordRead classifies a failed IDE read for metrics. Missing keys are
// normal (feature never used in that workspace) and are not errors.
func (m *UnifiedMonitor) recordRead(level string, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		metrics.CursorReads.WithLabelValues(level, "ok").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		metrics.CursorReads.WithLabelValues(level, "timeout").Inc()
		m.logger.Warn().Err(err).Msg("ide read timed out")
	default:
		metrics.CursorReads.WithLabelValues(level, "error").Inc()
		m.logger.Warn().Err(err).Msg("ide read failed")
	}
}

// bubbleMessageType renders Cursor's numeric bubble type: 1 user,
// 2 assistant.
func bubbleMessageType(t int) string {
	switch t {
	case 1:
		return "1"
	case 2:
		return "2"
	default:
		return ""
	}
}
