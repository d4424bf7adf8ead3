// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package claude

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueplane/telemetry-core/internal/event"
)

// transcriptRecord is one JSONL line of a Claude Code transcript. Only
// the fields the pipeline indexes are decoded; the rendered content is
// reduced to a hash before it leaves this package.
type transcriptRecord struct {
	Type       string `json:"type"`
	UUID       string `json:"uuid"`
	ParentUUID string `json:"parentUuid"`
	SessionID  string `json:"sessionId"`
	Timestamp  string `json:"timestamp"`
	IsSidechain bool  `json:"isSidechain"`
	CWD        string `json:"cwd"`
	GitBranch  string `json:"gitBranch"`

	Message *struct {
		Role    string          `json:"role"`
		Model   string          `json:"model"`
		Content json.RawMessage `json:"content"`
		Usage   *struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`

	ToolUseResult *struct {
		AgentID      string `json:"agentId"`
		DurationMs   *int64 `json:"durationMs"`
		LinesAdded   *int64 `json:"linesAdded"`
		LinesRemoved *int64 `json:"linesRemoved"`
		FilePath     string `json:"filePath"`
	} `json:"toolUseResult"`
}

// recordPayload is the privacy-reduced payload published for one
// transcript record. Content is represented by hash and length only.
type recordPayload struct {
	UUID          string `json:"uuid"`
	ParentUUID    string `json:"parent_uuid,omitempty"`
	Role          string `json:"role,omitempty"`
	Model         string `json:"model,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
	ContentLength int    `json:"content_length,omitempty"`
	TokensUsed    *int64 `json:"tokens_used,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	DurationMs    *int64 `json:"duration_ms,omitempty"`
	LinesAdded    *int64 `json:"lines_added,omitempty"`
	LinesRemoved  *int64 `json:"lines_removed,omitempty"`
	FileExtension string `json:"file_extension,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	IsSidechain   bool   `json:"is_sidechain,omitempty"`
	GitBranch     string `json:"git_branch,omitempty"`
}

// parseLine converts one transcript line into an envelope. The second
// return value is the agent ID discovered in a tool result, if any, so
// the monitor can start tailing agent-<id>.jsonl without waiting for
// the next directory walk.
func parseLine(line []byte, path string) (*event.Envelope, string, error) {
	var rec transcriptRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, "", fmt.Errorf("parse transcript line: %w", err)
	}
	if rec.Type == "" {
		return nil, "", fmt.Errorf("transcript line has no type")
	}
	if rec.UUID == "" {
		return nil, "", fmt.Errorf("transcript line has no uuid")
	}

	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = sessionIDFromPath(path)
	}
	if sessionID == "" {
		return nil, "", fmt.Errorf("transcript line has no session identity")
	}

	env := event.New(event.PlatformClaudeCode, rec.Type, sessionID)
	// The record's uuid is stable, so a re-read of the same line carries
	// the same event ID and dies in the broker's dedup window.
	env.EventID = event.DeterministicID(event.PlatformClaudeCode, sessionID, rec.UUID)
	env.Metadata.Source = event.SourceJSONLMonitor
	if ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
		env.Timestamp = ts.UTC()
	}
	// The working directory is an absolute path; only its hash travels.
	if rec.CWD != "" {
		env.Metadata.WorkspaceHash = event.WorkspaceHash(rec.CWD)
	}

	payload := recordPayload{
		UUID:        rec.UUID,
		ParentUUID:  rec.ParentUUID,
		IsSidechain: rec.IsSidechain,
		GitBranch:   rec.GitBranch,
	}

	if rec.Message != nil {
		payload.Role = rec.Message.Role
		payload.Model = rec.Message.Model
		if text := contentText(rec.Message.Content); text != "" {
			payload.ContentHash = event.ContentHash(text)
			payload.ContentLength = len(text)
		}
		payload.ToolName = toolName(rec.Message.Content)
		if rec.Message.Usage != nil {
			total := rec.Message.Usage.InputTokens + rec.Message.Usage.OutputTokens
			payload.TokensUsed = &total
		}
	}

	var agentID string
	if r := rec.ToolUseResult; r != nil {
		payload.DurationMs = r.DurationMs
		payload.LinesAdded = r.LinesAdded
		payload.LinesRemoved = r.LinesRemoved
		if r.FilePath != "" {
			payload.FileExtension = event.FileExtension(r.FilePath)
		}
		payload.AgentID = r.AgentID
		agentID = r.AgentID
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal record payload: %w", err)
	}
	env.Payload = data

	return env, agentID, nil
}

// sessionIDFromPath derives the session identity from the transcript
// filename: <session-uuid>.jsonl, or agent-<id>.jsonl for subagents.
func sessionIDFromPath(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".jsonl")
	return name
}

// contentText flattens a message content field to hashable text.
// Content is either a plain string or a list of typed blocks; only the
// text blocks contribute.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" && blk.Text != "" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// toolName extracts the tool name from a tool_use content block, "" for
// plain messages.
func toolName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var blocks []struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	for _, blk := range blocks {
		if blk.Type == "tool_use" && blk.Name != "" {
			return blk.Name
		}
	}
	return ""
}
