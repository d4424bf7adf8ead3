// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package cursor

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/event"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/blueplane/telemetry-core/internal/store"
)

// probeBudget bounds the content-probe fallback across all candidate
// databases in one resolution attempt.
const probeBudget = 2 * time.Second

// Mapper resolves a workspace identity to its per-workspace state.vscdb
// under Cursor's workspaceStorage. Resolution order: memory cache,
// persistent JSON cache, MD5 directory-name match, content probe.
// A miss is normal (workspace never opened in Cursor); the next
// session_start retries.
type Mapper struct {
	storageDir string
	cachePath  string
	logger     zerolog.Logger

	mu    sync.Mutex
	cache map[string]string // workspace_hash -> state.vscdb path
}

// NewMapper creates a mapper over Cursor's workspaceStorage directory,
// loading the persistent cache if present. Entries whose target file no
// longer exists are dropped on load.
func NewMapper(storageDir, cachePath string) *Mapper {
	m := &Mapper{
		storageDir: storageDir,
		cachePath:  cachePath,
		cache:      make(map[string]string),
		logger:     logging.With().Str("component", "workspace-mapper").Logger(),
	}
	m.loadCache()
	return m
}

func (m *Mapper) loadCache() {
	data, err := os.ReadFile(m.cachePath)
	if err != nil {
		return
	}

	var persisted map[string]string
	if err := json.Unmarshal(data, &persisted); err != nil {
		m.logger.Warn().Err(err).Str("file", m.cachePath).Msg("unreadable mapping cache, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, path := range persisted {
		if _, err := os.Stat(path); err == nil {
			m.cache[hash] = path
		}
	}
}

// Resolve returns the state.vscdb path for a workspace. workspacePath
// may be empty when the producer only knew the hash.
func (m *Mapper) Resolve(ctx context.Context, workspaceHash, workspacePath string) (string, bool) {
	if workspaceHash == "" && workspacePath != "" {
		workspaceHash = event.WorkspaceHash(workspacePath)
	}
	if workspaceHash == "" {
		return "", false
	}

	// Memory cache, revalidated: Cursor may have cleaned the storage dir.
	m.mu.Lock()
	cached, ok := m.cache[workspaceHash]
	m.mu.Unlock()
	if ok {
		if _, err := os.Stat(cached); err == nil {
			return cached, true
		}
		m.drop(workspaceHash)
	}

	// Cursor names workspaceStorage directories with the MD5 of the
	// workspace path, which is exactly our workspace hash.
	direct := filepath.Join(m.storageDir, workspaceHash, "state.vscdb")
	if _, err := os.Stat(direct); err == nil {
		m.record(workspaceHash, direct)
		return direct, true
	}

	if workspacePath == "" {
		return "", false
	}

	path, ok := m.probe(ctx, workspaceHash, workspacePath)
	if !ok {
		return "", false
	}
	m.record(workspaceHash, path)
	return path, true
}

// probe walks every workspaceStorage entry looking for one whose
// metadata references the workspace path. The whole walk shares one
// time budget; running out is a miss, not an error.
func (m *Mapper) probe(ctx context.Context, workspaceHash, workspacePath string) (string, bool) {
	pctx, cancel := context.WithTimeout(ctx, probeBudget)
	defer cancel()

	entries, err := os.ReadDir(m.storageDir)
	if err != nil {
		return "", false
	}

	for _, entry := range entries {
		if pctx.Err() != nil {
			m.logger.Debug().Str("workspace_hash", workspaceHash).Msg("probe budget exhausted")
			return "", false
		}
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(m.storageDir, entry.Name())

		// workspace.json carries the folder URI and needs no DB open.
		if meta, err := os.ReadFile(filepath.Join(dir, "workspace.json")); err == nil {
			var ws struct {
				Folder string `json:"folder"`
			}
			if json.Unmarshal(meta, &ws) == nil && folderMatches(ws.Folder, workspacePath) {
				dbPath := filepath.Join(dir, "state.vscdb")
				if _, err := os.Stat(dbPath); err == nil {
					return dbPath, true
				}
			}
			continue
		}

		// No metadata file: open the DB itself and look for the path in
		// the editor history.
		dbPath := filepath.Join(dir, "state.vscdb")
		if _, err := os.Stat(dbPath); err != nil {
			continue
		}
		if m.dbReferencesPath(pctx, dbPath, workspacePath) {
			return dbPath, true
		}
	}
	return "", false
}

func (m *Mapper) dbReferencesPath(ctx context.Context, dbPath, workspacePath string) bool {
	db, err := store.OpenReadOnly(dbPath, 500*time.Millisecond, 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer db.Close()

	v, err := db.QueryValue(ctx,
		`SELECT value FROM ItemTable WHERE key = 'history.entries'`)
	if err != nil {
		return false
	}
	return strings.Contains(v, workspacePath)
}

func folderMatches(folderURI, workspacePath string) bool {
	if folderURI == "" {
		return false
	}
	path := strings.TrimPrefix(folderURI, "file://")
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	return filepath.Clean(path) == filepath.Clean(workspacePath)
}

func (m *Mapper) record(workspaceHash, dbPath string) {
	m.mu.Lock()
	m.cache[workspaceHash] = dbPath
	m.mu.Unlock()
	m.persist()
}

func (m *Mapper) drop(workspaceHash string) {
	m.mu.Lock()
	delete(m.cache, workspaceHash)
	m.mu.Unlock()
	m.persist()
}

// persist rewrites the cache file atomically. Losing the file costs a
// re-probe, never correctness, so persistence failures only warn.
func (m *Mapper) persist() {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.cache))
	for k, v := range m.cache {
		snapshot[k] = v
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		m.logger.Warn().Err(err).Msg("marshal mapping cache")
		return
	}

	tmp := m.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.logger.Warn().Err(err).Str("file", tmp).Msg("write mapping cache")
		return
	}
	if err := os.Rename(tmp, m.cachePath); err != nil {
		m.logger.Warn().Err(err).Str("file", m.cachePath).Msg("replace mapping cache")
	}
}

// Flush writes the cache to disk. Called at shutdown.
func (m *Mapper) Flush() {
	m.persist()
}

// Len returns the number of cached mappings.
func (m *Mapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}
