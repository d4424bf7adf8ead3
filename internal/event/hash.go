// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package event

import (
	"crypto/md5" //nolint:gosec // identity hashing only, matches the IDE's own scheme
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// Privacy rule: no rendered prompt text, response text, file contents, or
// absolute file paths leave a producer. Only hashes, lengths, extensions,
// and counts are carried in payloads. These helpers are shared by both
// monitors so the rule has one implementation.

// ContentHash returns a short SHA-256 hex digest of arbitrary content.
// Used wherever a payload needs to reference text without carrying it.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// WorkspaceHash returns the MD5 hex digest of a workspace root path.
// MD5 is deliberate: it matches the directory-name scheme Cursor uses
// under workspaceStorage, so the hash doubles as a lookup key there.
func WorkspaceHash(workspacePath string) string {
	sum := md5.Sum([]byte(workspacePath)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// FileExtension returns the lowercase extension of a path, without the
// dot, or "" when the path has none. The full path never leaves the
// producer; this is the only part of it that may.
func FileExtension(path string) string {
	ext := filepath.Ext(path)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
