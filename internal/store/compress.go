// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package store

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// Compressor deflates envelope JSON before it lands in the event_data
// BLOB. Level 0 writes stored (uncompressed) blocks for debugging; the
// output is a zlib stream either way, so readers never need to know the
// level a row was written with.
type Compressor struct {
	level int
}

// NewCompressor creates a compressor at the given deflate level (0-9).
func NewCompressor(level int) *Compressor {
	if level < 0 || level > 9 {
		level = zlib.DefaultCompression
	}
	return &Compressor{level: level}
}

// Compress deflates data at the configured level.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("init deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates an event_data blob.
func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("init inflate reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return out, nil
}
