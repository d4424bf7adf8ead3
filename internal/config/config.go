// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

// Package config provides layered configuration for the telemetry pipeline.
//
// Precedence, later overrides earlier:
//  1. Built-in defaults
//  2. YAML config file at <data_dir>/config.yaml (or CONFIG_PATH)
//  3. Environment variables with the BP_ prefix (BP_MQ_HOST -> mq.host)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the process-wide configuration structure. One instance is
// created at startup and passed through constructors; no hidden singletons.
type Config struct {
	Paths      PathsConfig      `koanf:"paths"`
	MQ         MQConfig         `koanf:"mq"`
	Store      StoreConfig      `koanf:"store"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Session    SessionConfig    `koanf:"session"`
	Dedup      DedupConfig      `koanf:"dedup"`
	Features   FeaturesConfig   `koanf:"features"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// PathsConfig locates the data directory and the host-IDE inputs.
type PathsConfig struct {
	// DataDir holds telemetry.db, workspace_db_cache.json, the overflow
	// store, and the optional config.yaml.
	DataDir string       `koanf:"data_dir"`
	Cursor  CursorPaths  `koanf:"cursor"`
	Claude  ClaudePaths  `koanf:"claude"`
}

// CursorPaths locates the IDE-owned SQLite databases. Both are strictly
// read-only from this process.
type CursorPaths struct {
	GlobalDB         string `koanf:"global_db"`
	WorkspaceStorage string `koanf:"workspace_storage"`
}

// ClaudePaths locates the JSONL transcript tree.
type ClaudePaths struct {
	ProjectsDir string `koanf:"projects_dir"`
}

// MQConfig configures the NATS JetStream bus.
type MQConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// Embedded runs an in-process NATS server so the pipeline needs no
	// external services. When false, Host/Port must point at a running
	// server.
	Embedded bool `koanf:"embedded"`

	// StoreDir is the JetStream file-storage directory for the embedded
	// server. Defaults to <data_dir>/jetstream.
	StoreDir string `koanf:"store_dir"`

	// StreamMaxLen caps each stream; older entries are trimmed
	// approximately once the bound is exceeded.
	StreamMaxLen int64 `koanf:"stream_max_len"`

	// MaxRetries is the delivery count after which a record is routed to
	// the DLQ and evicted from the pending set.
	MaxRetries int `koanf:"max_retries"`

	// ClaimMinIdleMs is how long a delivered-but-unacked entry may sit
	// before the bus redelivers it to another consumer.
	ClaimMinIdleMs int `koanf:"claim_min_idle_ms"`
}

// URL renders the client connection URL.
func (m MQConfig) URL() string {
	return fmt.Sprintf("nats://%s:%d", m.Host, m.Port)
}

// AckWait converts the claim idle threshold to a duration.
func (m MQConfig) AckWait() time.Duration {
	return time.Duration(m.ClaimMinIdleMs) * time.Millisecond
}

// StoreConfig tunes the embedded SQLite store.
type StoreConfig struct {
	// CompressionLevel is the deflate level for envelope blobs.
	// 0 disables compression (debugging); 6 is the default target.
	CompressionLevel int  `koanf:"compression_level"`
	WAL              bool `koanf:"wal"`
	BusyTimeoutMs    int  `koanf:"busy_timeout_ms"`

	// BatchSize and FlushIntervalMs are the batch writer triggers.
	BatchSize       int `koanf:"batch_size"`
	FlushIntervalMs int `koanf:"flush_interval_ms"`
}

// FlushInterval converts the flush trigger to a duration.
func (s StoreConfig) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMs) * time.Millisecond
}

// MonitoringConfig tunes the host-IDE monitors.
type MonitoringConfig struct {
	Cursor CursorMonitoringConfig `koanf:"cursor"`
	Claude ClaudeMonitoringConfig `koanf:"claude"`
}

// CursorMonitoringConfig tunes the unified Cursor DB monitor. Every read
// against an IDE-owned database is timeboxed by QueryTimeoutSecs.
type CursorMonitoringConfig struct {
	PollIntervalSecs float64 `koanf:"poll_interval_s"`
	DebounceSecs     float64 `koanf:"debounce_s"`
	QueryTimeoutSecs float64 `koanf:"query_timeout_s"`
}

func (c CursorMonitoringConfig) PollInterval() time.Duration {
	return secs(c.PollIntervalSecs)
}

func (c CursorMonitoringConfig) Debounce() time.Duration {
	return secs(c.DebounceSecs)
}

func (c CursorMonitoringConfig) QueryTimeout() time.Duration {
	return secs(c.QueryTimeoutSecs)
}

// ClaudeMonitoringConfig tunes the JSONL tail monitor.
type ClaudeMonitoringConfig struct {
	PollIntervalSecs float64 `koanf:"poll_interval_s"`
}

func (c ClaudeMonitoringConfig) PollInterval() time.Duration {
	return secs(c.PollIntervalSecs)
}

// SessionConfig tunes session lifecycle resolution.
type SessionConfig struct {
	TimeoutHours          float64 `koanf:"timeout_hours"`
	TimeoutSweepIntervalS float64 `koanf:"timeout_sweep_interval_s"`
}

func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutHours * float64(time.Hour))
}

func (s SessionConfig) SweepInterval() time.Duration {
	return secs(s.TimeoutSweepIntervalS)
}

// DedupConfig tunes the fast-path duplicate suppression window.
type DedupConfig struct {
	WindowHours float64 `koanf:"window_hours"`
}

func (d DedupConfig) Window() time.Duration {
	return time.Duration(d.WindowHours * float64(time.Hour))
}

// FeaturesConfig toggles whole subsystems.
type FeaturesConfig struct {
	Claude        bool `koanf:"claude"`
	Cursor        bool `koanf:"cursor"`
	Metrics       bool `koanf:"metrics"`
	Conversations bool `koanf:"conversations"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// defaultConfig returns a Config with all sensible default values.
// These are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	home, _ := os.UserHomeDir()

	cursorGlobal, cursorWorkspaces := defaultCursorPaths(home)

	return &Config{
		Paths: PathsConfig{
			DataDir: filepath.Join(home, ".blueplane"),
			Cursor: CursorPaths{
				GlobalDB:         cursorGlobal,
				WorkspaceStorage: cursorWorkspaces,
			},
			Claude: ClaudePaths{
				ProjectsDir: filepath.Join(home, ".claude", "projects"),
			},
		},
		MQ: MQConfig{
			Host:           "127.0.0.1",
			Port:           4222,
			Embedded:       true,
			StreamMaxLen:   10_000,
			MaxRetries:     3,
			ClaimMinIdleMs: 60_000,
		},
		Store: StoreConfig{
			CompressionLevel: 6,
			WAL:              true,
			BusyTimeoutMs:    5_000,
			BatchSize:        100,
			FlushIntervalMs:  100,
		},
		Monitoring: MonitoringConfig{
			Cursor: CursorMonitoringConfig{
				PollIntervalSecs: 60,
				DebounceSecs:     10,
				QueryTimeoutSecs: 1.5,
			},
			Claude: ClaudeMonitoringConfig{
				PollIntervalSecs: 5,
			},
		},
		Session: SessionConfig{
			TimeoutHours:          24,
			TimeoutSweepIntervalS: 3_600,
		},
		Dedup: DedupConfig{
			WindowHours: 24,
		},
		Features: FeaturesConfig{
			Claude:        true,
			Cursor:        true,
			Metrics:       true,
			Conversations: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// defaultCursorPaths returns the IDE storage locations for the current OS.
func defaultCursorPaths(home string) (globalDB, workspaceStorage string) {
	switch runtime.GOOS {
	case "darwin":
		base := filepath.Join(home, "Library", "Application Support", "Cursor", "User")
		return filepath.Join(base, "globalStorage", "state.vscdb"),
			filepath.Join(base, "workspaceStorage")
	case "windows":
		base := filepath.Join(os.Getenv("APPDATA"), "Cursor", "User")
		return filepath.Join(base, "globalStorage", "state.vscdb"),
			filepath.Join(base, "workspaceStorage")
	default:
		base := filepath.Join(home, ".config", "Cursor", "User")
		return filepath.Join(base, "globalStorage", "state.vscdb"),
			filepath.Join(base, "workspaceStorage")
	}
}

// Validate checks the configuration for fatal errors. A validation
// failure is a startup error (exit code 2); it never occurs in steady
// state.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if c.MQ.Port <= 0 || c.MQ.Port > 65535 {
		return fmt.Errorf("mq.port %d out of range", c.MQ.Port)
	}
	if c.MQ.StreamMaxLen <= 0 {
		return fmt.Errorf("mq.stream_max_len must be positive")
	}
	if c.MQ.MaxRetries < 1 {
		return fmt.Errorf("mq.max_retries must be at least 1")
	}
	if c.Store.CompressionLevel < 0 || c.Store.CompressionLevel > 9 {
		return fmt.Errorf("store.compression_level %d out of range 0-9", c.Store.CompressionLevel)
	}
	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be positive")
	}
	if c.Monitoring.Cursor.QueryTimeoutSecs <= 0 || c.Monitoring.Cursor.QueryTimeoutSecs > 2 {
		return fmt.Errorf("monitoring.cursor.query_timeout_s must be in (0, 2]")
	}
	if c.Session.TimeoutHours <= 0 {
		return fmt.Errorf("session.timeout_hours must be positive")
	}
	switch c.Logging.Format {
	case "", "json", "text", "console":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}
	return nil
}

// StorePath is the embedded database location.
func (c *Config) StorePath() string {
	return filepath.Join(c.Paths.DataDir, "telemetry.db")
}

// MappingCachePath is the persistent workspace mapping cache location.
func (c *Config) MappingCachePath() string {
	return filepath.Join(c.Paths.DataDir, "workspace_db_cache.json")
}

// TailStatePath is where the Claude transcript tailer persists its
// per-file offsets.
func (c *Config) TailStatePath() string {
	return filepath.Join(c.Paths.DataDir, "claude_tail_state.json")
}

// WatermarkPath is where the Cursor monitor persists its sync
// watermarks.
func (c *Config) WatermarkPath() string {
	return filepath.Join(c.Paths.DataDir, "cursor_watermarks.json")
}

// OverflowPath is the producer overflow store location.
func (c *Config) OverflowPath() string {
	return filepath.Join(c.Paths.DataDir, "overflow")
}

// JetStreamDir is the embedded server storage directory.
func (c *Config) JetStreamDir() string {
	if c.MQ.StoreDir != "" {
		return c.MQ.StoreDir
	}
	return filepath.Join(c.Paths.DataDir, "jetstream")
}

// PIDPath is where `server start` records the process ID for stop/status.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "blueplane.pid")
}

// HealthPath is the health snapshot file the server refreshes and the
// status command reads.
func (c *Config) HealthPath() string {
	return filepath.Join(c.Paths.DataDir, "health.json")
}

// DaemonLogPath is where a daemonized server's output goes.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.Paths.DataDir, "blueplane.log")
}
