// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search entirely.
const ConfigPathEnvVar = "BP_CONFIG_PATH"

// EnvPrefix is the prefix recognized on environment overrides.
// BP_MQ_HOST -> mq.host, BP_SESSION_TIMEOUT_HOURS -> session.timeout_hours.
const EnvPrefix = "BP_"

// Load builds the configuration from defaults, the optional YAML file,
// and BP_* environment variables, in that precedence order.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(defaults.Paths.DataDir); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile locates the YAML config file: BP_CONFIG_PATH first, then
// <data_dir>/config.yaml. Returns "" when no file exists (defaults apply).
func findConfigFile(dataDir string) string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, name := range []string{"config.yaml", "config.yml"} {
		path := filepath.Join(dataDir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps BP_* environment variable names to koanf paths.
//
// Multi-word leaf keys (stream_max_len, poll_interval_s, ...) make a
// naive underscore-to-dot transform ambiguous, so the mapping is an
// explicit table. Unknown keys are skipped, which keeps unrelated BP_*
// variables from polluting the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))

	envMappings := map[string]string{
		// Paths
		"paths_data_dir":                 "paths.data_dir",
		"paths_cursor_global_db":         "paths.cursor.global_db",
		"paths_cursor_workspace_storage": "paths.cursor.workspace_storage",
		"paths_claude_projects_dir":      "paths.claude.projects_dir",

		// MQ
		"mq_host":              "mq.host",
		"mq_port":              "mq.port",
		"mq_embedded":          "mq.embedded",
		"mq_store_dir":         "mq.store_dir",
		"mq_stream_max_len":    "mq.stream_max_len",
		"mq_max_retries":       "mq.max_retries",
		"mq_claim_min_idle_ms": "mq.claim_min_idle_ms",

		// Store
		"store_compression_level": "store.compression_level",
		"store_wal":               "store.wal",
		"store_busy_timeout_ms":   "store.busy_timeout_ms",
		"store_batch_size":        "store.batch_size",
		"store_flush_interval_ms": "store.flush_interval_ms",

		// Monitoring
		"monitoring_cursor_poll_interval_s": "monitoring.cursor.poll_interval_s",
		"monitoring_cursor_debounce_s":      "monitoring.cursor.debounce_s",
		"monitoring_cursor_query_timeout_s": "monitoring.cursor.query_timeout_s",
		"monitoring_claude_poll_interval_s": "monitoring.claude.poll_interval_s",

		// Session / dedup
		"session_timeout_hours":            "session.timeout_hours",
		"session_timeout_sweep_interval_s": "session.timeout_sweep_interval_s",
		"dedup_window_hours":               "dedup.window_hours",

		// Features
		"features_claude":        "features.claude",
		"features_cursor":        "features.cursor",
		"features_metrics":       "features.metrics",
		"features_conversations": "features.conversations",

		// Logging
		"logging_level":  "logging.level",
		"logging_format": "logging.format",
		"logging_file":   "logging.file",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
