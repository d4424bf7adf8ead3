// Blueplane Telemetry Core - Local AI Coding Activity Capture
// Copyright 2026 Blueplane Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/blueplane/telemetry-core

package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// Slog returns an *slog.Logger that forwards records to the global
// zerolog logger. Libraries that speak log/slog (the supervisor's event
// hook) log through this so everything lands in one stream with one
// shape.
func Slog() *slog.Logger {
	return slog.New(&slogBridge{})
}

// slogBridge adapts slog records onto zerolog events. Group names are
// flattened into dotted key prefixes.
type slogBridge struct {
	attrs  []slog.Attr
	groups []string
}

func (b *slogBridge) Enabled(_ context.Context, level slog.Level) bool {
	return slogLevel(level) >= zerolog.GlobalLevel()
}

func (b *slogBridge) Handle(_ context.Context, rec slog.Record) error {
	logger := Logger()
	ev := logger.WithLevel(slogLevel(rec.Level))

	// Stored attrs were prefixed when added; only record attrs carry
	// the current group prefix.
	for _, attr := range b.attrs {
		ev = ev.Interface(attr.Key, attr.Value.Resolve().Any())
	}
	rec.Attrs(func(attr slog.Attr) bool {
		ev = ev.Interface(b.key(attr.Key), attr.Value.Resolve().Any())
		return true
	})

	ev.Msg(rec.Message)
	return nil
}

func (b *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogBridge{
		attrs:  make([]slog.Attr, 0, len(b.attrs)+len(attrs)),
		groups: b.groups,
	}
	next.attrs = append(next.attrs, b.attrs...)
	for _, attr := range attrs {
		attr.Key = b.key(attr.Key)
		next.attrs = append(next.attrs, attr)
	}
	return next
}

func (b *slogBridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}
	groups := make([]string, 0, len(b.groups)+1)
	groups = append(groups, b.groups...)
	groups = append(groups, name)
	return &slogBridge{attrs: b.attrs, groups: groups}
}

func (b *slogBridge) key(k string) string {
	for i := len(b.groups) - 1; i >= 0; i-- {
		k = b.groups[i] + "." + k
	}
	return k
}

func slogLevel(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelDebug:
		return zerolog.TraceLevel
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
