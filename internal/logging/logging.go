// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the zerolog logger shared by every component.
//
// Messages are upper-case event names (CHAT_CREATED, QUERY_COMMIT) with the
// details attached as structured fields. The level can be changed at runtime
// through the returned *Level, which is how config reloads take effect.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Format names accepted by New.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// ParseLevel converts a string level into zerolog.Level with a safe default.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "disabled", "off":
		return zerolog.Disabled
	case "info":
		fallthrough
	default:
		return zerolog.InfoLevel
	}
}

// =============================================================================
// RUNTIME LEVEL
// =============================================================================

// Level is a minimum log level that can be changed while loggers derived
// from New are in use.
type Level struct {
	v atomic.Int32
}

// Set changes the minimum level.
func (l *Level) Set(level zerolog.Level) {
	l.v.Store(int32(level))
	// the global floor defaults to debug and would swallow trace events
	if level < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
	}
}

// SetString parses s with ParseLevel and applies it.
func (l *Level) SetString(s string) {
	l.Set(ParseLevel(s))
}

// Get returns the current minimum level.
func (l *Level) Get() zerolog.Level {
	return zerolog.Level(l.v.Load())
}

// Run implements zerolog.Hook.
func (l *Level) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if level == zerolog.NoLevel {
		return
	}
	if cur := l.Get(); cur == zerolog.Disabled || level < cur {
		e.Discard()
	}
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// New returns a timestamped logger writing to w (stderr when nil) in the
// given format, together with the handle that controls its level.
func New(level, format string, w io.Writer) (zerolog.Logger, *Level) {
	if w == nil {
		w = os.Stderr
	}
	if strings.ToLower(format) != FormatJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	lvl := &Level{}
	lvl.SetString(level)

	logger := zerolog.New(w).
		With().
		Timestamp().
		Logger().
		Hook(lvl)
	return logger, lvl
}
