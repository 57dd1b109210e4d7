// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNew_JSONEventNames(t *testing.T) {
	var buf bytes.Buffer
	log, _ := New("info", FormatJSON, &buf)

	log.Info().Str("chat_id", "abc").Msg("CHAT_CREATED")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "CHAT_CREATED", entry["message"])
	assert.Equal(t, "abc", entry["chat_id"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "time")
}

func TestLevel_ChangesAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	log, lvl := New("warn", FormatJSON, &buf)
	child := log.With().Str("component", "proxy").Logger()

	child.Info().Msg("HIDDEN")
	assert.Zero(t, buf.Len())

	lvl.SetString("debug")
	child.Debug().Msg("VISIBLE")
	assert.Contains(t, buf.String(), "VISIBLE")

	buf.Reset()
	lvl.Set(zerolog.Disabled)
	child.Error().Msg("ALSO_HIDDEN")
	assert.Zero(t, buf.Len())
}

func TestNew_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, _ := New("info", FormatConsole, &buf)
	log.Info().Msg("SERVER_STARTED")
	assert.Contains(t, buf.String(), "SERVER_STARTED")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
