// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv isolates a test from CHATD_* variables set in the outer shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CHATD_ADDR", "CHATD_OLLAMA_URL", "CHATD_MODEL", "CHATD_AUTOSTART",
		"CHATD_DATA_DIR", "CHATD_STORAGE", "CHATD_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("HOME", t.TempDir())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:11434", cfg.Backend.URL)
	assert.Equal(t, "deepseek-r1:latest", cfg.Backend.Model)
	assert.Equal(t, 5, cfg.Backend.StartAttempts)
	assert.Equal(t, time.Second, cfg.Backend.StartInterval())
	assert.Equal(t, 2*time.Second, cfg.Backend.ProbeTimeout())
	assert.True(t, cfg.Backend.Autostart)
	assert.Equal(t, "file", cfg.Storage.Backend)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".rigrun-chatd", "chats"), cfg.Storage.Dir)
	assert.Equal(t, "info", cfg.Log.Level)
}

// =============================================================================
// FILE FORMATS
// =============================================================================

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "c.toml", "[backend]\nmodel = \"llama3\"\n[storage]\nbackend = \"sqlite\"\n"},
		{"yaml", "c.yaml", "backend:\n  model: llama3\nstorage:\n  backend: sqlite\n"},
		{"yml", "c.yml", "backend:\n  model: llama3\nstorage:\n  backend: sqlite\n"},
		{"json", "c.json", `{"backend":{"model":"llama3"},"storage":{"backend":"sqlite"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.content)

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "llama3", cfg.Backend.Model)
			assert.Equal(t, "sqlite", cfg.Storage.Backend)
			// untouched fields keep defaults
			assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr)
			assert.True(t, cfg.Backend.Autostart)
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	writeFile(t, path, "[backend\nmodel = ")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg := Default()
	cfg.Backend.Model = "qwen2"
	cfg.Server.TrustedProxies = []string{"10.0.0.1"}
	require.NoError(t, SaveTOML(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# rigrun-chatd configuration file"))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen2", loaded.Backend.Model)
	assert.Equal(t, []string{"10.0.0.1"}, loaded.Server.TrustedProxies)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "c.toml")
	writeFile(t, path, "[backend]\nmodel = \"from-file\"\n")

	t.Setenv("CHATD_ADDR", "0.0.0.0:9000")
	t.Setenv("CHATD_OLLAMA_URL", "http://gpu-box:11434/")
	t.Setenv("CHATD_MODEL", "from-env")
	t.Setenv("CHATD_AUTOSTART", "false")
	t.Setenv("CHATD_DATA_DIR", "/srv/chats")
	t.Setenv("CHATD_STORAGE", "sqlite")
	t.Setenv("CHATD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "http://gpu-box:11434", cfg.Backend.URL)
	assert.Equal(t, "from-env", cfg.Backend.Model)
	assert.False(t, cfg.Backend.Autostart)
	assert.Equal(t, "/srv/chats", cfg.Storage.Dir)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvOverrides_BadBoolIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATD_AUTOSTART", "maybe")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Backend.Autostart)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = "no-port"
	cfg.Backend.URL = "ftp://x"
	cfg.Backend.StartAttempts = 0
	cfg.Storage.Backend = "postgres"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))

	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{"server.addr", "backend.url", "backend.start_attempts", "storage.backend", "log.format"} {
		assert.True(t, fields[f], "missing validation error for %s", f)
	}
}

func TestValidate_TrustedProxies(t *testing.T) {
	cfg := Default()
	cfg.Server.TrustedProxies = []string{"127.0.0.1", "not-an-ip"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-an-ip")
}

func TestSetDefaults_ExpandsHome(t *testing.T) {
	clearEnv(t)
	cfg := &Config{}
	cfg.Storage.Dir = "~/data"
	cfg.SetDefaults()

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "data"), cfg.Storage.Dir)
	assert.Equal(t, "deepseek-r1:latest", cfg.Backend.Model)
}

// =============================================================================
// WATCHER
// =============================================================================

func TestWatcher_ReloadsOnChange(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[backend]\nmodel = \"one\"\n")

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, zerolog.Nop(), func(c *Config) { got <- c })
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// invalid edits are ignored
	writeFile(t, path, "[storage]\nbackend = \"postgres\"\n")
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "[backend]\nmodel = \"two\"\n")

	select {
	case c := <-got:
		assert.Equal(t, "two", c.Backend.Model)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "")

	got := make(chan *Config, 1)
	w, err := NewWatcher(path, zerolog.Nop(), func(c *Config) { got <- c })
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeFile(t, filepath.Join(dir, "other.toml"), "x = 1\n")

	select {
	case <-got:
		t.Fatal("reload triggered by an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}
