// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/rigrun-chatd/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `toml:"server" json:"server" yaml:"server"`
	Backend BackendConfig `toml:"backend" json:"backend" yaml:"backend"`
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`
	Log     LogConfig     `toml:"log" json:"log" yaml:"log"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address (host:port)
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	// Per-client rate limit; rps <= 0 disables limiting
	RateLimitRPS   float64 `toml:"rate_limit_rps" json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst" json:"rate_limit_burst" yaml:"rate_limit_burst"`

	ReadHeaderTimeoutSecs int `toml:"read_header_timeout_secs" json:"read_header_timeout_secs" yaml:"read_header_timeout_secs"`
	IdleTimeoutSecs       int `toml:"idle_timeout_secs" json:"idle_timeout_secs" yaml:"idle_timeout_secs"`
	ShutdownTimeoutSecs   int `toml:"shutdown_timeout_secs" json:"shutdown_timeout_secs" yaml:"shutdown_timeout_secs"`

	// TrustedProxies may set X-Forwarded-For / X-Real-IP
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies" yaml:"trusted_proxies"`
}

// BackendConfig contains inference backend settings.
type BackendConfig struct {
	URL   string `toml:"url" json:"url" yaml:"url"`
	Model string `toml:"model" json:"model" yaml:"model"`

	// Autostart spawns the backend at startup when it is not running
	Autostart  bool   `toml:"autostart" json:"autostart" yaml:"autostart"`
	Executable string `toml:"executable" json:"executable" yaml:"executable"`
	StopOnExit bool   `toml:"stop_on_exit" json:"stop_on_exit" yaml:"stop_on_exit"`

	ProbeTimeoutMs  int `toml:"probe_timeout_ms" json:"probe_timeout_ms" yaml:"probe_timeout_ms"`
	StartAttempts   int `toml:"start_attempts" json:"start_attempts" yaml:"start_attempts"`
	StartIntervalMs int `toml:"start_interval_ms" json:"start_interval_ms" yaml:"start_interval_ms"`

	// StreamTimeoutSecs bounds one generation; 0 means no limit
	StreamTimeoutSecs int `toml:"stream_timeout_secs" json:"stream_timeout_secs" yaml:"stream_timeout_secs"`
}

// StorageConfig selects where chats are persisted.
type StorageConfig struct {
	// Backend is "file" or "sqlite"
	Backend string `toml:"backend" json:"backend" yaml:"backend"`
	Dir     string `toml:"dir" json:"dir" yaml:"dir"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
}

// ProbeTimeout returns the liveness probe timeout.
func (b BackendConfig) ProbeTimeout() time.Duration {
	return time.Duration(b.ProbeTimeoutMs) * time.Millisecond
}

// StartInterval returns the delay between readiness polls.
func (b BackendConfig) StartInterval() time.Duration {
	return time.Duration(b.StartIntervalMs) * time.Millisecond
}

// StreamTimeout returns the per-generation limit, or 0.
func (b BackendConfig) StreamTimeout() time.Duration {
	return time.Duration(b.StreamTimeoutSecs) * time.Second
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                  "127.0.0.1:8000",
			RateLimitRPS:          20,
			RateLimitBurst:        40,
			ReadHeaderTimeoutSecs: 10,
			IdleTimeoutSecs:       120,
			ShutdownTimeoutSecs:   30,
		},
		Backend: BackendConfig{
			URL:             "http://localhost:11434",
			Model:           "deepseek-r1:latest",
			Autostart:       true,
			Executable:      "ollama",
			ProbeTimeoutMs:  2000,
			StartAttempts:   5,
			StartIntervalMs: 1000,
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "~/.rigrun-chatd/chats",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-chatd"), nil
}

// DefaultPath returns the path of the default TOML config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load builds the configuration: defaults, then the file at path (or the
// default file if path is empty and it exists), then environment overrides.
// The result has defaults filled in and is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if p, err := DefaultPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}

	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes path into cfg, choosing the format by extension.
// Fields absent from the file keep their current values.
func LoadFile(cfg *Config, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(cfg, path)
	case ".yaml", ".yml":
		return LoadYAML(cfg, path)
	default:
		return LoadTOML(cfg, path)
	}
}

// LoadTOML loads configuration from a TOML file.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML config %s: %w", path, err)
	}
	return nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode YAML config %s: %w", path, err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON config %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg to path as TOML.
// RELIABILITY: Atomic write with fsync prevents a half-written config
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# rigrun-chatd configuration file\n")
	b.WriteString("# Generated by rigrun-chatd - edit with care\n\n")

	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, []byte(b.String()), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and reports all failures at once.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, ValidationError{Field: "server.addr", Message: fmt.Sprintf("invalid listen address '%s'", c.Server.Addr)})
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		errs = append(errs, ValidationError{Field: "server.rate_limit_burst", Message: "must be at least 1 when rate limiting is enabled"})
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) == nil {
			errs = append(errs, ValidationError{Field: "server.trusted_proxies", Message: fmt.Sprintf("'%s' is not an IP address", p)})
		}
	}

	if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{Field: "backend.url", Message: fmt.Sprintf("invalid URL '%s', must be http(s)://host[:port]", c.Backend.URL)})
	}
	if strings.TrimSpace(c.Backend.Model) == "" {
		errs = append(errs, ValidationError{Field: "backend.model", Message: "must not be empty"})
	}
	if c.Backend.StartAttempts < 1 || c.Backend.StartAttempts > 60 {
		errs = append(errs, ValidationError{Field: "backend.start_attempts", Message: fmt.Sprintf("must be 1-60, got %d", c.Backend.StartAttempts)})
	}
	if c.Backend.StartIntervalMs < 10 {
		errs = append(errs, ValidationError{Field: "backend.start_interval_ms", Message: fmt.Sprintf("must be at least 10, got %d", c.Backend.StartIntervalMs)})
	}
	if c.Backend.ProbeTimeoutMs < 10 {
		errs = append(errs, ValidationError{Field: "backend.probe_timeout_ms", Message: fmt.Sprintf("must be at least 10, got %d", c.Backend.ProbeTimeoutMs)})
	}
	if c.Backend.StreamTimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "backend.stream_timeout_secs", Message: "must not be negative"})
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "file", "sqlite":
	default:
		errs = append(errs, ValidationError{Field: "storage.backend", Message: fmt.Sprintf("invalid backend '%s', must be one of: file, sqlite", c.Storage.Backend)})
	}
	if c.Storage.Dir == "" {
		errs = append(errs, ValidationError{Field: "storage.dir", Message: "must not be empty"})
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		errs = append(errs, ValidationError{Field: "log.level", Message: fmt.Sprintf("invalid level '%s'", c.Log.Level)})
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, ValidationError{Field: "log.format", Message: fmt.Sprintf("invalid format '%s', must be one of: console, json", c.Log.Format)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values with defaults and expands "~" in paths.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ReadHeaderTimeoutSecs <= 0 {
		c.Server.ReadHeaderTimeoutSecs = d.Server.ReadHeaderTimeoutSecs
	}
	if c.Server.IdleTimeoutSecs <= 0 {
		c.Server.IdleTimeoutSecs = d.Server.IdleTimeoutSecs
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		c.Server.ShutdownTimeoutSecs = d.Server.ShutdownTimeoutSecs
	}

	if c.Backend.URL == "" {
		c.Backend.URL = d.Backend.URL
	}
	c.Backend.URL = strings.TrimRight(c.Backend.URL, "/")
	if c.Backend.Model == "" {
		c.Backend.Model = d.Backend.Model
	}
	if c.Backend.Executable == "" {
		c.Backend.Executable = d.Backend.Executable
	}
	if c.Backend.ProbeTimeoutMs == 0 {
		c.Backend.ProbeTimeoutMs = d.Backend.ProbeTimeoutMs
	}
	if c.Backend.StartAttempts == 0 {
		c.Backend.StartAttempts = d.Backend.StartAttempts
	}
	if c.Backend.StartIntervalMs == 0 {
		c.Backend.StartIntervalMs = d.Backend.StartIntervalMs
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = d.Storage.Dir
	}
	c.Storage.Dir = expandHome(c.Storage.Dir)

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - CHATD_ADDR: overrides server.addr
//   - CHATD_OLLAMA_URL: overrides backend.url
//   - CHATD_MODEL: overrides backend.model
//   - CHATD_AUTOSTART: overrides backend.autostart (1/0, true/false)
//   - CHATD_DATA_DIR: overrides storage.dir
//   - CHATD_STORAGE: overrides storage.backend
//   - CHATD_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if addr := os.Getenv("CHATD_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if u := os.Getenv("CHATD_OLLAMA_URL"); u != "" {
		c.Backend.URL = u
	}
	if model := os.Getenv("CHATD_MODEL"); model != "" {
		c.Backend.Model = model
	}
	if v := os.Getenv("CHATD_AUTOSTART"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Backend.Autostart = b
		}
	}
	if dir := os.Getenv("CHATD_DATA_DIR"); dir != "" {
		c.Storage.Dir = dir
	}
	if backend := os.Getenv("CHATD_STORAGE"); backend != "" {
		c.Storage.Backend = backend
	}
	if level := os.Getenv("CHATD_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// String returns the configuration as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
