// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// LIVENESS SUPERVISOR
// =============================================================================

// SupervisorConfig controls how the backend is probed and started.
type SupervisorConfig struct {
	// Executable is the backend binary name or path (default: "ollama")
	Executable string

	// ProbeTimeout bounds each liveness probe (default: 2s)
	ProbeTimeout time.Duration

	// Interval between readiness polls after spawning (default: 1s)
	Interval time.Duration

	// Attempts is the number of readiness polls after spawning (default: 5)
	Attempts int
}

// DefaultSupervisorConfig returns the default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Executable:   "ollama",
		ProbeTimeout: 2 * time.Second,
		Interval:     time.Second,
		Attempts:     5,
	}
}

// launchFunc starts `path serve`. A detached launch is released immediately
// and never observed again.
type launchFunc func(path string, detached bool) error

// Supervisor probes the backend and starts it when it is not running.
// EnsureStarted is meant to run once at startup, not per request.
type Supervisor struct {
	client *Client
	cfg    SupervisorConfig
	log    zerolog.Logger

	resolve func(name string) (string, error)
	launch  launchFunc

	mu    sync.Mutex
	child *exec.Cmd
}

// NewSupervisor creates a Supervisor that probes through client.
func NewSupervisor(client *Client, cfg SupervisorConfig, log zerolog.Logger) *Supervisor {
	def := DefaultSupervisorConfig()
	if cfg.Executable == "" {
		cfg.Executable = def.Executable
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}

	s := &Supervisor{
		client:  client,
		cfg:     cfg,
		log:     log.With().Str("component", "backend").Logger(),
		resolve: findExecutable,
	}
	s.launch = s.launchProcess
	return s
}

// Probe queries /api/version within the probe timeout.
func (s *Supervisor) Probe(ctx context.Context) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	return s.client.Version(probeCtx)
}

// IsReady reports whether the backend answers its liveness probe.
func (s *Supervisor) IsReady(ctx context.Context) bool {
	_, err := s.Probe(ctx)
	return err == nil
}

// EnsureStarted returns true if the backend is, or becomes, ready.
//
// When it is not running, the backend is spawned as a supervised child and
// polled Attempts times at Interval. If it is still not ready, a detached
// fire-and-forget launch is tried and EnsureStarted returns false with a nil
// error: the backend may come up later, but nothing confirms it.
func (s *Supervisor) EnsureStarted(ctx context.Context) (bool, error) {
	if version, err := s.Probe(ctx); err == nil {
		s.log.Info().Str("version", version).Str("url", s.client.BaseURL()).Msg("BACKEND_READY")
		return true, nil
	}

	path, err := s.resolve(s.cfg.Executable)
	if err != nil {
		s.log.Warn().Err(err).Msg("BACKEND_NOT_FOUND | trying fallback launch")
		path = s.cfg.Executable
	} else if err = s.launch(path, false); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("BACKEND_SPAWN_FAILED | trying fallback launch")
	} else {
		s.log.Info().Str("path", path).Msg("BACKEND_SPAWNED")
		for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
			if err := sleepCtx(ctx, s.cfg.Interval); err != nil {
				return false, err
			}
			if version, err := s.Probe(ctx); err == nil {
				s.log.Info().Str("version", version).Int("attempt", attempt).Msg("BACKEND_READY")
				return true, nil
			}
			s.log.Debug().Int("attempt", attempt).Int("of", s.cfg.Attempts).Msg("BACKEND_POLL | not ready")
		}
		s.log.Warn().Int("attempts", s.cfg.Attempts).Msg("BACKEND_START_TIMEOUT | trying fallback launch")
	}

	if err := s.launch(path, true); err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("BACKEND_FALLBACK_FAILED")
		return false, &ClientError{Type: ErrTypeNotRunning, Message: "backend could not be started", Cause: err}
	}
	s.log.Warn().Str("path", path).Msg("BACKEND_FALLBACK_LAUNCHED | readiness not confirmed")
	return false, nil
}

// Stop kills the supervised child, if one was spawned and is still running.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	child := s.child
	s.child = nil
	s.mu.Unlock()

	if child == nil || child.Process == nil {
		return nil
	}
	s.log.Info().Int("pid", child.Process.Pid).Msg("BACKEND_STOP")
	return child.Process.Kill()
}

func (s *Supervisor) launchProcess(path string, detached bool) error {
	cmd := exec.Command(path, "serve")

	// Pass the environment through so OLLAMA_* variables reach the backend
	cmd.Env = os.Environ()
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return &ClientError{
			Type:    ErrTypeConnection,
			Message: fmt.Sprintf("failed to start backend (path: %s)", path),
			Cause:   err,
		}
	}

	if detached {
		// Release the process so it continues running after we exit
		_ = cmd.Process.Release()
		return nil
	}

	s.mu.Lock()
	s.child = cmd
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.child == cmd {
			s.child = nil
		}
		s.mu.Unlock()
		s.log.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("BACKEND_EXITED")
	}()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
