// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-chatd/internal/config"
	"github.com/jeranaias/rigrun-chatd/internal/logging"
	"github.com/jeranaias/rigrun-chatd/internal/ollama"
	"github.com/jeranaias/rigrun-chatd/internal/proxy"
	"github.com/jeranaias/rigrun-chatd/internal/server"
	"github.com/jeranaias/rigrun-chatd/internal/session"
	"github.com/jeranaias/rigrun-chatd/internal/storage"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Long: "Start the HTTP gateway. The backend is probed once at startup and\n" +
			"launched if it is not running, unless --no-autostart is given.\n" +
			"SIGINT, SIGTERM or POST /shutdown/ stop the server gracefully.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCmd(cmd, opts)
		},
	}
}

func runServeCmd(cmd *cobra.Command, opts *options) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, level := logging.New(cfg.Log.Level, cfg.Log.Format, opts.errOut)
	return serve(ctx, cfg, serveDeps{
		configPath: opts.resolveConfigPath(),
		reload:     opts.applyFlags,
		log:        log,
		level:      level,
	})
}

// serveDeps carries what serve needs beyond the config.
type serveDeps struct {
	// configPath is watched for changes when non-empty
	configPath string

	// reload reapplies flag overrides to a reloaded config
	reload func(*config.Config) error

	log   zerolog.Logger
	level *logging.Level

	// onListen, when set, receives the bound address
	onListen func(net.Addr)
}

// serve runs the gateway until ctx is done or POST /shutdown/ is received.
func serve(ctx context.Context, cfg *config.Config, deps serveDeps) error {
	log := deps.log

	store, err := storage.Open(storage.Options{Backend: cfg.Storage.Backend, Dir: cfg.Storage.Dir})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("STORE_CLOSE_FAILED")
		}
	}()

	registry, err := session.New(store, log)
	if err != nil {
		return err
	}
	log.Info().
		Int("chats", registry.Len()).
		Str("backend", cfg.Storage.Backend).
		Str("dir", cfg.Storage.Dir).
		Msg("STORE_LOADED")

	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      cfg.Backend.URL,
		DefaultModel: cfg.Backend.Model,
	})
	supervisor := ollama.NewSupervisor(client, ollama.SupervisorConfig{
		Executable:   cfg.Backend.Executable,
		ProbeTimeout: cfg.Backend.ProbeTimeout(),
		Interval:     cfg.Backend.StartInterval(),
		Attempts:     cfg.Backend.StartAttempts,
	}, log)

	if cfg.Backend.Autostart {
		ready, err := supervisor.EnsureStarted(ctx)
		if err != nil {
			// Queries fail on their own until the backend shows up
			log.Warn().Err(err).Msg("BACKEND_UNAVAILABLE | serving anyway")
		} else if !ready {
			log.Warn().Msg("BACKEND_NOT_CONFIRMED | serving anyway")
		}
	} else if !supervisor.IsReady(ctx) {
		log.Warn().Str("url", cfg.Backend.URL).Msg("BACKEND_UNAVAILABLE | autostart disabled")
	}
	if cfg.Backend.StopOnExit {
		defer func() {
			if err := supervisor.Stop(); err != nil {
				log.Warn().Err(err).Msg("BACKEND_STOP_FAILED")
			}
		}()
	}

	px := proxy.New(registry, proxy.OllamaBackend{Client: client}, proxy.Config{
		Model:         cfg.Backend.Model,
		StreamTimeout: cfg.Backend.StreamTimeout(),
	}, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := server.New(registry, px, server.Options{
		Addr:              cfg.Server.Addr,
		RateLimitRPS:      cfg.Server.RateLimitRPS,
		RateLimitBurst:    cfg.Server.RateLimitBurst,
		TrustedProxies:    cfg.Server.TrustedProxies,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSecs) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		BackendURL:        cfg.Backend.URL,
	}, log).
		WithProber(supervisor).
		WithShutdownFunc(cancel)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		px.Close()
		return err
	}
	if deps.onListen != nil {
		deps.onListen(ln.Addr())
	}

	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("SERVER_ERROR")
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("SHUTDOWN_START")

		drain := time.Duration(cfg.Server.ShutdownTimeoutSecs) * time.Second
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drain)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("SHUTDOWN_DRAIN_INCOMPLETE | aborting streams")
		}

		// Streams still running lose their backend; their user turns stay unanswered
		px.Close()
		log.Info().Msg("SHUTDOWN_COMPLETE")
		return nil
	})

	if deps.configPath != "" {
		watcher, err := config.NewWatcher(deps.configPath, log, func(next *config.Config) {
			if deps.reload != nil {
				if err := deps.reload(next); err != nil {
					log.Warn().Err(err).Msg("CONFIG_RELOAD_REJECTED")
					return
				}
			}
			if deps.level != nil {
				deps.level.SetString(next.Log.Level)
			}
			px.SetModel(next.Backend.Model)
			log.Info().Str("model", next.Backend.Model).Str("log_level", next.Log.Level).Msg("CONFIG_APPLIED")
		})
		if err != nil {
			log.Warn().Err(err).Msg("CONFIG_WATCH_DISABLED")
		} else {
			eg.Go(func() error { return watcher.Run(gctx) })
		}
	}

	return eg.Wait()
}
