// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chatd/internal/config"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// options holds the persistent flags shared by every command.
type options struct {
	configPath  string
	addr        string
	dataDir     string
	model       string
	logLevel    string
	noAutostart bool

	// stdout and stderr of the command tree
	out    io.Writer
	errOut io.Writer
}

// Execute runs the command tree against os.Args and returns the exit code.
func Execute() int {
	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// NewRootCmd builds the rigrun-chatd command tree.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &options{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "rigrun-chatd",
		Short: "Multi-chat gateway for a local Ollama backend",
		Long: "rigrun-chatd keeps named chats with persistent histories and streams\n" +
			"answers from a local Ollama server over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		// No subcommand starts the server
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCmd(cmd, opts)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (.toml, .yaml, .json; default ~/.rigrun-chatd/config.toml)")
	pf.StringVar(&opts.addr, "addr", "", "listen address, e.g. 127.0.0.1:8000")
	pf.StringVar(&opts.dataDir, "data-dir", "", "directory holding chat data")
	pf.StringVarP(&opts.model, "model", "m", "", "model used for generation")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&opts.noAutostart, "no-autostart", false, "do not start the backend if it is not running")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newChatsCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	root.AddCommand(newVersionCmd(opts))
	return root
}

// resolveConfigPath returns the explicit path, or the default file when it
// exists, or "" for built-in defaults.
func (o *options) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	p, err := config.DefaultPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// loadConfig loads the config file and env, then applies flag overrides.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if err := o.applyFlags(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags overrides cfg with explicitly set flags and revalidates.
func (o *options) applyFlags(cfg *config.Config) error {
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	if o.dataDir != "" {
		cfg.Storage.Dir = o.dataDir
	}
	if o.model != "" {
		cfg.Backend.Model = o.model
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.noAutostart {
		cfg.Backend.Autostart = false
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(opts.out, "rigrun-chatd version %s (commit: %s, built: %s)\n", Version, GitCommit, BuildDate)
		},
	}
}
