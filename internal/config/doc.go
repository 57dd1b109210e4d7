// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for rigrun-chatd.
//
// # Key Types
//
//   - Config: server, backend, storage and log sections
//   - ValidationError / ValidateErrors: every invalid field, reported together
//   - Watcher: reloads the config file when it changes on disk
//
// # Usage
//
//	cfg, err := config.Load(path) // "" uses ~/.rigrun-chatd/config.toml if present
//	if err != nil {
//	    return err
//	}
//
// Reload on change:
//
//	w, err := config.NewWatcher(path, logger, func(c *config.Config) {
//	    proxy.SetModel(c.Backend.Model)
//	})
//	go w.Run(ctx)
package config
