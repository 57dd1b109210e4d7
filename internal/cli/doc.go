// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the command tree of rigrun-chatd.
//
// # Commands
//
//   - serve (default): run the HTTP gateway
//   - chats list: list stored chats
//   - chats export <id>: print a chat as JSON or YAML
//   - config init / config show: manage the config file
//   - version: print build information
//
// Persistent flags (--config, --addr, --data-dir, --model, --log-level,
// --no-autostart) override the config file and CHATD_* environment.
//
// # Usage
//
//	func main() {
//	    os.Exit(cli.Execute())
//	}
package cli
