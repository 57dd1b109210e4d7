// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across the gateway.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - Preview: single-line truncated form of a prompt for log fields
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0644)
//	log.Debug().Str("prompt", util.Preview(prompt, 60)).Msg("QUERY_START")
package util
