// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package proxy relays prompts to the inference backend and streams the
// answer back while recording both turns in the session registry.
//
// # Key Types
//
//   - Proxy: runs queries against one backend and one registry
//   - Stream: forward-only sequence of fragments for one query
//   - Backend: the slice of the Ollama client the proxy depends on
//
// # Query lifecycle
//
//  1. The chat's query lease is acquired; queries on one chat run in turn.
//  2. The user turn is appended and is visible in the history at once.
//  3. Every turn is rendered as "role: content", one per line, and sent.
//  4. Fragments are forwarded as they arrive and accumulated.
//  5. When the backend reports done or closes the stream, the assistant turn
//     is appended and the history is persisted.
//
// If the backend call or a chunk fails, the user turn stays unanswered and
// the error is returned. A consumer that stops reading does not cancel the
// backend request: the stream is drained and committed anyway.
//
// # Usage
//
//	stream, err := p.Query(ctx, chatID, "hi")
//	if err != nil {
//	    return err
//	}
//	for fragment := range stream.Fragments() {
//	    fmt.Print(fragment)
//	}
//	if err := stream.Err(); err != nil {
//	    return err
//	}
package proxy
