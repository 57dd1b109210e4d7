// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP surface of the chat gateway.
//
// # Endpoints
//
//   - GET    /chats/         - List chat summaries
//   - POST   /chats/         - Create a chat
//   - PUT    /chats/{id}     - Rename a chat ({"name": "..."})
//   - DELETE /chats/{id}     - Delete a chat
//   - GET    /history/{id}   - Turns of a chat (empty for an unknown id)
//   - POST   /reset/{id}     - Clear a chat's turns
//   - POST   /reset/         - Delete every chat
//   - POST   /query/{id}     - Stream an answer as chunked text/plain
//   - GET    /ws/query/{id}  - WebSocket variant of /query
//   - GET    /health         - Backend liveness and chat count
//   - POST   /shutdown/      - Stop the process gracefully
//
// Errors use the envelope {"error": {"message", "type", "code"}}.
//
// # Middleware
//
// Recovery, security headers, request logging and per-client rate limiting,
// applied in that order. Forwarded client IPs are only honoured from
// trusted proxies.
//
// # Usage
//
//	srv := server.New(registry, px, server.Options{Addr: ":8000"}, log).
//		WithProber(supervisor).
//		WithShutdownFunc(stop)
//	if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
//		return err
//	}
package server
