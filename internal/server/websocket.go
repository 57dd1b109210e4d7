// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ============================================================================
// WEBSOCKET QUERIES
// ============================================================================

// Frame types sent to WebSocket clients.
const (
	frameFragment = "fragment"
	frameDone     = "done"
	frameError    = "error"
)

// WSFrame is one server-to-client WebSocket message.
type WSFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleWSQuery handles GET /ws/query/{id}. Each {"prompt"} message from
// the client runs one query; its fragments come back as "fragment" frames
// followed by "done" or "error". Queries on one socket run one at a time.
func (s *Server) handleWSQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.registry.GetHistory(id); err != nil {
		writeDomainError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.Debug().Err(err).Str("chat_id", id).Msg("WS_UPGRADE_FAILED")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxRequestBodySize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := s.log.With().Str("chat_id", id).Logger()
	log.Info().Msg("WS_CONNECTED")

	for {
		var req QueryRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("WS_READ_FAILED")
			}
			log.Info().Msg("WS_DISCONNECTED")
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			if err := conn.WriteJSON(WSFrame{Type: frameError, Message: "prompt must not be empty"}); err != nil {
				return
			}
			continue
		}
		if err := s.streamToSocket(ctx, conn, id, req.Prompt, log); err != nil {
			log.Debug().Err(err).Msg("WS_WRITE_FAILED")
			return
		}
	}
}

// streamToSocket runs one query and relays it. A non-nil error means the
// socket itself failed; query failures are reported to the client.
func (s *Server) streamToSocket(ctx context.Context, conn *websocket.Conn, id, prompt string, log zerolog.Logger) error {
	stream, err := s.proxy.Query(ctx, id, prompt)
	if err != nil {
		return conn.WriteJSON(WSFrame{Type: frameError, Message: err.Error()})
	}

	for frag := range stream.Fragments() {
		if err := conn.WriteJSON(WSFrame{Type: frameFragment, Text: frag}); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		log.Warn().Err(err).Msg("WS_QUERY_FAILED")
		return conn.WriteJSON(WSFrame{Type: frameError, Message: err.Error()})
	}
	return conn.WriteJSON(WSFrame{Type: frameDone})
}
