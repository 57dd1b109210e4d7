// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jeranaias/rigrun-chatd/internal/ollama"
	"github.com/jeranaias/rigrun-chatd/internal/proxy"
	"github.com/jeranaias/rigrun-chatd/internal/session"
	"github.com/jeranaias/rigrun-chatd/internal/storage"
)

// ============================================================================
// ERROR ENVELOPE
// ============================================================================

// Error types reported in the "type" field of the error envelope.
const (
	errTypeNotFound           = "not_found"
	errTypeBackendUnavailable = "backend_unavailable"
	errTypeStreamDecode       = "stream_decode"
	errTypePersistence        = "persistence"
	errTypeInvalidRequest     = "invalid_request"
	errTypeRateLimited        = "rate_limited"
	errTypeInternal           = "internal"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ErrorResponse wraps ErrorBody as {"error": {...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// MessageResponse is the body of operations that only acknowledge.
type MessageResponse struct {
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Message: message,
		Type:    errType,
		Code:    status,
	}})
}

// classify maps a domain error onto an HTTP status and envelope type.
func classify(err error) (int, string) {
	var ce *ollama.ClientError
	switch {
	case session.IsNotFound(err):
		return http.StatusNotFound, errTypeNotFound
	case errors.Is(err, proxy.ErrClosed):
		return http.StatusServiceUnavailable, errTypeBackendUnavailable
	case ollama.IsDecodeError(err):
		return http.StatusInternalServerError, errTypeStreamDecode
	case errors.As(err, &ce):
		return http.StatusInternalServerError, errTypeBackendUnavailable
	case storage.IsPersistenceError(err):
		return http.StatusInternalServerError, errTypePersistence
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errTypeInternal
	default:
		return http.StatusInternalServerError, errTypeInternal
	}
}

// writeDomainError classifies err and writes the matching envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	status, errType := classify(err)
	writeError(w, status, errType, err.Error())
}
