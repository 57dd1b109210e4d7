// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-chatd/internal/model"
	"github.com/jeranaias/rigrun-chatd/internal/proxy"
	"github.com/jeranaias/rigrun-chatd/internal/session"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8000"

	// MaxRequestBodySize caps request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// Version is the server version.
	Version = "0.1.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Options configures the listener and middleware.
type Options struct {
	Addr string

	// RateLimitRPS <= 0 disables rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// TrustedProxies may set forwarded headers; DefaultTrustedProxies when empty
	TrustedProxies []string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	// BackendURL is reported by /health
	BackendURL string
}

// Prober reports whether the inference backend answers, and its version.
type Prober interface {
	Probe(ctx context.Context) (string, error)
}

// Server is the HTTP front end of the chat gateway.
type Server struct {
	opts    Options
	router  *http.ServeMux
	handler http.Handler
	server  *http.Server

	registry *session.Registry
	proxy    *proxy.Proxy
	prober   Prober

	// onShutdown is invoked after POST /shutdown/ has been answered
	onShutdown func()

	ips      *TrustedProxies
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu sync.RWMutex
}

// New creates a Server serving registry through px.
func New(registry *session.Registry, px *proxy.Proxy, opts Options, log zerolog.Logger) *Server {
	log = log.With().Str("component", "http").Logger()
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}

	trusted := opts.TrustedProxies
	if len(trusted) == 0 {
		trusted = DefaultTrustedProxies
	}
	ips, bad := NewTrustedProxies(trusted)
	for _, b := range bad {
		log.Warn().Str("entry", b).Msg("TRUSTED_PROXY_INVALID | ignored")
	}

	s := &Server{
		opts:     opts,
		router:   http.NewServeMux(),
		registry: registry,
		proxy:    px,
		ips:      ips,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// nil CheckOrigin: browsers may only connect from the gateway's own origin
		},
		log: log,
	}

	s.setupRoutes()

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(log),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log, ips.ClientIP),
	}
	if opts.RateLimitRPS > 0 {
		limiter := NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
		middlewares = append(middlewares, RateLimitMiddleware(limiter, ips.ClientIP, log))
	}
	s.handler = Chain(middlewares...)(s.router)
	return s
}

// WithProber sets the backend liveness probe used by /health.
func (s *Server) WithProber(p Prober) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prober = p
	return s
}

// WithShutdownFunc sets the callback triggered by POST /shutdown/.
func (s *Server) WithShutdownFunc(fn func()) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = fn
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.opts.Addr
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Chats
	s.router.HandleFunc("GET /chats/{$}", s.handleListChats)
	s.router.HandleFunc("POST /chats/{$}", s.handleCreateChat)
	s.router.HandleFunc("PUT /chats/{id}", s.handleRenameChat)
	s.router.HandleFunc("DELETE /chats/{id}", s.handleDeleteChat)

	// History
	s.router.HandleFunc("GET /history/{id}", s.handleHistory)
	s.router.HandleFunc("POST /reset/{$}", s.handleResetAll)
	s.router.HandleFunc("POST /reset/{id}", s.handleResetChat)

	// Inference
	s.router.HandleFunc("POST /query/{id}", s.handleQuery)
	s.router.HandleFunc("GET /ws/query/{id}", s.handleWSQuery)

	// Process
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("POST /shutdown/{$}", s.handleShutdown)
}

// ============================================================================
// REQUEST TYPES
// ============================================================================

// RenameRequest is the body of PUT /chats/{id}.
type RenameRequest struct {
	Name string `json:"name"`
}

// QueryRequest is the body of POST /query/{id} and of WebSocket queries.
type QueryRequest struct {
	Prompt string `json:"prompt"`
}

// HistoryResponse is the body of GET /history/{id}.
type HistoryResponse struct {
	History []model.Turn `json:"history"`
}

// decodeBody reads a size-capped JSON body into v, answering 400/413 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errTypeInvalidRequest, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// ============================================================================
// CHAT HANDLERS
// ============================================================================

// handleListChats handles GET /chats/.
func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats := s.registry.ListChats()
	if chats == nil {
		chats = []model.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// handleCreateChat handles POST /chats/.
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	cs, err := s.registry.CreateChat()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// handleRenameChat handles PUT /chats/{id}.
func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "name must not be empty")
		return
	}

	if err := s.registry.RenameChat(r.PathValue("id"), name); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Chat renamed"})
}

// handleDeleteChat handles DELETE /chats/{id}.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteChat(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Chat deleted"})
}

// ============================================================================
// HISTORY HANDLERS
// ============================================================================

// handleHistory handles GET /history/{id}. An unknown id yields an empty
// history rather than 404.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	turns := []model.Turn{}
	h, err := s.registry.GetHistory(r.PathValue("id"))
	switch {
	case err == nil:
		turns = h.Turns
	case !session.IsNotFound(err):
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{History: turns})
}

// handleResetChat handles POST /reset/{id}. Resetting an unknown id is a no-op.
func (s *Server) handleResetChat(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.ResetChat(r.Context(), r.PathValue("id")); err != nil && !session.IsNotFound(err) {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Chat history reset"})
}

// handleResetAll handles POST /reset/, deleting every chat.
func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.ResetAll(); err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info().Str("client_ip", s.ips.ClientIP(r)).Msg("ALL_CHATS_RESET")
	writeJSON(w, http.StatusOK, MessageResponse{Message: "All chats reset"})
}

// ============================================================================
// QUERY HANDLER
// ============================================================================

// handleQuery handles POST /query/{id}, streaming the answer as chunked
// text/plain. Headers are held back until the first fragment so that a
// backend or decode failure before any output still gets a JSON error.
// A failure after output has started aborts the response.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "prompt must not be empty")
		return
	}

	stream, err := s.proxy.Query(r.Context(), id, req.Prompt)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rc := http.NewResponseController(w)
	started := false
	start := func() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		started = true
	}

	for frag := range stream.Fragments() {
		if !started {
			start()
		}
		if _, err := io.WriteString(w, frag); err != nil {
			// Client gone; the proxy detaches once the request context ends
			s.log.Debug().Err(err).Str("chat_id", id).Msg("QUERY_CLIENT_GONE")
			return
		}
		_ = rc.Flush()
	}

	if err := stream.Err(); err != nil {
		if !started {
			writeDomainError(w, err)
			return
		}
		s.log.Warn().Err(err).Str("chat_id", id).Msg("QUERY_STREAM_ABORTED")
		panic(http.ErrAbortHandler)
	}
	if !started {
		start()
	}
}

// ============================================================================
// HEALTH / SHUTDOWN
// ============================================================================

// BackendHealth describes the inference backend in /health.
type BackendHealth struct {
	Ready   bool   `json:"ready"`
	Version string `json:"version,omitempty"`
	URL     string `json:"url,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Backend BackendHealth `json:"backend"`
	Chats   int           `json:"chats"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	prober := s.prober
	s.mu.RUnlock()

	health := HealthResponse{
		Status:  "ok",
		Version: Version,
		Backend: BackendHealth{URL: s.opts.BackendURL},
		Chats:   s.registry.Len(),
	}

	if prober != nil {
		if version, err := prober.Probe(r.Context()); err == nil {
			health.Backend.Ready = true
			health.Backend.Version = version
		} else {
			health.Status = "degraded"
		}
	} else {
		health.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, health)
}

// handleShutdown handles POST /shutdown/. The reply is sent before the
// shutdown callback runs.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.onShutdown
	s.mu.RUnlock()

	s.log.Info().Str("client_ip", s.ips.ClientIP(r)).Msg("SHUTDOWN_REQUESTED")
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Server shutting down..."})
	_ = http.NewResponseController(w).Flush()

	if fn != nil {
		go fn()
	}
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
// It returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Str("version", Version).Msg("SERVER_START")
	return srv.Serve(ln)
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}

	s.log.Info().Msg("SERVER_SHUTDOWN | starting graceful shutdown")
	return srv.Shutdown(ctx)
}
