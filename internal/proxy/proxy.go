// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package proxy

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-chatd/internal/model"
	"github.com/jeranaias/rigrun-chatd/internal/ollama"
	"github.com/jeranaias/rigrun-chatd/internal/session"
	"github.com/jeranaias/rigrun-chatd/internal/util"
)

// ErrClosed is returned by Query after Close.
var ErrClosed = errors.New("proxy closed")

// ChunkReader yields decoded backend chunks until io.EOF.
type ChunkReader interface {
	Next() (*ollama.StreamChunk, error)
	Close() error
}

// Backend opens a streaming generation for prompt.
type Backend interface {
	GenerateStream(ctx context.Context, model, prompt string) (ChunkReader, error)
}

// OllamaBackend adapts *ollama.Client to Backend.
type OllamaBackend struct {
	Client *ollama.Client
}

// GenerateStream implements Backend.
func (b OllamaBackend) GenerateStream(ctx context.Context, model, prompt string) (ChunkReader, error) {
	s, err := b.Client.GenerateStream(ctx, model, prompt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Config controls a Proxy.
type Config struct {
	// Model sent with every request; empty lets the backend client choose
	Model string

	// StreamTimeout bounds one whole generation; zero means no limit
	StreamTimeout time.Duration
}

// =============================================================================
// PROXY
// =============================================================================

// Proxy runs queries. It is safe for concurrent use.
type Proxy struct {
	registry *session.Registry
	backend  Backend
	log      zerolog.Logger

	model         atomic.Value // string
	streamTimeout time.Duration

	// base is the parent of every backend request; Close cancels it
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a Proxy.
func New(registry *session.Registry, backend Backend, cfg Config, log zerolog.Logger) *Proxy {
	base, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		registry:      registry,
		backend:       backend,
		log:           log.With().Str("component", "proxy").Logger(),
		streamTimeout: cfg.StreamTimeout,
		base:          base,
		cancel:        cancel,
	}
	p.model.Store(cfg.Model)
	return p
}

// Model returns the model sent with new queries.
func (p *Proxy) Model() string {
	return p.model.Load().(string)
}

// SetModel changes the model for queries started afterwards.
func (p *Proxy) SetModel(model string) {
	p.model.Store(model)
}

// BuildPrompt renders turns as "role: content" lines in history order. The
// whole history is sent; nothing is truncated or summarized.
func BuildPrompt(turns []model.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}

// Query starts a query against chatID. ctx governs waiting for the chat's
// lease and fragment delivery; it does not cancel the backend request once
// streaming has begun.
//
// Errors returned here happen before any fragment: an unknown chat
// (session.ErrChatNotFound) or a failed backend call. In the latter case the
// user turn has already been appended and stays unanswered.
func (p *Proxy) Query(ctx context.Context, chatID, prompt string) (*Stream, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	lease, err := p.registry.Acquire(ctx, chatID)
	if err != nil {
		return nil, err
	}

	turns := lease.Append(model.UserTurn(prompt))
	log := p.log.With().Str("chat_id", chatID).Logger()
	log.Info().
		Int("turns", len(turns)).
		Str("prompt", util.Preview(prompt, 60)).
		Msg("QUERY_START")

	bctx, cancel := p.backendContext()
	modelName := p.Model()
	start := time.Now()

	reader, err := p.backend.GenerateStream(bctx, modelName, BuildPrompt(turns))
	if err != nil {
		cancel()
		log.Warn().Err(err).Msg("QUERY_BACKEND_FAILED | user turn left unanswered")
		_ = lease.Persist()
		lease.Release()
		return nil, err
	}

	s := newStream()
	p.wg.Add(1)
	go p.pump(ctx, s, reader, lease, cancel, start, log)
	return s, nil
}

func (p *Proxy) backendContext() (context.Context, context.CancelFunc) {
	if p.streamTimeout > 0 {
		return context.WithTimeout(p.base, p.streamTimeout)
	}
	return context.WithCancel(p.base)
}

// pump reads the backend until done or EOF, forwarding fragments, then
// commits the assistant turn. On a read error nothing is committed.
func (p *Proxy) pump(ctx context.Context, s *Stream, reader ChunkReader, lease *session.Lease,
	cancel context.CancelFunc, start time.Time, log zerolog.Logger) {
	defer p.wg.Done()
	defer lease.Release()
	defer cancel()
	defer reader.Close()
	defer s.finish()

	var answer strings.Builder
	fragments := 0
	for {
		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.err = err
			log.Warn().Err(err).Int("fragments", fragments).Msg("QUERY_STREAM_FAILED | user turn left unanswered")
			_ = lease.Persist()
			return
		}
		if chunk.Content != "" {
			answer.WriteString(chunk.Content)
			fragments++
			s.deliver(ctx, chunk.Content)
		}
		if chunk.Done {
			break
		}
	}

	s.text = answer.String()
	lease.Append(model.AssistantTurn(s.text))
	if err := lease.Persist(); err != nil {
		s.err = err
	}

	log.Info().
		Int("fragments", fragments).
		Int("chars", len(s.text)).
		Bool("detached", s.detached).
		Dur("duration", time.Since(start)).
		Msg("QUERY_COMMIT")
}

// Close cancels in-flight backend requests and waits for their streams to
// finish. Queries started afterwards fail with ErrClosed.
func (p *Proxy) Close() {
	p.closed.Store(true)
	p.cancel()
	p.wg.Wait()
}
