// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package proxy

import "context"

// =============================================================================
// STREAM
// =============================================================================

// Stream is the forward-only answer to one query. Fragments are handed over
// one at a time on an unbuffered channel, so the producer is never more than
// one fragment ahead of the consumer.
type Stream struct {
	fragments chan string
	done      chan struct{}

	// Written by the producer before done is closed
	err      error
	text     string
	detached bool
}

func newStream() *Stream {
	return &Stream{
		fragments: make(chan string),
		done:      make(chan struct{}),
	}
}

// Fragments returns the fragment channel. It is closed when the query has
// finished, after the assistant turn (if any) has been committed.
func (s *Stream) Fragments() <-chan string {
	return s.fragments
}

// Done is closed when the query has finished.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the stream, if any. It must only be
// called after Fragments is closed or Done is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Text returns the full answer. Only meaningful after Done.
func (s *Stream) Text() string {
	<-s.done
	return s.text
}

// deliver hands fragment to the consumer unless the consumer has gone away,
// in which case the producer keeps draining without delivering.
func (s *Stream) deliver(ctx context.Context, fragment string) {
	if s.detached {
		return
	}
	select {
	case s.fragments <- fragment:
	case <-ctx.Done():
		s.detached = true
	}
}

func (s *Stream) finish() {
	close(s.fragments)
	close(s.done)
}
