// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"

	"github.com/jeranaias/rigrun-chatd/internal/model"
)

// =============================================================================
// QUERY LEASE
// =============================================================================

// Lease grants exclusive query access to one chat. It is held from before the
// user turn is appended until after the assistant turn is persisted.
type Lease struct {
	r    *Registry
	c    *chat
	once sync.Once
}

// Acquire waits for the chat's query lock. It fails with a NotFoundError if
// the chat is unknown or is deleted while waiting, or with ctx.Err().
func (r *Registry) Acquire(ctx context.Context, id string) (*Lease, error) {
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	select {
	case c.query <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if c.isRemoved() {
		<-c.query
		return nil, &NotFoundError{ID: id}
	}
	return &Lease{r: r, c: c}, nil
}

// ID returns the leased chat's id.
func (l *Lease) ID() string {
	return l.c.id
}

// Append adds turns to the in-memory history, where they are visible to
// GetHistory at once, and returns a copy of the full history afterwards.
func (l *Lease) Append(turns ...model.Turn) []model.Turn {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	l.c.turns = append(l.c.turns, turns...)
	return model.CloneTurns(l.c.turns)
}

// Persist writes the chat's current turns to the store. A chat deleted in the
// meantime is skipped so no orphan history reappears.
func (l *Lease) Persist() error {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		l.r.log.Debug().Str("chat_id", c.id).Msg("HISTORY_SAVE_SKIPPED | chat deleted")
		return nil
	}
	if err := l.r.store.SaveHistory(c.id, c.turns); err != nil {
		l.r.log.Error().Err(err).Str("chat_id", c.id).Int("turns", len(c.turns)).
			Msg("HISTORY_SAVE_FAILED | memory and disk diverge")
		return err
	}
	return nil
}

// Release frees the chat's query lock. Extra calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() { <-l.c.query })
}
