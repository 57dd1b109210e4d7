// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session provides the in-memory chat registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-chatd/internal/model"
	"github.com/jeranaias/rigrun-chatd/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrChatNotFound is matched by every NotFoundError.
var ErrChatNotFound = errors.New("chat not found")

// NotFoundError reports an unknown chat id.
type NotFoundError struct {
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("chat %q not found", e.ID)
}

// Is implements errors.Is support against ErrChatNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrChatNotFound
}

// IsNotFound reports whether err is an unknown-chat error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrChatNotFound)
}

// =============================================================================
// REGISTRY
// =============================================================================

// chat is one registry entry. name is guarded by Registry.mu; turns and
// removed by chat.mu. query is the per-chat query lock.
type chat struct {
	id    string
	name  string
	query chan struct{}

	mu      sync.Mutex
	turns   []model.Turn
	removed bool
}

func newChat(id, name string, turns []model.Turn) *chat {
	return &chat{
		id:    id,
		name:  name,
		query: make(chan struct{}, 1),
		turns: turns,
	}
}

func (c *chat) isRemoved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// Registry owns every chat for the lifetime of the process.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	chats   map[string]*chat
	created int

	store storage.Store
	log   zerolog.Logger
}

// New creates a Registry and reloads its state from store: the index first,
// then each referenced history. A missing history loads as empty.
func New(store storage.Store, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		chats: make(map[string]*chat),
		store: store,
		log:   log.With().Str("component", "registry").Logger(),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	summaries, err := r.store.ListSummaries()
	if err != nil {
		return fmt.Errorf("load chat index: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cs := range summaries {
		if _, dup := r.chats[cs.ID]; dup {
			r.log.Warn().Str("chat_id", cs.ID).Msg("INDEX_DUPLICATE | skipping repeated index entry")
			continue
		}
		turns, err := r.store.LoadHistory(cs.ID)
		if err != nil {
			return fmt.Errorf("load history for chat %s: %w", cs.ID, err)
		}
		r.chats[cs.ID] = newChat(cs.ID, cs.Name, turns)
		r.order = append(r.order, cs.ID)
	}

	r.log.Info().Int("chats", len(r.order)).Msg("CHATS_LOADED")
	return nil
}

// snapshotLocked returns the index as it should be persisted. Callers hold r.mu.
func (r *Registry) snapshotLocked() []model.ChatSummary {
	out := make([]model.ChatSummary, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, model.ChatSummary{ID: id, Name: r.chats[id].name})
	}
	return out
}

func (r *Registry) lookup(id string) (*chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return c, nil
}

// removeLocked drops id from the map and order. Callers hold r.mu.
func (r *Registry) removeLocked(id string) {
	delete(r.chats, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// =============================================================================
// CHAT LIFECYCLE
// =============================================================================

// CreateChat registers a new chat named "Chat N", where N counts chats
// created by this process. Its empty history and the new index are persisted
// before it becomes visible; on failure nothing is registered.
func (r *Registry) CreateChat() (model.ChatSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.created++
	cs := model.ChatSummary{
		ID:   uuid.NewString(),
		Name: model.DefaultChatName(r.created),
	}

	if err := r.store.SaveHistory(cs.ID, nil); err != nil {
		r.log.Error().Err(err).Str("chat_id", cs.ID).Msg("CHAT_CREATE_FAILED | history not written")
		return model.ChatSummary{}, err
	}

	r.chats[cs.ID] = newChat(cs.ID, cs.Name, []model.Turn{})
	r.order = append(r.order, cs.ID)

	if err := r.store.SaveIndex(r.snapshotLocked()); err != nil {
		r.removeLocked(cs.ID)
		if delErr := r.store.DeleteHistory(cs.ID); delErr != nil {
			r.log.Warn().Err(delErr).Str("chat_id", cs.ID).Msg("CHAT_CREATE_CLEANUP_FAILED")
		}
		r.log.Error().Err(err).Str("chat_id", cs.ID).Msg("CHAT_CREATE_FAILED | index not written")
		return model.ChatSummary{}, err
	}

	r.log.Info().Str("chat_id", cs.ID).Str("name", cs.Name).Msg("CHAT_CREATED")
	return cs, nil
}

// ListChats returns every chat summary in creation order.
func (r *Registry) ListChats() []model.ChatSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Len returns the number of registered chats.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// GetHistory returns a copy of a chat's turns, including a pending user turn
// of a query still in flight.
func (r *Registry) GetHistory(id string) (model.ChatHistory, error) {
	c, err := r.lookup(id)
	if err != nil {
		return model.ChatHistory{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.ChatHistory{ID: id, Turns: model.CloneTurns(c.turns)}, nil
}

// RenameChat changes a chat's display name and persists the index. An unknown
// id fails without touching the store. If the index write fails the new name
// stays in memory and the error is returned.
func (r *Registry) RenameChat(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chats[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	old := c.name
	c.name = name

	if err := r.store.SaveIndex(r.snapshotLocked()); err != nil {
		r.log.Error().Err(err).Str("chat_id", id).Msg("INDEX_SAVE_FAILED | memory and disk diverge after rename")
		return err
	}

	r.log.Info().Str("chat_id", id).Str("from", old).Str("to", name).Msg("CHAT_RENAMED")
	return nil
}

// DeleteChat removes a chat's history file, then the chat itself, then
// persists the index. If the history cannot be deleted nothing changes.
// A history that is already absent does not block deletion.
func (r *Registry) DeleteChat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chats[id]
	if !ok {
		return &NotFoundError{ID: id}
	}

	c.mu.Lock()
	err := r.store.DeleteHistory(id)
	if err != nil && !errors.Is(err, storage.ErrHistoryNotFound) {
		c.mu.Unlock()
		r.log.Error().Err(err).Str("chat_id", id).Msg("CHAT_DELETE_FAILED | rolled back")
		return err
	}
	c.removed = true
	c.mu.Unlock()

	r.removeLocked(id)

	if err := r.store.SaveIndex(r.snapshotLocked()); err != nil {
		r.log.Error().Err(err).Str("chat_id", id).Msg("INDEX_SAVE_FAILED | memory and disk diverge after delete")
		return err
	}

	r.log.Info().Str("chat_id", id).Msg("CHAT_DELETED")
	return nil
}

// ResetChat empties a chat's turns and persists the empty history. The id and
// name are kept. It waits for any query in flight on the chat to commit, so a
// reset never leaves an assistant turn without its user turn.
func (r *Registry) ResetChat(ctx context.Context, id string) error {
	lease, err := r.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer lease.Release()

	c := lease.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = []model.Turn{}
	if c.removed {
		return nil
	}
	if err := r.store.SaveHistory(id, c.turns); err != nil {
		r.log.Error().Err(err).Str("chat_id", id).Msg("HISTORY_SAVE_FAILED | memory and disk diverge after reset")
		return err
	}

	r.log.Info().Str("chat_id", id).Msg("CHAT_RESET")
	return nil
}

// ResetAll deletes every chat: the store is cleared first and memory follows
// only if that succeeds. The "Chat N" counter keeps counting.
func (r *Registry) ResetAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Clear(); err != nil {
		r.log.Error().Err(err).Msg("STORE_CLEAR_FAILED")
		return err
	}

	for _, c := range r.chats {
		c.mu.Lock()
		c.removed = true
		c.mu.Unlock()
	}
	n := len(r.order)
	r.chats = make(map[string]*chat)
	r.order = nil

	r.log.Info().Int("chats", n).Msg("STORE_RESET")
	return nil
}
