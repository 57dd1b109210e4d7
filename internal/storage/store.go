// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jeranaias/rigrun-chatd/internal/model"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store persists chat summaries and per-chat turn histories.
type Store interface {
	// ListSummaries returns the index in stored order, creating an empty
	// index on first access.
	ListSummaries() ([]model.ChatSummary, error)

	// LoadHistory returns the turns of a chat. An absent history is empty.
	LoadHistory(id string) ([]model.Turn, error)

	// SaveHistory replaces the stored turns of a chat.
	SaveHistory(id string, turns []model.Turn) error

	// SaveIndex replaces the stored index.
	SaveIndex(summaries []model.ChatSummary) error

	// DeleteHistory removes a chat's history, failing with
	// ErrHistoryNotFound if it does not exist.
	DeleteHistory(id string) error

	// Clear removes every history and resets the index to empty.
	Clear() error

	// Close releases any resources held by the store.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend string
	Dir     string
}

// Open creates the Store described by opts.
func Open(opts Options) (Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("storage directory is required")
	}
	switch strings.ToLower(opts.Backend) {
	case "", BackendFile:
		return NewFileStore(opts.Dir)
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(opts.Dir, SQLiteFileName))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// validID reports whether id is safe to use as a storage key.
// Chat ids are canonical UUIDs; anything else is treated as absent.
func validID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrHistoryNotFound is returned when a chat history doesn't exist.
// Use errors.Is(err, ErrHistoryNotFound) to check for this error.
var ErrHistoryNotFound = &StoreError{Message: "chat history not found"}

// StoreError represents a store-level condition comparable with errors.Is.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// PersistenceError wraps a failure to read, write or delete durable state.
type PersistenceError struct {
	Op   string // load, save, delete, clear
	Path string // file path or table name
	Err  error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
