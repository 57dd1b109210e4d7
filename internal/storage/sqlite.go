// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-chatd/internal/model"
)

// SQLiteFileName is the database file created under the storage directory.
const SQLiteFileName = "chats.db"

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore keeps the index and every history in one SQLite database.
// Each save runs in its own transaction, so readers see whole snapshots only.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = &SQLiteStore{}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, errors.Wrap(err, "sqlite store: create directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	// Single writer; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS chats (
		  position INTEGER NOT NULL,
		  id TEXT PRIMARY KEY,
		  name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS histories (
		  chat_id TEXT PRIMARY KEY,
		  turns TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "sqlite store: migrate %q", stmt)
		}
	}
	return nil
}

// ListSummaries returns the index in stored order.
func (s *SQLiteStore) ListSummaries() ([]model.ChatSummary, error) {
	rows, err := s.db.Query(`SELECT id, name FROM chats ORDER BY position`)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: "chats", Err: err}
	}
	defer rows.Close()

	summaries := []model.ChatSummary{}
	for rows.Next() {
		var cs model.ChatSummary
		if err := rows.Scan(&cs.ID, &cs.Name); err != nil {
			return nil, &PersistenceError{Op: "load", Path: "chats", Err: err}
		}
		summaries = append(summaries, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Path: "chats", Err: err}
	}
	return summaries, nil
}

// LoadHistory returns a chat's turns, or an empty history if none is stored.
func (s *SQLiteStore) LoadHistory(id string) ([]model.Turn, error) {
	if !validID(id) {
		return []model.Turn{}, nil
	}

	var raw string
	err := s.db.QueryRow(`SELECT turns FROM histories WHERE chat_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []model.Turn{}, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: "histories", Err: err}
	}

	turns := []model.Turn{}
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, &PersistenceError{Op: "load", Path: "histories", Err: errors.Wrapf(err, "parse history %s", id)}
	}
	if err := model.ValidateTurns(turns); err != nil {
		return nil, &PersistenceError{Op: "load", Path: "histories", Err: err}
	}
	return turns, nil
}

// SaveHistory replaces a chat's stored turns.
func (s *SQLiteStore) SaveHistory(id string, turns []model.Turn) error {
	if !validID(id) {
		return &PersistenceError{Op: "save", Path: "histories", Err: errors.Errorf("invalid chat id %q", id)}
	}
	data, err := json.Marshal(model.CloneTurns(turns))
	if err != nil {
		return &PersistenceError{Op: "save", Path: "histories", Err: errors.Wrap(err, "encode")}
	}

	_, err = s.db.Exec(`
		INSERT INTO histories (chat_id, turns) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET turns = excluded.turns
	`, id, string(data))
	if err != nil {
		return &PersistenceError{Op: "save", Path: "histories", Err: err}
	}
	return nil
}

// SaveIndex replaces the whole index in one transaction.
func (s *SQLiteStore) SaveIndex(summaries []model.ChatSummary) error {
	err := s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM chats`); err != nil {
			return err
		}
		for i, cs := range summaries {
			if _, err := tx.Exec(`INSERT INTO chats (position, id, name) VALUES (?, ?, ?)`, i, cs.ID, cs.Name); err != nil {
				return errors.Wrapf(err, "insert chat %s", cs.ID)
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "save", Path: "chats", Err: err}
	}
	return nil
}

// DeleteHistory removes a chat's stored turns.
func (s *SQLiteStore) DeleteHistory(id string) error {
	if !validID(id) {
		return ErrHistoryNotFound
	}
	res, err := s.db.Exec(`DELETE FROM histories WHERE chat_id = ?`, id)
	if err != nil {
		return &PersistenceError{Op: "delete", Path: "histories", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "delete", Path: "histories", Err: err}
	}
	if n == 0 {
		return ErrHistoryNotFound
	}
	return nil
}

// Clear removes every history and empties the index.
func (s *SQLiteStore) Clear() error {
	err := s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM histories`); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM chats`)
		return err
	})
	if err != nil {
		return &PersistenceError{Op: "clear", Path: s.path, Err: err}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}
