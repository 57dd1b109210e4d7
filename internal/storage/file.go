// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/jeranaias/rigrun-chatd/internal/model"
	"github.com/jeranaias/rigrun-chatd/internal/util"
)

// File layout under FileStore.BaseDir.
const (
	IndexFileName  = "index.json"
	HistoryDirName = "history"
)

const (
	filePerm os.FileMode = 0600
	dirPerm  os.FileMode = 0700
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps the index in one JSON file and each chat's turns in its own
// JSON file named by the chat id. Every write goes through util.AtomicWriteFile.
type FileStore struct {
	BaseDir string
}

var _ Store = &FileStore{}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, HistoryDirName), dirPerm); err != nil {
		return nil, errors.Wrapf(err, "create store directory %s", dir)
	}
	return &FileStore{BaseDir: dir}, nil
}

// IndexPath returns the path of the index file.
func (s *FileStore) IndexPath() string {
	return filepath.Join(s.BaseDir, IndexFileName)
}

// HistoryPath returns the path of a chat's history file.
func (s *FileStore) HistoryPath(id string) string {
	return filepath.Join(s.BaseDir, HistoryDirName, id+".json")
}

// ListSummaries reads the index. A missing index is written out empty.
func (s *FileStore) ListSummaries() ([]model.ChatSummary, error) {
	path := s.IndexPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := s.SaveIndex(nil); err != nil {
			return nil, err
		}
		return []model.ChatSummary{}, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}

	summaries := []model.ChatSummary{}
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: errors.Wrap(err, "parse index")}
	}
	return summaries, nil
}

// LoadHistory reads a chat's turns. A missing file is an empty history.
func (s *FileStore) LoadHistory(id string) ([]model.Turn, error) {
	if !validID(id) {
		return []model.Turn{}, nil
	}

	path := s.HistoryPath(id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []model.Turn{}, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}

	turns := []model.Turn{}
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: errors.Wrap(err, "parse history")}
	}
	if err := model.ValidateTurns(turns); err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	return turns, nil
}

// SaveHistory overwrites a chat's history file with the full turn sequence.
func (s *FileStore) SaveHistory(id string, turns []model.Turn) error {
	if !validID(id) {
		return &PersistenceError{Op: "save", Path: id, Err: errors.Errorf("invalid chat id %q", id)}
	}
	path := s.HistoryPath(id)
	return s.writeJSON(path, model.CloneTurns(turns))
}

// SaveIndex overwrites the index file with the full summary set.
func (s *FileStore) SaveIndex(summaries []model.ChatSummary) error {
	out := make([]model.ChatSummary, len(summaries))
	copy(out, summaries)
	return s.writeJSON(s.IndexPath(), out)
}

// DeleteHistory removes a chat's history file.
func (s *FileStore) DeleteHistory(id string) error {
	if !validID(id) {
		return ErrHistoryNotFound
	}
	path := s.HistoryPath(id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrHistoryNotFound
		}
		return &PersistenceError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

// Clear deletes every history file and reinitializes the index to empty.
func (s *FileStore) Clear() error {
	dir := filepath.Join(s.BaseDir, HistoryDirName)
	if err := os.RemoveAll(dir); err != nil {
		return &PersistenceError{Op: "clear", Path: dir, Err: err}
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &PersistenceError{Op: "clear", Path: dir, Err: err}
	}
	return s.SaveIndex(nil)
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: errors.Wrap(err, "encode")}
	}
	if err := util.AtomicWriteFileWithDir(path, data, filePerm, dirPerm); err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	return nil
}
