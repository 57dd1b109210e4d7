// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chatd/internal/model"
)

// =============================================================================
// FILE LAYOUT TESTS
// =============================================================================

func TestFileStore_IndexCreatedLazily(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = os.Stat(s.IndexPath())
	require.True(t, os.IsNotExist(err), "index should not exist before first access")

	_, err = s.ListSummaries()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestFileStore_HistoryFileIsTurnArray(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	id := uuid.NewString()
	require.NoError(t, s.SaveHistory(id, []model.Turn{model.UserTurn("hi"), model.AssistantTurn("hello")}))

	data, err := os.ReadFile(s.HistoryPath(id))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]`, string(data))
}

func TestFileStore_IndexFileIsSummaryArray(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	id := uuid.NewString()
	require.NoError(t, s.SaveIndex([]model.ChatSummary{{ID: id, Name: "Chat 1"}}))

	data, err := os.ReadFile(s.IndexPath())
	require.NoError(t, err)

	var raw []map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
	assert.Equal(t, map[string]string{"id": id, "name": "Chat 1"}, raw[0])
}

func TestFileStore_CorruptIndex(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.IndexPath(), []byte("{not json"), 0600))

	_, err = s.ListSummaries()
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
}

func TestFileStore_CorruptHistory(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	id := uuid.NewString()
	require.NoError(t, os.WriteFile(s.HistoryPath(id), []byte(`[{"role":"ollama","content":"x"}]`), 0600))

	_, err = s.LoadHistory(id)
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
}

func TestFileStore_ClearRemovesOrphans(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	orphan := uuid.NewString()
	require.NoError(t, s.SaveHistory(orphan, []model.Turn{model.UserTurn("x")}))
	require.NoError(t, s.Clear())

	_, err = os.Stat(s.HistoryPath(orphan))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.BaseDir, HistoryDirName))
	assert.NoError(t, err, "history directory should be recreated")
}
