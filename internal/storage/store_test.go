// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chatd/internal/model"
)

// =============================================================================
// CONTRACT TESTS (every backend)
// =============================================================================

func backends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := Open(Options{Backend: BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)

	sqliteStore, err := Open(Options{Backend: BackendSQLite, Dir: t.TempDir()})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = fileStore.Close()
		_ = sqliteStore.Close()
	})
	return map[string]Store{
		BackendFile:   fileStore,
		BackendSQLite: sqliteStore,
	}
}

func TestStore_ListSummariesEmpty(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			summaries, err := s.ListSummaries()
			require.NoError(t, err)
			require.NotNil(t, summaries)
			require.Empty(t, summaries)
		})
	}
}

func TestStore_IndexRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			want := []model.ChatSummary{
				{ID: uuid.NewString(), Name: "Chat 1"},
				{ID: uuid.NewString(), Name: "renamed: \"quotes\" & ünïcode"},
				{ID: uuid.NewString(), Name: "Chat 3"},
			}
			require.NoError(t, s.SaveIndex(want))

			got, err := s.ListSummaries()
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("index mismatch (-want +got):\n%s", diff)
			}

			// Overwrite replaces, never merges
			require.NoError(t, s.SaveIndex(want[1:2]))
			got, err = s.ListSummaries()
			require.NoError(t, err)
			if diff := cmp.Diff(want[1:2], got); diff != "" {
				t.Errorf("index after overwrite (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_HistoryRoundTrip(t *testing.T) {
	cases := map[string][]model.Turn{
		"empty":    {},
		"one":      {model.UserTurn("hi")},
		"pair":     {model.UserTurn("hi"), model.AssistantTurn("hello")},
		"dangling": {model.UserTurn("hi"), model.UserTurn("hi"), model.AssistantTurn("line1\nline2\t{\"json\":true}")},
	}

	for name, s := range backends(t) {
		for caseName, turns := range cases {
			t.Run(name+"/"+caseName, func(t *testing.T) {
				id := uuid.NewString()
				require.NoError(t, s.SaveHistory(id, turns))

				got, err := s.LoadHistory(id)
				require.NoError(t, err)
				if diff := cmp.Diff(turns, got); diff != "" {
					t.Errorf("history mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestStore_LoadMissingHistoryIsEmpty(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			turns, err := s.LoadHistory(uuid.NewString())
			require.NoError(t, err)
			require.NotNil(t, turns)
			require.Empty(t, turns)

			turns, err = s.LoadHistory("../../etc/passwd")
			require.NoError(t, err)
			require.Empty(t, turns)
		})
	}
}

func TestStore_DeleteHistory(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := uuid.NewString()
			require.NoError(t, s.SaveHistory(id, []model.Turn{model.UserTurn("x")}))

			require.NoError(t, s.DeleteHistory(id))

			err := s.DeleteHistory(id)
			require.True(t, errors.Is(err, ErrHistoryNotFound), "second delete: got %v", err)

			turns, err := s.LoadHistory(id)
			require.NoError(t, err)
			require.Empty(t, turns)
		})
	}
}

func TestStore_DeleteInvalidID(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.DeleteHistory("not-a-uuid")
			require.ErrorIs(t, err, ErrHistoryNotFound)
		})
	}
}

func TestStore_SaveInvalidID(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SaveHistory("../escape", nil)
			require.Error(t, err)
			require.True(t, IsPersistenceError(err))
		})
	}
}

func TestStore_Clear(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a, b := uuid.NewString(), uuid.NewString()
			require.NoError(t, s.SaveHistory(a, []model.Turn{model.UserTurn("a")}))
			require.NoError(t, s.SaveHistory(b, []model.Turn{model.UserTurn("b")}))
			require.NoError(t, s.SaveIndex([]model.ChatSummary{{ID: a, Name: "A"}, {ID: b, Name: "B"}}))

			require.NoError(t, s.Clear())

			summaries, err := s.ListSummaries()
			require.NoError(t, err)
			require.Empty(t, summaries)
			require.ErrorIs(t, s.DeleteHistory(a), ErrHistoryNotFound)
			require.ErrorIs(t, s.DeleteHistory(b), ErrHistoryNotFound)
		})
	}
}

// =============================================================================
// OPEN TESTS
// =============================================================================

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "mongo", Dir: t.TempDir()})
	require.Error(t, err)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Options{Backend: BackendFile})
	require.Error(t, err)
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestPersistenceError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&PersistenceError{Op: "save", Path: "/x", Err: cause})

	require.ErrorIs(t, err, cause)
	require.True(t, IsPersistenceError(err))
	require.Contains(t, err.Error(), "disk full")
	require.False(t, IsPersistenceError(cause))
}

func TestStoreError_Is(t *testing.T) {
	wrapped := &StoreError{Message: ErrHistoryNotFound.Message}
	require.ErrorIs(t, wrapped, ErrHistoryNotFound)
	require.NotErrorIs(t, &StoreError{Message: "other"}, ErrHistoryNotFound)
}
