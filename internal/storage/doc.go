// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides chat persistence for rigrun-chatd.
//
// A Store is a durability mirror of the session registry: an index of chat
// summaries plus one turn history per chat. It holds no cache of its own and
// has no authority; on conflict the registry's memory wins and becomes the
// next snapshot written here.
//
// # Key Types
//
//   - Store: interface implemented by every backend
//   - FileStore: index.json plus history/<id>.json, each written atomically
//   - SQLiteStore: the same contract kept in one SQLite database
//   - PersistenceError: a filesystem or database write/delete failure
//
// # Usage
//
//	store, err := storage.Open(storage.Options{Backend: "file", Dir: dataDir})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	summaries, err := store.ListSummaries()
//	turns, err := store.LoadHistory(summaries[0].ID)
//
// Deleting an absent history reports ErrHistoryNotFound:
//
//	if errors.Is(store.DeleteHistory(id), storage.ErrHistoryNotFound) {
//	    // already gone
//	}
package storage
