// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session provides the in-memory chat registry.
//
// The Registry is the single authority over which chats exist, their names and
// their turns. It mirrors every mutation to a storage.Store, regenerating the
// whole index from memory on each change rather than patching it.
//
// # Key Types
//
//   - Registry: ordered map of chats guarded by one map lock plus a lock per chat
//   - Lease: exclusive query access to one chat, held for a whole query
//   - NotFoundError: unknown chat id, matches ErrChatNotFound
//
// # Usage
//
// Reload state at startup and create a chat:
//
//	reg, err := session.New(store, logger)
//	summary, err := reg.CreateChat()
//
// Serialize a query against one chat:
//
//	lease, err := reg.Acquire(ctx, summary.ID)
//	if err != nil {
//	    return err
//	}
//	defer lease.Release()
//	turns := lease.Append(model.UserTurn(prompt))
//	// ... stream the answer ...
//	lease.Append(model.AssistantTurn(answer))
//	err = lease.Persist()
//
// # Locking
//
// Lock order is map lock, then chat lock. Queries on different chats never
// contend; queries on the same chat run one after another.
package session
