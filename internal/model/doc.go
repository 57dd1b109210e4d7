// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chats and their turns.
//
// These are plain value types shared by the store, the session registry and
// the inference proxy. None of them carry behaviour beyond validation.
//
// # Key Types
//
//   - ChatSummary: id and display name of one chat, as listed in the index
//   - Turn: one message in a chat, tagged with its speaker role
//   - ChatHistory: the ordered turns of one chat
//   - Role: speaker enumeration (user, assistant)
//
// # Usage
//
//	history := model.ChatHistory{ID: id}
//	history.Turns = append(history.Turns, model.UserTurn("hi"))
//	if err := model.ValidateTurns(history.Turns); err != nil {
//	    // reject malformed history
//	}
package model
