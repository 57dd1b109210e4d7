// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chats and their turns.
package model

import (
	"fmt"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is one message exchanged in a chat. Turns are immutable once appended.
type Turn struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// UserTurn returns a turn spoken by the user.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn returns a turn spoken by the assistant.
func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// ValidateTurns checks that every turn has a known role.
//
// Strict user/assistant alternation is not enforced: a failed query leaves a
// user turn without an answer, and a retry appends another one after it.
func ValidateTurns(turns []Turn) error {
	for i, t := range turns {
		if !t.Role.IsValid() {
			return fmt.Errorf("turn %d: invalid role %q", i, t.Role)
		}
	}
	return nil
}

// CloneTurns returns a copy of turns that never aliases the input.
// A nil or empty input yields an empty, non-nil slice so it encodes as [].
func CloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// =============================================================================
// CHAT TYPES
// =============================================================================

// ChatSummary is the index entry for one chat.
type ChatSummary struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// ChatHistory is the ordered turn sequence of one chat.
type ChatHistory struct {
	ID    string `json:"id" yaml:"id"`
	Turns []Turn `json:"turns" yaml:"turns"`
}

// Len returns the number of turns.
func (h ChatHistory) Len() int {
	return len(h.Turns)
}

// Pending reports whether the last turn is an unanswered user turn.
func (h ChatHistory) Pending() bool {
	return len(h.Turns) > 0 && h.Turns[len(h.Turns)-1].Role == RoleUser
}

// DefaultChatName returns the display name given to the n-th created chat.
func DefaultChatName(n int) string {
	return fmt.Sprintf("Chat %d", n)
}
