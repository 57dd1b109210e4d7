// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"testing"
)

// =============================================================================
// ROLE TESTS
// =============================================================================

func TestRole_IsValid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleUser, true},
		{RoleAssistant, true},
		{Role("system"), false},
		{Role(""), false},
	}

	for _, tt := range tests {
		if got := tt.role.IsValid(); got != tt.want {
			t.Errorf("Role(%q).IsValid() = %v, want %v", tt.role, got, tt.want)
		}
	}
}

// =============================================================================
// TURN TESTS
// =============================================================================

func TestValidateTurns(t *testing.T) {
	ok := []Turn{UserTurn("hi"), AssistantTurn("hello"), UserTurn("again"), UserTurn("again")}
	if err := ValidateTurns(ok); err != nil {
		t.Errorf("ValidateTurns() unexpected error: %v", err)
	}

	bad := []Turn{UserTurn("hi"), {Role: "ollama", Content: "x"}}
	if err := ValidateTurns(bad); err == nil {
		t.Error("ValidateTurns() expected error for unknown role")
	}
}

func TestCloneTurns_EmptyEncodesAsArray(t *testing.T) {
	data, err := json.Marshal(CloneTurns(nil))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("CloneTurns(nil) encoded as %s, want []", data)
	}
}

func TestCloneTurns_DoesNotAlias(t *testing.T) {
	src := []Turn{UserTurn("a")}
	dst := CloneTurns(src)
	dst[0].Content = "b"
	if src[0].Content != "a" {
		t.Error("CloneTurns() result aliases its input")
	}
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestChatHistory_Pending(t *testing.T) {
	h := ChatHistory{ID: "x"}
	if h.Pending() {
		t.Error("empty history should not be pending")
	}
	h.Turns = append(h.Turns, UserTurn("hi"))
	if !h.Pending() {
		t.Error("history ending in a user turn should be pending")
	}
	h.Turns = append(h.Turns, AssistantTurn("hello"))
	if h.Pending() {
		t.Error("answered history should not be pending")
	}
}

func TestDefaultChatName(t *testing.T) {
	if got := DefaultChatName(3); got != "Chat 3" {
		t.Errorf("DefaultChatName(3) = %q, want %q", got, "Chat 3")
	}
}
