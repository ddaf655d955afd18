// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strings"
	"testing"
	"time"
)

// =============================================================================
// AssistantChatRequest Validation Tests
// =============================================================================

func TestAssistantChatRequest_Validate_Success(t *testing.T) {
	req := &AssistantChatRequest{
		RequestID: "550e8400-e29b-41d4-a716-446655440000",
		Timestamp: time.Now().UnixMilli(),
		Messages: []Message{
			NewTextMessage(RoleUser, "Which deals close this month?"),
		},
	}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestAssistantChatRequest_Validate_OptionalFieldsAbsent(t *testing.T) {
	// RequestID, Timestamp, and SessionID are all server-defaulted.
	req := &AssistantChatRequest{
		Messages: []Message{
			NewTextMessage(RoleUser, "Hello"),
		},
	}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestAssistantChatRequest_Validate_InvalidRequestID(t *testing.T) {
	req := &AssistantChatRequest{
		RequestID: "not-a-uuid",
		Messages: []Message{
			NewTextMessage(RoleUser, "Hello"),
		},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for invalid request_id, got nil")
	}
}

func TestAssistantChatRequest_Validate_EmptyMessages(t *testing.T) {
	req := &AssistantChatRequest{
		RequestID: "550e8400-e29b-41d4-a716-446655440000",
		Messages:  []Message{},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for empty messages, got nil")
	}
}

func TestAssistantChatRequest_Validate_TooManyMessages(t *testing.T) {
	messages := make([]Message, MaxMessagesPerRequest+1)
	for i := range messages {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		messages[i] = NewTextMessage(role, "turn")
	}
	// Terminal message must be user so only the count check can fail.
	messages[len(messages)-1] = NewTextMessage(RoleUser, "turn")

	req := &AssistantChatRequest{Messages: messages}

	if err := req.Validate(); err == nil {
		t.Error("expected error for too many messages, got nil")
	}
}

func TestAssistantChatRequest_Validate_InvalidRole(t *testing.T) {
	tests := []struct {
		name string
		role string
	}{
		{"system role rejected", "system"},
		{"tool role rejected", "tool"},
		{"empty role rejected", ""},
		{"case sensitive", "User"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &AssistantChatRequest{
				Messages: []Message{
					NewTextMessage(tt.role, "Hello"),
					NewTextMessage(RoleUser, "Hello"),
				},
			}

			if err := req.Validate(); err == nil {
				t.Errorf("expected error for role %q, got nil", tt.role)
			}
		})
	}
}

func TestAssistantChatRequest_Validate_EmptyContent(t *testing.T) {
	req := &AssistantChatRequest{
		Messages: []Message{
			{Role: RoleUser},
		},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for empty content, got nil")
	}
}

func TestAssistantChatRequest_Validate_ContentTooLarge(t *testing.T) {
	req := &AssistantChatRequest{
		Messages: []Message{
			NewTextMessage(RoleUser, strings.Repeat("a", MaxMessageContentBytes+1)),
		},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized content, got nil")
	}
}

func TestAssistantChatRequest_Validate_ContentAtLimit(t *testing.T) {
	req := &AssistantChatRequest{
		Messages: []Message{
			NewTextMessage(RoleUser, strings.Repeat("a", MaxMessageContentBytes)),
		},
	}

	if err := req.Validate(); err != nil {
		t.Errorf("content exactly at limit should validate, got: %v", err)
	}
}

func TestAssistantChatRequest_Validate_FinalMessageMustBeUser(t *testing.T) {
	req := &AssistantChatRequest{
		Messages: []Message{
			NewTextMessage(RoleUser, "Which deals close this month?"),
			NewTextMessage(RoleAssistant, "Three deals close in August."),
		},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error when history ends with assistant turn, got nil")
	}
}

func TestAssistantChatRequest_Validate_MultiTurnHistory(t *testing.T) {
	req := &AssistantChatRequest{
		SessionID: "sess-42",
		Messages: []Message{
			NewTextMessage(RoleUser, "Who owns the Acme account?"),
			NewTextMessage(RoleAssistant, "Dana Reyes owns Acme Corp."),
			NewTextMessage(RoleUser, "And their open opportunities?"),
		},
	}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid multi-turn request, got error: %v", err)
	}
}

func TestAssistantChatRequest_Validate_SessionIDTooLong(t *testing.T) {
	req := &AssistantChatRequest{
		SessionID: strings.Repeat("s", MaxSessionIDLength+1),
		Messages: []Message{
			NewTextMessage(RoleUser, "Hello"),
		},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized session_id, got nil")
	}
}

// =============================================================================
// EnsureDefaults Tests
// =============================================================================

func TestAssistantChatRequest_EnsureDefaults_GeneratesIDs(t *testing.T) {
	req := &AssistantChatRequest{
		Messages: []Message{
			NewTextMessage(RoleUser, "Hello"),
		},
	}

	req.EnsureDefaults()

	if req.RequestID == "" {
		t.Error("expected RequestID to be generated")
	}
	if req.Timestamp == 0 {
		t.Error("expected Timestamp to be generated")
	}
	if err := req.Validate(); err != nil {
		t.Errorf("defaulted request should validate, got: %v", err)
	}
}

func TestAssistantChatRequest_EnsureDefaults_PreservesProvided(t *testing.T) {
	req := &AssistantChatRequest{
		RequestID: "550e8400-e29b-41d4-a716-446655440000",
		Timestamp: 1700000000000,
		Messages: []Message{
			NewTextMessage(RoleUser, "Hello"),
		},
	}

	req.EnsureDefaults()

	if req.RequestID != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("RequestID was overwritten: %s", req.RequestID)
	}
	if req.Timestamp != 1700000000000 {
		t.Errorf("Timestamp was overwritten: %d", req.Timestamp)
	}
}

// =============================================================================
// AssistantChatResponse Tests
// =============================================================================

func TestNewAssistantChatResponse(t *testing.T) {
	round := RoundState{
		Round:     4,
		ModelUsed: "claude-sonnet-4",
		Usage:     TokenUsage{InputTokens: 1200, OutputTokens: 340},
	}

	resp := NewAssistantChatResponse("550e8400-e29b-41d4-a716-446655440000", round)

	if resp.ResponseID == "" {
		t.Error("expected ResponseID to be generated")
	}
	if resp.RequestID != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("RequestID = %q, want echo of request", resp.RequestID)
	}
	if resp.Timestamp == 0 {
		t.Error("expected Timestamp to be set")
	}
	if resp.Rounds != 4 {
		t.Errorf("Rounds = %d, want 4", resp.Rounds)
	}
	if resp.MaxRoundsReached {
		t.Error("MaxRoundsReached should be false")
	}
	if resp.ModelUsed != "claude-sonnet-4" {
		t.Errorf("ModelUsed = %q, want claude-sonnet-4", resp.ModelUsed)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 1200 || resp.Usage.OutputTokens != 340 {
		t.Errorf("Usage = %+v, want input 1200 / output 340", resp.Usage)
	}
}

func TestNewAssistantChatResponse_MaxRoundsReached(t *testing.T) {
	round := RoundState{Round: 12, MaxRoundsReached: true}

	resp := NewAssistantChatResponse("req-1", round)

	if !resp.MaxRoundsReached {
		t.Error("MaxRoundsReached should be true")
	}
	if resp.Rounds != 12 {
		t.Errorf("Rounds = %d, want 12", resp.Rounds)
	}
}

func TestNewAssistantChatResponse_UniqueIDs(t *testing.T) {
	a := NewAssistantChatResponse("req-1", RoundState{})
	b := NewAssistantChatResponse("req-1", RoundState{})

	if a.ResponseID == b.ResponseID {
		t.Error("expected distinct ResponseIDs")
	}
}
