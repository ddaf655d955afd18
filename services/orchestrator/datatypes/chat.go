// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains request and response types for the CRM assistant chat
// endpoint. Conversation content types live in conversation.go.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Per SEC-003: Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	// Per SEC-004: Unbounded message history mitigation.
	MaxMessagesPerRequest = 100

	// MaxSessionIDLength bounds the client-supplied session correlation ID.
	MaxSessionIDLength = 128
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for message role values
	_ = chatValidate.RegisterValidation("chatrole", validateChatRole)
}

// validateChatRole validates that a role field is one of the accepted values.
//
// # Description
//
// Conversation history may only contain user and assistant turns; the system
// prompt is owned by the server and never arrives in the message list.
//
// # Inputs
//
//   - fl: Validator field level containing the role string
//
// # Outputs
//
//   - bool: true if the role is "user" or "assistant"
func validateChatRole(fl validator.FieldLevel) bool {
	role := fl.Field().String()
	return role == RoleUser || role == RoleAssistant
}

// =============================================================================
// Assistant Chat Request Types
// =============================================================================

// AssistantChatRequest represents the CRM assistant chat request body.
//
// # Description
//
// AssistantChatRequest carries the full conversation history for one turn of
// the tool-use loop. The service is stateless: the client resends history on
// every call. This is the body of POST /v1/assistant/chat and the initial
// frame of the WebSocket transport.
//
// The caller's role and data restrictions are NOT part of this type. They are
// injected by the auth middleware from the validated identity, so a client
// can never grant itself a wider view by editing the request body.
//
// # Fields
//
//   - RequestID: Optional. Unique identifier for this request (UUID v4).
//     Generated server-side when absent. Used for tracing and audit trails.
//   - Timestamp: Optional. Unix timestamp in milliseconds (UTC).
//     Generated server-side when absent.
//   - SessionID: Optional. Client session correlation ID, echoed to audit.
//   - Messages: Required. Conversation history with 1-100 messages, oldest
//     first, ending with a user message. Content per message is limited to
//     32KB (SEC-003 compliance).
//
// # Validation
//
// Uses go-playground/validator plus structural checks in Validate():
//   - Messages: required, 1-100 elements
//   - Messages[].Role: "user" or "assistant"
//   - per-message content: max 32768 bytes
//   - final message: role "user"
//
// # Limitations
//
//   - Message content limited to 32KB (larger payloads rejected)
//   - Maximum 100 messages per request (client should trim older turns)
//
// # Assumptions
//
//   - Messages are in chronological order
//   - tool_use/tool_result pairing in resent history is the client's copy of
//     what this service produced earlier; it is forwarded verbatim
type AssistantChatRequest struct {
	RequestID string    `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp int64     `json:"timestamp" validate:"gte=0"`
	SessionID string    `json:"session_id" validate:"omitempty,max=128"`
	Messages  []Message `json:"messages" validate:"required,min=1,max=100"`
}

// Validate validates the AssistantChatRequest fields.
//
// # Description
//
// Performs tag validation then the structural checks that tags cannot
// express: per-message role and size limits, and the terminal-user-message
// rule the agent loop depends on.
//
// # Outputs
//
//   - error: Non-nil if validation failed, with details about which field
//
// # Examples
//
//	if err := req.Validate(); err != nil {
//	    return fmt.Errorf("invalid request: %w", err)
//	}
func (r *AssistantChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}

	for i, msg := range r.Messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return fmt.Errorf("message %d: invalid role %q", i, msg.Role)
		}
		if len(msg.Content) == 0 {
			return fmt.Errorf("message %d: empty content", i)
		}
		if size := msg.ContentBytes(); size > MaxMessageContentBytes {
			return fmt.Errorf("message %d: content is %d bytes, limit is %d",
				i, size, MaxMessageContentBytes)
		}
	}

	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser {
		return fmt.Errorf("final message must have role %q, got %q", RoleUser, last.Role)
	}

	return nil
}

// EnsureDefaults populates default values for optional fields.
//
// # Description
//
// Generates RequestID and Timestamp if not provided by the client.
// This ensures all requests have proper identifiers for tracing and auditing.
//
// # Examples
//
//	req := &AssistantChatRequest{Messages: messages}
//	req.EnsureDefaults()
//	// req.RequestID is now a UUID
//	// req.Timestamp is now a Unix timestamp
func (r *AssistantChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = generateUUID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// =============================================================================
// Assistant Chat Response Types
// =============================================================================

// AssistantChatResponse is the summary payload of the terminal complete event.
//
// # Description
//
// Streaming transports deliver the answer incrementally; this type carries
// the end-of-turn accounting. Every response includes a unique ID and
// timestamp for audit trails.
//
// # Fields
//
//   - ResponseID: Unique identifier for this response (UUID v4), server-generated.
//   - RequestID: Echo of the request ID for correlation.
//   - Timestamp: Unix timestamp in milliseconds (UTC) when the turn finished.
//   - Rounds: Number of model rounds the loop consumed.
//   - MaxRoundsReached: True when the round ceiling forced a soft failure.
//   - ModelUsed: Model that produced the final answer (fallback-aware).
//   - Usage: Cumulative token usage across all rounds.
//   - ProcessingTimeMs: Wall time for the whole turn.
type AssistantChatResponse struct {
	ResponseID       string      `json:"response_id"`
	RequestID        string      `json:"request_id"`
	Timestamp        int64       `json:"timestamp"`
	Rounds           int         `json:"rounds"`
	MaxRoundsReached bool        `json:"max_rounds_reached"`
	ModelUsed        string      `json:"model_used,omitempty"`
	Usage            *TokenUsage `json:"usage,omitempty"`
	ProcessingTimeMs int64       `json:"processing_time_ms,omitempty"`
}

// NewAssistantChatResponse creates a response summary with auto-generated
// ID and timestamp.
//
// # Inputs
//
//   - requestID: The request ID to echo back for correlation
//   - round: Round accounting from the completed loop
//
// # Outputs
//
//   - *AssistantChatResponse: A new summary with ResponseID and Timestamp set
func NewAssistantChatResponse(requestID string, round RoundState) *AssistantChatResponse {
	usage := round.Usage
	return &AssistantChatResponse{
		ResponseID:       generateUUID(),
		RequestID:        requestID,
		Timestamp:        time.Now().UnixMilli(),
		Rounds:           round.Round,
		MaxRoundsReached: round.MaxRoundsReached,
		ModelUsed:        round.ModelUsed,
		Usage:            &usage,
	}
}

// generateUUID returns a new UUID v4 string.
func generateUUID() string {
	return uuid.New().String()
}

// =============================================================================
// Token Usage Types
// =============================================================================

// TokenUsage contains token consumption statistics.
//
// # Description
//
// Tracks input and output token counts for billing and monitoring.
//
// # Fields
//
//   - InputTokens: Number of tokens in the prompt/messages
//   - OutputTokens: Number of tokens in the response
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
