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

import "time"

// =============================================================================
// Audit Trail
// =============================================================================

// AuditToolCall records one tool invocation inside a round.
//
// Inputs are recorded as the model issued them, before restriction checks, so
// the trail shows what was asked for even when the call was denied.
type AuditToolCall struct {
	CallID   string `json:"call_id"`
	Tool     string `json:"tool"`
	Input    string `json:"input"`
	Denied   bool   `json:"denied,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms"`
}

// AuditRound is the audit record for one round of the agent loop.
//
// Description:
//
//	One record is emitted per provider call, fire-and-forget: the loop hands
//	the record to the audit sink and moves on without waiting. Sinks persist
//	the record (append-only file, Postgres) from their own goroutines, and a
//	sink failure is logged but never surfaces to the request.
//
// Fields:
//   - RequestID, SessionID: Correlation back to the originating request
//   - UserRole: Role the restriction set was resolved from
//   - Round: 1-based round number within the request
//   - Model: Model that served the round (fallback-aware)
//   - StopReason: Provider stop reason for the round
//   - ToolCalls: Tools the model invoked this round, in issue order
//   - Usage: Token usage for this round alone
type AuditRound struct {
	RequestID  string          `json:"request_id"`
	SessionID  string          `json:"session_id,omitempty"`
	UserRole   string          `json:"user_role"`
	Round      int             `json:"round"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	ToolCalls  []AuditToolCall `json:"tool_calls,omitempty"`
	Usage      TokenUsage      `json:"usage"`
	Timestamp  time.Time       `json:"timestamp"`
}

// =============================================================================
// Usage Metering
// =============================================================================

// UsageSample is one token-usage measurement, written to the usage recorder
// after each provider call.
type UsageSample struct {
	RequestID string     `json:"request_id"`
	SessionID string     `json:"session_id,omitempty"`
	Model     string     `json:"model"`
	Round     int        `json:"round"`
	Usage     TokenUsage `json:"usage"`
	Timestamp time.Time  `json:"timestamp"`
}
