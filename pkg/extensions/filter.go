// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrMessageBlocked is returned when a message is rejected by the filter.
// Enterprise implementations should wrap this error with the reason.
//
// Example:
//
//	if containsPII(msg) {
//	    return "", fmt.Errorf("message contains PII: %w", ErrMessageBlocked)
//	}
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult contains the outcome of a filter operation.
//
// This struct provides detailed information about what the filter did,
// useful for debugging, audit trails, and user feedback.
//
// Example:
//
//	result := FilterResult{
//	    Original:    "Call Dana at 555-0142 about the renewal",
//	    Filtered:    "Call Dana at [REDACTED] about the renewal",
//	    WasModified: true,
//	    Detections: []Detection{
//	        {Type: "phone", Location: "characters 13-21", Action: "redacted"},
//	    },
//	}
type FilterResult struct {
	// Original is the input message before filtering.
	Original string

	// Filtered is the message after filtering transformations.
	// If WasModified is false, this equals Original.
	Filtered string

	// WasModified indicates if any transformations were applied.
	WasModified bool

	// WasBlocked indicates if the message was completely rejected.
	// If true, Filtered should not be used.
	WasBlocked bool

	// BlockReason explains why the message was blocked (if WasBlocked).
	BlockReason string

	// Detections lists what the filter found in the message.
	// Useful for audit logging and debugging.
	Detections []Detection
}

// Detection describes a single item found by the filter.
//
// Example:
//
//	detection := Detection{
//	    Type:     "credit_card",
//	    Location: "characters 45-64",
//	    Action:   "redacted",
//	}
type Detection struct {
	// Type categorizes what was detected.
	// Common types: "ssn", "credit_card", "email", "phone", "api_key",
	// "pii", "secret", "prompt_injection"
	Type string

	// Location describes where in the message the item was found.
	// Format is implementation-specific (e.g., "characters 10-20", "line 3")
	Location string

	// Action describes what was done with the detected item.
	// Values: "redacted", "masked", "replaced", "blocked", "flagged"
	Action string

	// Original is the detected content (only populated in debug mode).
	// WARNING: This may contain sensitive data - handle carefully.
	Original string

	// Replacement is what the content was replaced with (if Action is "replaced").
	Replacement string
}

// MessageFilter transforms messages before and after model processing.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Filter Pipeline
//
// Messages flow through filters at two points in an assistant turn:
//
//  1. FilterInput: Before the question reaches the agent loop
//     - Remove PII from the user's question
//     - Block policy violations
//     - Detect prompt injection attempts
//
//  2. FilterOutput: Before the answer returns to the user
//     - Remove leaked secrets from responses
//     - Add compliance disclaimers
//     - Mask sensitive generated content
//
// # Open Source Behavior
//
// The default NopMessageFilter passes all messages through unchanged.
// CRM field visibility is still enforced separately by the policy engine;
// this filter governs free-text content only.
//
// # Blocking vs Transforming
//
// Filters can either:
//   - Transform: Modify content and allow it through (e.g., redact an SSN)
//   - Block: Reject the entire message (e.g., policy violation)
//
// To block, return a FilterResult with WasBlocked=true and BlockReason set.
// The caller then reports the block to the client and never runs the turn.
type MessageFilter interface {
	// FilterInput processes a user question before the agent loop runs.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - message: The raw user input
	//
	// Returns:
	//   - *FilterResult: The filtered message and metadata
	//   - error: Non-nil only for filter failures (not for blocks)
	//
	// If WasBlocked is true, the caller should:
	//  1. Log the block via AuditLogger
	//  2. Report the block to the user
	//  3. NOT run the agent loop
	FilterInput(ctx context.Context, message string) (*FilterResult, error)

	// FilterOutput processes an assistant answer before returning to user.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - message: The assistant's answer text
	//
	// Returns:
	//   - *FilterResult: The filtered response and metadata
	//   - error: Non-nil only for filter failures (not for blocks)
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)

	// FilterContext processes system prompts or injected context before use.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - contextMsg: System prompt or context being injected
	//
	// Returns:
	//   - *FilterResult: The filtered context and metadata
	//   - error: Non-nil only for filter failures
	FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error)
}

// NopMessageFilter is the default message filter for open source.
//
// It passes all messages through unchanged without any transformation
// or blocking.
//
// Thread-safe: This implementation has no mutable state.
//
// Example:
//
//	filter := &NopMessageFilter{}
//	result, err := filter.FilterInput(ctx, "Which invoices are overdue?")
//	// result.Filtered == "Which invoices are overdue?" (unchanged)
//	// result.WasModified == false
//	// err == nil
type NopMessageFilter struct{}

// FilterInput returns the message unchanged.
func (f *NopMessageFilter) FilterInput(ctx context.Context, message string) (*FilterResult, error) {
	return passthrough(message), nil
}

// FilterOutput returns the message unchanged.
func (f *NopMessageFilter) FilterOutput(ctx context.Context, message string) (*FilterResult, error) {
	return passthrough(message), nil
}

// FilterContext returns the context unchanged.
func (f *NopMessageFilter) FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error) {
	return passthrough(contextMsg), nil
}

func passthrough(message string) *FilterResult {
	return &FilterResult{
		Original: message,
		Filtered: message,
	}
}

// Compile-time interface compliance check.
var _ MessageFilter = (*NopMessageFilter)(nil)
