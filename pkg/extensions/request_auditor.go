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
	"time"
)

// HTTPHeaders represents HTTP headers as a map.
//
// Using a defined type provides clearer intent and allows future extension
// with helper methods if needed.
type HTTPHeaders map[string]string

// Get retrieves a header value by key (case-sensitive).
func (h HTTPHeaders) Get(key string) string {
	return h[key]
}

// Set adds or updates a header value.
func (h HTTPHeaders) Set(key, value string) {
	h[key] = value
}

// AuditableRequest contains raw request data for audit capture.
//
// This type is passed to CaptureRequest() to give Enterprise implementations
// access to the raw bytes for hashing, encryption, and storage. The open
// source orchestrator does NOT compute hashes over the body - that is the
// capturing implementation's responsibility.
//
// # Usage
//
// The assistant handler creates this struct with the raw turn request and
// passes it to the RequestAuditor. Enterprise implementations then:
//  1. Compute content_hash = SHA256(Body)
//  2. Encrypt the body if required
//  3. Store to immutable storage (GCS, QLDB, etc.)
//
// Example:
//
//	req := &AuditableRequest{
//	    Method:    "POST",
//	    Path:      "/v1/assistant/chat",
//	    Headers:   HTTPHeaders{"Content-Type": "application/json"},
//	    Body:      rawRequestBytes,
//	    UserID:    identity.UserID,
//	    SessionID: sessionID,
//	    Timestamp: time.Now().UTC(),
//	}
type AuditableRequest struct {
	// Method is the HTTP method ("POST").
	Method string

	// Path is the request path ("/v1/assistant/chat").
	Path string

	// Headers are the request headers worth preserving. Authorization
	// material must be stripped by the caller before capture.
	Headers HTTPHeaders

	// Body is the raw request body. May contain CRM data; capturing
	// implementations own encryption at rest.
	Body []byte

	// UserID is the authenticated caller.
	UserID string

	// SessionID is the conversation session the turn belongs to.
	SessionID string

	// Timestamp is when the request was received (UTC).
	Timestamp time.Time
}

// AuditableResponse contains response summary data for audit capture.
//
// The streamed answer itself is hash-chained by the SSE writer; this
// capture records the turn outcome so request and response can be joined
// by audit ID.
type AuditableResponse struct {
	// StatusCode is the HTTP status of the response surface (200 for a
	// stream that started, regardless of in-stream errors).
	StatusCode int

	// AnswerHash is the hex digest of the final answer text, as reported
	// on the complete event. Empty when the turn failed before an answer.
	AnswerHash string

	// Rounds is how many model rounds the turn consumed.
	Rounds int

	// Outcome mirrors the terminal event: "complete" or "error".
	Outcome string

	// DurationMs is the wall-clock turn duration.
	DurationMs int64

	// Timestamp is when the turn finished (UTC).
	Timestamp time.Time
}

// RequestAuditor captures raw request/response pairs for compliance storage.
//
// Implementations must be safe for concurrent use by multiple goroutines,
// and must never block the response path: capture failures are reported
// through the returned error but callers discard them after logging.
//
// # Open Source Behavior
//
// The default NopRequestAuditor accepts all captures and stores nothing.
//
// # Enterprise Implementation
//
// Enterprise versions write to WORM storage with hash chaining so an
// auditor can prove what question was asked and what answer was given.
type RequestAuditor interface {
	// CaptureRequest records the raw inbound request.
	//
	// Returns:
	//   - string: Audit ID to pass to CaptureResponse. Empty for
	//     NopRequestAuditor.
	//   - error: nil on success; capture failures must not fail the turn.
	CaptureRequest(ctx context.Context, req *AuditableRequest) (string, error)

	// CaptureResponse records the turn outcome under the audit ID
	// returned by CaptureRequest.
	CaptureResponse(ctx context.Context, auditID string, resp *AuditableResponse) error
}

// NopRequestAuditor is the default auditor for open source.
//
// It accepts all captures and stores nothing.
//
// Thread-safe: This implementation has no mutable state.
type NopRequestAuditor struct{}

// CaptureRequest discards the request and returns an empty audit ID.
func (a *NopRequestAuditor) CaptureRequest(_ context.Context, _ *AuditableRequest) (string, error) {
	return "", nil
}

// CaptureResponse discards the response.
func (a *NopRequestAuditor) CaptureResponse(_ context.Context, _ string, _ *AuditableResponse) error {
	return nil
}

// Compile-time interface compliance check.
var _ RequestAuditor = (*NopRequestAuditor)(nil)
