// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("DefaultOptions().AuthProvider should be *NopAuthProvider")
	}
	if _, ok := opts.AuthzProvider.(*NopAuthzProvider); !ok {
		t.Error("DefaultOptions().AuthzProvider should be *NopAuthzProvider")
	}
	if _, ok := opts.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("DefaultOptions().AuditLogger should be *NopAuditLogger")
	}
	if _, ok := opts.MessageFilter.(*NopMessageFilter); !ok {
		t.Error("DefaultOptions().MessageFilter should be *NopMessageFilter")
	}
	if _, ok := opts.RequestAuditor.(*NopRequestAuditor); !ok {
		t.Error("DefaultOptions().RequestAuditor should be *NopRequestAuditor")
	}
}

func TestServiceOptions_WithAuth(t *testing.T) {
	original := DefaultOptions()
	customAuth := &mockAuthProvider{userID: "custom-user"}

	newOpts := original.WithAuth(customAuth)

	if newOpts.AuthProvider != customAuth {
		t.Error("WithAuth should set the custom AuthProvider")
	}

	// Original should be unchanged (immutable copy)
	if _, ok := original.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("Original options should be unchanged after WithAuth")
	}

	// Other fields should be preserved
	if newOpts.AuthzProvider == nil {
		t.Error("WithAuth should preserve AuthzProvider")
	}
	if newOpts.AuditLogger == nil {
		t.Error("WithAuth should preserve AuditLogger")
	}
	if newOpts.MessageFilter == nil {
		t.Error("WithAuth should preserve MessageFilter")
	}
}

func TestServiceOptions_FluentChaining(t *testing.T) {
	auth := &mockAuthProvider{userID: "chained"}
	authz := &mockAuthzProvider{}
	audit := &mockAuditLogger{}
	filter := &mockMessageFilter{}
	auditor := &mockRequestAuditor{}

	opts := DefaultOptions().
		WithAuth(auth).
		WithAuthz(authz).
		WithAudit(audit).
		WithFilter(filter).
		WithRequestAuditor(auditor)

	if opts.AuthProvider != auth {
		t.Error("chained WithAuth lost")
	}
	if opts.AuthzProvider != authz {
		t.Error("chained WithAuthz lost")
	}
	if opts.AuditLogger != audit {
		t.Error("chained WithAudit lost")
	}
	if opts.MessageFilter != filter {
		t.Error("chained WithFilter lost")
	}
	if opts.RequestAuditor != auditor {
		t.Error("chained WithRequestAuditor lost")
	}
}

// ============================================================================
// AuthProvider / AuthzProvider Tests
// ============================================================================

func TestNopAuthProvider_Validate(t *testing.T) {
	provider := &NopAuthProvider{}
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"arbitrary token", "any-value"},
		{"jwt-shaped token", "eyJhbGciOiJSUzI1NiIs.payload.sig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := provider.Validate(ctx, tt.token)
			if err != nil {
				t.Fatalf("Validate returned error: %v", err)
			}
			if info.UserID != "local-user" {
				t.Errorf("UserID = %q, want %q", info.UserID, "local-user")
			}
			if !info.HasRole("admin") {
				t.Error("nop identity should carry the admin role")
			}
		})
	}
}

func TestAuthInfo_HasRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		check string
		want  bool
	}{
		{"has role", []string{"sales", "support"}, "sales", true},
		{"missing role", []string{"sales"}, "admin", false},
		{"nil roles", nil, "admin", false},
		{"case sensitive", []string{"Admin"}, "admin", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &AuthInfo{UserID: "u", Roles: tt.roles}
			if got := info.HasRole(tt.check); got != tt.want {
				t.Errorf("HasRole(%q) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestNopAuthzProvider_Authorize(t *testing.T) {
	provider := &NopAuthzProvider{}
	ctx := context.Background()

	requests := []AuthzRequest{
		{},
		{User: &AuthInfo{UserID: "anyone"}, Action: "execute", ResourceType: "assistant"},
		{User: &AuthInfo{UserID: "anyone"}, Action: "download", ResourceType: "export_file", ResourceID: "contacts.csv"},
	}

	for i, req := range requests {
		if err := provider.Authorize(ctx, req); err != nil {
			t.Errorf("request %d: Authorize returned %v, want nil", i, err)
		}
	}
}

func TestErrUnauthorized_Wrapping(t *testing.T) {
	wrapped := fmt.Errorf("token expired: %w", ErrUnauthorized)
	if !errors.Is(wrapped, ErrUnauthorized) {
		t.Error("wrapped error should satisfy errors.Is(err, ErrUnauthorized)")
	}
}

// ============================================================================
// AuditLogger Tests
// ============================================================================

func TestNopAuditLogger(t *testing.T) {
	logger := &NopAuditLogger{}
	ctx := context.Background()

	err := logger.Log(ctx, AuditEvent{
		EventType: "assistant.turn",
		UserID:    "local-user",
		Action:    "execute",
		Outcome:   "success",
	})
	if err != nil {
		t.Errorf("Log returned %v, want nil", err)
	}

	events, err := logger.Query(ctx, AuditFilter{EventTypes: []string{"assistant.turn"}})
	if err != nil {
		t.Errorf("Query returned %v, want nil", err)
	}
	if len(events) != 0 {
		t.Errorf("Query returned %d events, want 0", len(events))
	}

	if err := logger.Flush(ctx); err != nil {
		t.Errorf("Flush returned %v, want nil", err)
	}
}

// ============================================================================
// MessageFilter Tests
// ============================================================================

func TestNopMessageFilter_Passthrough(t *testing.T) {
	filter := &NopMessageFilter{}
	ctx := context.Background()
	const msg = "Which invoices are overdue for Fabrikam?"

	calls := []struct {
		name string
		fn   func() (*FilterResult, error)
	}{
		{"FilterInput", func() (*FilterResult, error) { return filter.FilterInput(ctx, msg) }},
		{"FilterOutput", func() (*FilterResult, error) { return filter.FilterOutput(ctx, msg) }},
		{"FilterContext", func() (*FilterResult, error) { return filter.FilterContext(ctx, msg) }},
	}

	for _, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			result, err := c.fn()
			if err != nil {
				t.Fatalf("%s returned error: %v", c.name, err)
			}
			if result.Filtered != msg {
				t.Errorf("Filtered = %q, want unchanged input", result.Filtered)
			}
			if result.WasModified || result.WasBlocked {
				t.Error("nop filter must neither modify nor block")
			}
			if len(result.Detections) != 0 {
				t.Errorf("Detections = %d, want 0", len(result.Detections))
			}
		})
	}
}

func TestErrMessageBlocked_Wrapping(t *testing.T) {
	wrapped := fmt.Errorf("message contains PII: %w", ErrMessageBlocked)
	if !errors.Is(wrapped, ErrMessageBlocked) {
		t.Error("wrapped error should satisfy errors.Is(err, ErrMessageBlocked)")
	}
}

// ============================================================================
// RequestAuditor Tests
// ============================================================================

func TestNopRequestAuditor(t *testing.T) {
	auditor := &NopRequestAuditor{}
	ctx := context.Background()

	id, err := auditor.CaptureRequest(ctx, &AuditableRequest{
		Method:    "POST",
		Path:      "/v1/assistant/chat",
		Body:      []byte(`{"messages":[]}`),
		UserID:    "local-user",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CaptureRequest returned error: %v", err)
	}
	if id != "" {
		t.Errorf("nop audit ID = %q, want empty", id)
	}

	err = auditor.CaptureResponse(ctx, id, &AuditableResponse{
		StatusCode: 200,
		Outcome:    "complete",
		Rounds:     2,
	})
	if err != nil {
		t.Errorf("CaptureResponse returned %v, want nil", err)
	}
}

func TestHTTPHeaders(t *testing.T) {
	h := HTTPHeaders{}
	h.Set("Content-Type", "application/json")

	if got := h.Get("Content-Type"); got != "application/json" {
		t.Errorf("Get = %q, want %q", got, "application/json")
	}
	if got := h.Get("Authorization"); got != "" {
		t.Errorf("Get on missing key = %q, want empty", got)
	}
}

// ============================================================================
// Metadata Tests
// ============================================================================

func TestMetadata_TypedAccessors(t *testing.T) {
	now := time.Now().UTC()
	meta := NewMetadata().
		Set("session_id", "sess-123").
		Set("rounds", 3).
		Set("duration_ms", int64(150)).
		Set("score", 0.92).
		Set("mfa_verified", true).
		Set("started_at", now)

	if s, ok := meta.GetString("session_id"); !ok || s != "sess-123" {
		t.Errorf("GetString = %q, %v", s, ok)
	}
	if i, ok := meta.GetInt("rounds"); !ok || i != 3 {
		t.Errorf("GetInt = %d, %v", i, ok)
	}
	if i, ok := meta.GetInt64("duration_ms"); !ok || i != 150 {
		t.Errorf("GetInt64 = %d, %v", i, ok)
	}
	if f, ok := meta.GetFloat64("score"); !ok || f != 0.92 {
		t.Errorf("GetFloat64 = %v, %v", f, ok)
	}
	if b, ok := meta.GetBool("mfa_verified"); !ok || !b {
		t.Errorf("GetBool = %v, %v", b, ok)
	}
	if tm, ok := meta.GetTime("started_at"); !ok || !tm.Equal(now) {
		t.Errorf("GetTime = %v, %v", tm, ok)
	}
}

func TestMetadata_NoNumericCoercion(t *testing.T) {
	meta := NewMetadata().Set("rounds", 3) // stored as int

	if _, ok := meta.GetInt64("rounds"); ok {
		t.Error("GetInt64 should not coerce an int value")
	}
	if _, ok := meta.GetFloat64("rounds"); ok {
		t.Error("GetFloat64 should not coerce an int value")
	}
	if _, ok := meta.GetString("rounds"); ok {
		t.Error("GetString should not coerce an int value")
	}
}

func TestMetadata_HasAndDelete(t *testing.T) {
	meta := NewMetadata().Set("error", nil)

	if !meta.Has("error") {
		t.Error("Has should report keys with nil values")
	}

	meta.Delete("error")
	if meta.Has("error") {
		t.Error("Delete should remove the key")
	}
	if meta.Len() != 0 {
		t.Errorf("Len = %d, want 0", meta.Len())
	}
}

func TestMetadata_CloneIsIndependent(t *testing.T) {
	original := NewMetadata().Set("user_id", "u-1")
	clone := original.Clone()

	clone.Set("user_id", "u-2").Set("extra", true)

	if v, _ := original.GetString("user_id"); v != "u-1" {
		t.Error("mutating the clone should not affect the original")
	}
	if original.Has("extra") {
		t.Error("keys added to the clone should not appear in the original")
	}
}

func TestMetadata_Merge(t *testing.T) {
	base := NewMetadata().Set("a", 1).Set("b", 1)
	base.Merge(NewMetadata().Set("b", 2).Set("c", 3))

	if v, _ := base.GetInt("b"); v != 2 {
		t.Errorf("Merge should overwrite existing keys, got b=%d", v)
	}
	if v, _ := base.GetInt("c"); v != 3 {
		t.Error("Merge should add new keys")
	}

	// Merging nil must be a no-op.
	before := base.Len()
	base.Merge(nil)
	if base.Len() != before {
		t.Error("Merge(nil) should not change the map")
	}
}

func TestMetadata_Keys(t *testing.T) {
	meta := NewMetadata().Set("a", 1).Set("b", 2)
	keys := meta.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys returned %d entries, want 2", len(keys))
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("Keys = %v, want a and b", keys)
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestNopImplementations_ConcurrentSafety(t *testing.T) {
	authProvider := &NopAuthProvider{}
	authzProvider := &NopAuthzProvider{}
	auditLogger := &NopAuditLogger{}
	messageFilter := &NopMessageFilter{}
	requestAuditor := &NopRequestAuditor{}

	ctx := context.Background()
	const goroutines = 100

	done := make(chan bool, goroutines*5)

	for i := 0; i < goroutines; i++ {
		go func() {
			_, _ = authProvider.Validate(ctx, "token")
			done <- true
		}()
	}
	for i := 0; i < goroutines; i++ {
		go func() {
			_ = authzProvider.Authorize(ctx, AuthzRequest{})
			done <- true
		}()
	}
	for i := 0; i < goroutines; i++ {
		go func() {
			_ = auditLogger.Log(ctx, AuditEvent{})
			_, _ = auditLogger.Query(ctx, AuditFilter{})
			_ = auditLogger.Flush(ctx)
			done <- true
		}()
	}
	for i := 0; i < goroutines; i++ {
		go func() {
			_, _ = messageFilter.FilterInput(ctx, "test")
			_, _ = messageFilter.FilterOutput(ctx, "test")
			_, _ = messageFilter.FilterContext(ctx, "test")
			done <- true
		}()
	}
	for i := 0; i < goroutines; i++ {
		go func() {
			id, _ := requestAuditor.CaptureRequest(ctx, &AuditableRequest{})
			_ = requestAuditor.CaptureResponse(ctx, id, &AuditableResponse{})
			done <- true
		}()
	}

	for i := 0; i < goroutines*5; i++ {
		<-done
	}
}

// ============================================================================
// Mock implementations for testing
// ============================================================================

type mockAuthProvider struct {
	userID string
}

func (p *mockAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	return &AuthInfo{UserID: p.userID}, nil
}

type mockAuthzProvider struct{}

func (p *mockAuthzProvider) Authorize(ctx context.Context, req AuthzRequest) error {
	return nil
}

type mockAuditLogger struct {
	events []AuditEvent
}

func (l *mockAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	l.events = append(l.events, event)
	return nil
}

func (l *mockAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return l.events, nil
}

func (l *mockAuditLogger) Flush(ctx context.Context) error {
	return nil
}

type mockMessageFilter struct{}

func (f *mockMessageFilter) FilterInput(ctx context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

func (f *mockMessageFilter) FilterOutput(ctx context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

func (f *mockMessageFilter) FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error) {
	return &FilterResult{Original: contextMsg, Filtered: contextMsg}, nil
}

type mockRequestAuditor struct {
	requests int
}

func (a *mockRequestAuditor) CaptureRequest(ctx context.Context, req *AuditableRequest) (string, error) {
	a.requests++
	return fmt.Sprintf("audit-%d", a.requests), nil
}

func (a *mockRequestAuditor) CaptureResponse(ctx context.Context, auditID string, resp *AuditableResponse) error {
	return nil
}
