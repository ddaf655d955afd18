// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newTestAnthropicClient points a client at a local test server.
func newTestAnthropicClient(t *testing.T, handler http.HandlerFunc) (*AnthropicClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewAnthropicClient(AnthropicConfig{
		APIKey:  "test-key",
		Model:   "claude-3-5-sonnet-20240620",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewAnthropicClient failed: %v", err)
	}
	return client, server
}

// writeSSE writes one SSE event to the response.
func writeSSE(w http.ResponseWriter, eventType, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// =============================================================================
// Non-Streaming Tests
// =============================================================================

func TestAnthropicChat_SendsWireFormat(t *testing.T) {
	t.Parallel()

	longSystem := strings.Repeat("You are a careful CRM assistant. ", 64)
	var captured anthropicRequest
	var headers http.Header

	client, _ := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"msg_01","model":"claude-3-5-sonnet-20240620","stop_reason":"tool_use",
			"content":[
				{"type":"text","text":"Searching now."},
				{"type":"tool_use","id":"toolu_01","name":"search_customers","input":{"name":"Acme"}}
			],
			"usage":{"input_tokens":120,"output_tokens":45}
		}`)
	})

	result, err := client.Chat(context.Background(), MessageRequest{
		System:   longSystem,
		Messages: []datatypes.Message{datatypes.NewTextMessage(datatypes.RoleUser, "find acme")},
		Tools:    []ToolDefinition{{Name: "search_customers", Description: "search", InputSchema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if got := headers.Get("x-api-key"); got != "test-key" {
		t.Errorf("x-api-key = %q", got)
	}
	if got := headers.Get("anthropic-version"); got != anthropicAPIVersion {
		t.Errorf("anthropic-version = %q, want %q", got, anthropicAPIVersion)
	}
	if got := headers.Get("content-type"); got != "application/json" {
		t.Errorf("content-type = %q", got)
	}

	if captured.Model != "claude-3-5-sonnet-20240620" {
		t.Errorf("request model = %q", captured.Model)
	}
	if captured.MaxTokens != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", captured.MaxTokens, defaultMaxTokens)
	}
	if captured.Stream {
		t.Error("non-streaming request must not set stream")
	}
	if len(captured.System) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(captured.System))
	}
	if captured.System[0].CacheControl == nil || captured.System[0].CacheControl.Type != "ephemeral" {
		t.Error("long system prompt must carry ephemeral cache_control")
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Name != "search_customers" {
		t.Errorf("tools = %+v", captured.Tools)
	}

	if result.StopReason != StopToolUse {
		t.Errorf("stop reason = %q", result.StopReason)
	}
	uses := result.ToolUses()
	if len(uses) != 1 || uses[0].Name != "search_customers" {
		t.Fatalf("tool uses = %+v", uses)
	}
	if got := string(uses[0].Input); got != `{"name":"Acme"}` {
		t.Errorf("tool input = %s", got)
	}
	if result.Text() != "Searching now." {
		t.Errorf("text = %q", result.Text())
	}
	if result.Usage.InputTokens != 120 || result.Usage.OutputTokens != 45 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestAnthropicChat_ShortSystemSkipsCacheControl(t *testing.T) {
	t.Parallel()

	var captured anthropicRequest
	client, _ := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		fmt.Fprint(w, `{"id":"msg_01","model":"m","stop_reason":"end_turn","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
	})

	_, err := client.Chat(context.Background(), MessageRequest{
		System:   "short prompt",
		Messages: []datatypes.Message{datatypes.NewTextMessage(datatypes.RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(captured.System) != 1 || captured.System[0].CacheControl != nil {
		t.Errorf("short system must not carry cache_control: %+v", captured.System)
	}
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestAnthropicChat_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		retryAfter    string
		body          string
		wantRateLimit bool
		wantOverload  bool
		wantRetryIn   time.Duration
	}{
		{
			name:          "rate limited with retry-after",
			status:        http.StatusTooManyRequests,
			retryAfter:    "7",
			body:          `{"type":"error","error":{"type":"rate_limit_error","message":"Too many requests"}}`,
			wantRateLimit: true,
			wantRetryIn:   7 * time.Second,
		},
		{
			name:         "overloaded",
			status:       StatusOverloaded,
			body:         `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
			wantOverload: true,
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens required"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, _ := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := client.Chat(context.Background(), MessageRequest{
				Messages: []datatypes.Message{datatypes.NewTextMessage(datatypes.RoleUser, "hi")},
			})
			var perr *ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("error = %T (%v), want *ProviderError", err, err)
			}
			if perr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", perr.StatusCode, tt.status)
			}
			if perr.IsRateLimited() != tt.wantRateLimit {
				t.Errorf("IsRateLimited = %v", perr.IsRateLimited())
			}
			if perr.IsOverloaded() != tt.wantOverload {
				t.Errorf("IsOverloaded = %v", perr.IsOverloaded())
			}
			if perr.RetryAfter != tt.wantRetryIn {
				t.Errorf("RetryAfter = %v, want %v", perr.RetryAfter, tt.wantRetryIn)
			}
		})
	}
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestAnthropicChatStream_AssemblesAndForwards(t *testing.T) {
	t.Parallel()

	client, _ := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("streaming request must set stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "message_start", `{"type":"message_start","message":{"model":"claude-3-5-sonnet-20240620","usage":{"input_tokens":30}}}`)
		writeSSE(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		writeSSE(w, "ping", `{"type":"ping"}`)
		writeSSE(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Acme has "}}`)
		writeSSE(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"3 contacts."}}`)
		writeSSE(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		writeSSE(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`)
		writeSSE(w, "message_stop", `{"type":"message_stop"}`)
	})

	var tokens []string
	result, err := client.ChatStream(context.Background(), MessageRequest{
		Messages: []datatypes.Message{datatypes.NewTextMessage(datatypes.RoleUser, "how many contacts at acme?")},
	}, func(ev StreamEvent) error {
		if ev.Type == StreamEventToken {
			tokens = append(tokens, ev.Content)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Acme has 3 contacts." {
		t.Errorf("live tokens = %q", got)
	}
	if result.Text() != "Acme has 3 contacts." {
		t.Errorf("assembled text = %q", result.Text())
	}
	if !result.TextStreamedLive {
		t.Error("answer-only stream must report TextStreamedLive")
	}
	if result.Usage.InputTokens != 30 || result.Usage.OutputTokens != 12 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.StopReason != StopEndTurn {
		t.Errorf("stop reason = %q", result.StopReason)
	}
}

func TestAnthropicChatStream_TruncatedStream(t *testing.T) {
	t.Parallel()

	client, _ := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "message_start", `{"type":"message_start","message":{"model":"m","usage":{"input_tokens":5}}}`)
		writeSSE(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`)
		writeSSE(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`)
		// Connection drops here: no message_stop.
	})

	_, err := client.ChatStream(context.Background(), MessageRequest{
		Messages: []datatypes.Message{datatypes.NewTextMessage(datatypes.RoleUser, "hi")},
	}, nil)
	if !errors.Is(err, ErrStreamTruncated) {
		t.Errorf("error = %v, want ErrStreamTruncated", err)
	}
}

func TestAnthropicChatStream_MidStreamOverload(t *testing.T) {
	t.Parallel()

	client, _ := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "message_start", `{"type":"message_start","message":{"model":"m","usage":{"input_tokens":5}}}`)
		writeSSE(w, "error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	})

	_, err := client.ChatStream(context.Background(), MessageRequest{
		Messages: []datatypes.Message{datatypes.NewTextMessage(datatypes.RoleUser, "hi")},
	}, nil)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T (%v), want *ProviderError", err, err)
	}
	if !perr.IsOverloaded() {
		t.Errorf("expected overloaded classification, got %+v", perr)
	}
}

func TestAnthropicModelOverride(t *testing.T) {
	t.Parallel()

	var captured anthropicRequest
	client, _ := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		fmt.Fprint(w, `{"id":"msg_01","model":"claude-3-5-haiku-20241022","stop_reason":"end_turn","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
	})

	// Per-request model override is how the loop retries on a fallback model.
	result, err := client.Chat(context.Background(), MessageRequest{
		Model:    "claude-3-5-haiku-20241022",
		Messages: []datatypes.Message{datatypes.NewTextMessage(datatypes.RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if captured.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("request model = %q, want override", captured.Model)
	}
	if result.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("result model = %q", result.Model)
	}
}
