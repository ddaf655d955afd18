// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides model-provider clients for the assistant loop.
//
// Two backends implement the same interface: AnthropicClient speaks the
// Messages API natively (content blocks, tool_use, SSE streaming) and is the
// production path; OpenAICompatClient adapts the same surface onto any
// chat-completions endpoint for development against local model servers.
// The agent loop owns retry and fallback policy; clients here surface
// classified ProviderError values and never retry on their own.
package llm

import (
	"context"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// ===== Stream Events =====

// StreamEventType discriminates live events delivered during streaming.
type StreamEventType string

const (
	// StreamEventToken is a visible text fragment.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking is a reasoning fragment, surfaced to the client as
	// activity but never stored in the conversation.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventError reports a mid-stream failure. The stream ends after it.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one live event from a streaming response.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives live events during ChatStream. Returning a non-nil
// error aborts the stream; the abort error is wrapped and returned by
// ChatStream.
type StreamCallback func(StreamEvent) error

// ===== Requests / Results =====

// MessageRequest is one model turn.
//
// Description:
//
//	Carries the full conversation plus the static surfaces (system prompt,
//	tool definitions) for a single provider call. The loop rebuilds one of
//	these per round; clients must not retain it after the call returns.
//
// Fields:
//   - Model: Overrides the client's default model for this call. The loop
//     uses this for fallback-model retries.
//   - System: System prompt. Long prompts are cached provider-side.
//   - Messages: Alternating conversation turns, already trimmed and compacted.
//   - Tools: Tool definitions offered to the model this turn.
//   - MaxTokens: Response budget. Zero means the client default.
//   - ThinkingBudget: Extended-thinking token budget. Zero disables thinking.
type MessageRequest struct {
	Model          string
	System         string
	Messages       []datatypes.Message
	Tools          []ToolDefinition
	MaxTokens      int
	Temperature    *float32
	TopP           *float32
	TopK           *int
	StopSequences  []string
	ThinkingBudget int
}

// Stop reasons reported by MessageResult, normalized across backends.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// MessageResult is the assembled outcome of one model turn.
//
// For streaming calls the result is built by the stream parser and returned
// after the terminal event, so Content always holds the complete block list
// in the order the model issued them.
//
// TextStreamedLive reports whether the answer text already reached the live
// callback. When true the caller must not send the same text again; when
// false (tool-bearing rounds, nil callbacks, non-streaming calls) any final
// text still has to be delivered.
type MessageResult struct {
	Content          []datatypes.ContentBlock
	StopReason       string
	Model            string
	Usage            datatypes.TokenUsage
	TextStreamedLive bool
}

// Text concatenates the text blocks of the result.
func (r *MessageResult) Text() string {
	var out string
	for _, block := range r.Content {
		if block.Type == datatypes.BlockTypeText {
			out += block.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the result in issue order.
func (r *MessageResult) ToolUses() []datatypes.ContentBlock {
	var out []datatypes.ContentBlock
	for _, block := range r.Content {
		if block.IsToolUse() {
			out = append(out, block)
		}
	}
	return out
}

// ===== Client Interface =====

// LLMClient is the provider surface the agent loop depends on.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the orchestrator shares
// one client across all sessions.
type LLMClient interface {
	// Chat runs one non-streaming model turn.
	Chat(ctx context.Context, req MessageRequest) (*MessageResult, error)

	// ChatStream runs one streaming model turn, delivering live events to
	// callback and returning the assembled result after the stream ends.
	ChatStream(ctx context.Context, req MessageRequest, callback StreamCallback) (*MessageResult, error)

	// DefaultModel reports the model used when MessageRequest.Model is empty.
	DefaultModel() string
}
