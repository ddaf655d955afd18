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
	"encoding/json"
	"fmt"
)

// =============================================================================
// Content Block Types
// =============================================================================

// Content block type discriminators. These match the wire format of the
// model provider's Messages API.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Message roles accepted in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// EmptyJSONObject is the canonical empty tool input. Tool use blocks always
// carry an input object on the wire, even when the model supplied none.
var EmptyJSONObject = json.RawMessage("{}")

// ContentBlock is one element of a structured message body.
//
// # Description
//
// ContentBlock is a tagged union discriminated by Type. Exactly one shape is
// populated per block:
//
//   - text: Text
//   - tool_use: ID, Name, Input
//   - tool_result: ToolUseID, Content
//
// The union is modeled as a single struct with optional fields (the same
// approach the LLM clients use for provider content) so blocks round-trip
// through JSON without a custom envelope.
//
// # Examples
//
//	blk := NewToolUseBlock("toolu_01", "search_customers", json.RawMessage(`{"name":"Acme"}`))
//	res := NewToolResultBlock(blk.ID, `{"totalCount":3}`)
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// NewTextBlock returns a text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// NewToolUseBlock returns a tool_use content block.
//
// An empty input is normalized to the empty JSON object so the block always
// serializes with a valid input payload.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = EmptyJSONObject
	}
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// NewToolResultBlock returns a tool_result content block paired to a prior
// tool_use block by ID.
func NewToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content}
}

// IsToolUse reports whether the block is a tool invocation request.
func (b ContentBlock) IsToolUse() bool { return b.Type == BlockTypeToolUse }

// IsToolResult reports whether the block carries a tool execution result.
func (b ContentBlock) IsToolResult() bool { return b.Type == BlockTypeToolResult }

// Clone returns a deep copy of the block, including the raw input bytes.
func (b ContentBlock) Clone() ContentBlock {
	out := b
	if b.Input != nil {
		out.Input = append(json.RawMessage(nil), b.Input...)
	}
	return out
}

// =============================================================================
// Message
// =============================================================================

// Message is a single turn of conversation history.
//
// # Description
//
// The wire format accepts content as either a plain string or an ordered list
// of content blocks. Internally content is always held as blocks; PlainText
// records which wire form the message used so round-trips preserve the
// client's original shape.
//
// # Fields
//
//   - Role: "user" or "assistant"
//   - Content: ordered content blocks
//   - PlainText: content arrived as (and re-serializes to) a bare string
//
// # Thread Safety
//
// Messages are value types. Share only after Clone() when mutation is possible.
type Message struct {
	Role      string
	Content   []ContentBlock
	PlainText bool
}

// NewTextMessage builds a plain-text message for the given role.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{NewTextBlock(text)}, PlainText: true}
}

// NewBlockMessage builds a structured message for the given role.
func NewBlockMessage(role string, blocks ...ContentBlock) Message {
	return Message{Role: role, Content: blocks}
}

// messageWire is the JSON envelope for Message. Content is deferred so both
// accepted wire shapes can be decoded.
type messageWire struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// UnmarshalJSON decodes a message whose content is either a string or a
// content block array.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("datatypes: decoding message: %w", err)
	}
	m.Role = wire.Role
	m.Content = nil
	m.PlainText = false

	if len(wire.Content) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(wire.Content, &text); err == nil {
		m.Content = []ContentBlock{NewTextBlock(text)}
		m.PlainText = true
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(wire.Content, &blocks); err != nil {
		return fmt.Errorf("datatypes: message content is neither string nor block list: %w", err)
	}
	m.Content = blocks
	return nil
}

// MarshalJSON encodes the message back to the wire shape it arrived in.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.PlainText && len(m.Content) == 1 && m.Content[0].Type == BlockTypeText {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{Role: m.Role, Content: m.Content[0].Text})
	}
	return json.Marshal(struct {
		Role    string         `json:"role"`
		Content []ContentBlock `json:"content"`
	}{Role: m.Role, Content: m.Content})
}

// TextContent concatenates all text blocks of the message.
func (m Message) TextContent() string {
	var out string
	for _, blk := range m.Content {
		if blk.Type == BlockTypeText {
			out += blk.Text
		}
	}
	return out
}

// ContentBytes returns the byte length of the message payload, used to
// enforce per-message size limits.
func (m Message) ContentBytes() int {
	total := 0
	for _, blk := range m.Content {
		total += len(blk.Text) + len(blk.Content) + len(blk.Input)
	}
	return total
}

// HasToolUse reports whether any block requests a tool invocation.
func (m Message) HasToolUse() bool {
	for _, blk := range m.Content {
		if blk.IsToolUse() {
			return true
		}
	}
	return false
}

// HasToolResult reports whether any block carries a tool result.
func (m Message) HasToolResult() bool {
	for _, blk := range m.Content {
		if blk.IsToolResult() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := Message{Role: m.Role, PlainText: m.PlainText}
	if m.Content != nil {
		out.Content = make([]ContentBlock, len(m.Content))
		for i, blk := range m.Content {
			out.Content[i] = blk.Clone()
		}
	}
	return out
}

// =============================================================================
// Conversation State
// =============================================================================

// ConversationState is the per-request snapshot the agent loop operates on.
//
// # Description
//
// The loop never mutates a state it was handed: every round derives a new
// snapshot via Clone() before appending messages or compacting history. The
// request handler owns the initial state; nothing is shared across requests.
//
// # Fields
//
//   - SessionID: client session correlation ID (may be empty)
//   - UserRole: role injected by the auth middleware, never client-supplied
//   - Restrictions: access restrictions injected alongside the role
//   - Messages: conversation history, oldest first, ending in a user message
type ConversationState struct {
	SessionID    string
	UserRole     string
	Restrictions []Restriction
	Messages     []Message
}

// Clone returns a deep copy of the conversation state.
func (s *ConversationState) Clone() *ConversationState {
	out := &ConversationState{
		SessionID: s.SessionID,
		UserRole:  s.UserRole,
	}
	if s.Restrictions != nil {
		out.Restrictions = make([]Restriction, len(s.Restrictions))
		copy(out.Restrictions, s.Restrictions)
	}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, msg := range s.Messages {
			out.Messages[i] = msg.Clone()
		}
	}
	return out
}

// LastUserText returns the text of the newest user message, or "" if the
// history holds none.
func (s *ConversationState) LastUserText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser && !s.Messages[i].HasToolResult() {
			return s.Messages[i].TextContent()
		}
	}
	return ""
}

// RoundState tracks loop progress for one request.
//
// Round counts provider calls, ToolRounds counts rounds that executed at
// least one tool. MaxRoundsReached marks the soft-failure path where the
// ceiling terminated the loop.
type RoundState struct {
	Round            int
	ToolRounds       int
	ModelUsed        string
	Usage            TokenUsage
	MaxRoundsReached bool
}

// Add accumulates token usage from one provider response.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
