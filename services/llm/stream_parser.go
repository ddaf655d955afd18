// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// ErrStreamTruncated is returned by Result when the stream ended without a
// message_stop event. The partial message must not be replayed into history.
var ErrStreamTruncated = errors.New("llm: stream ended before message_stop")

// StreamParser assembles a Messages API event stream into a MessageResult.
//
// # Description
//
// The parser is an explicit state machine over the provider's event grammar:
//
//	message_start
//	  (content_block_start content_block_delta* content_block_stop)*
//	message_delta* message_stop
//
// Content blocks are keyed by the index the provider assigns; the assembled
// message preserves the order in which blocks were opened. Three delta kinds
// exist: text_delta appends visible text, thinking_delta carries reasoning
// that is surfaced live but never stored, and input_json_delta carries raw
// fragments of a tool call's input JSON, accumulated verbatim and parsed
// only when the block stops.
//
// # Live Text
//
// Text that precedes a tool call ("Let me search for that...") is commentary
// for the next round, not an answer, and must never reach the client as if
// it were final prose. Since a tool_use block can open at any point before
// the message ends, text deltas are held in a pending buffer and flushed to
// the callback only once the stop reason proves the message carries no tool
// calls. Opening a tool_use block discards the pending buffer, so a
// tool-bearing message forwards no text at all and the result reports
// TextStreamedLive=false — the caller then knows any answer text still has
// to be sent. Thinking deltas are pure activity and forward immediately.
//
// # Lenience
//
// A malformed event payload never kills the stream: the event is skipped,
// counted, and logged. Deltas for unknown or closed indexes are skipped the
// same way. Only two things end parsing early: a provider error event and a
// callback abort.
//
// # Thread Safety
//
// Not safe for concurrent use. Each stream gets its own parser; the reading
// goroutine is the only caller.
type StreamParser struct {
	state        parserState
	blocks       []*streamBlock
	byIndex      map[int]*streamBlock
	toolOpened   bool
	pendingLive  []string
	streamedLive bool
	stopReason   string
	model        string
	usage        datatypes.TokenUsage
	skipped      int
	callback     StreamCallback
	callbackErr  error
}

type parserState int

const (
	parserIdle parserState = iota
	parserStreaming
	parserDone
)

// streamBlock accumulates one content block between start and stop.
type streamBlock struct {
	index       int
	kind        string
	id          string
	name        string
	text        strings.Builder
	partialJSON strings.Builder
	closed      bool
}

// NewStreamParser creates a parser. callback receives live events and may be
// nil when no live forwarding is wanted.
func NewStreamParser(callback StreamCallback) *StreamParser {
	return &StreamParser{
		byIndex:  make(map[int]*streamBlock),
		callback: callback,
	}
}

// ===== Wire shapes =====

type eventMessageStart struct {
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type eventBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block"`
}

type eventBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
	} `json:"delta"`
}

type eventBlockStop struct {
	Index int `json:"index"`
}

type eventMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type eventStreamError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ===== State machine =====

// HandleEvent feeds one SSE event into the machine.
//
// # Inputs
//
//   - eventType: The SSE event name (message_start, content_block_delta, ...).
//   - data: The event's JSON payload.
//
// # Outputs
//
//   - error: Non-nil only for fatal conditions: a provider error event or a
//     callback abort. Malformed payloads are skipped, not fatal.
func (p *StreamParser) HandleEvent(eventType string, data []byte) error {
	if p.state == parserDone {
		p.skip(eventType, "event after message_stop")
		return nil
	}

	switch eventType {
	case "message_start":
		p.handleMessageStart(data)
	case "content_block_start":
		p.handleBlockStart(data)
	case "content_block_delta":
		return p.handleBlockDelta(data)
	case "content_block_stop":
		p.handleBlockStop(data)
	case "message_delta":
		return p.handleMessageDelta(data)
	case "message_stop":
		p.state = parserDone
		// Defensive: providers always send the stop reason in message_delta
		// first, but if it never came, flush rather than swallow the answer.
		if !p.toolOpened {
			return p.flushPending()
		}
	case "error":
		return p.handleError(data)
	case "ping":
		// Keepalive, nothing to do.
	default:
		slog.Debug("Unknown stream event type", "type", eventType)
	}
	return nil
}

func (p *StreamParser) handleMessageStart(data []byte) {
	if p.state != parserIdle {
		p.skip("message_start", "duplicate message_start")
		return
	}
	var event eventMessageStart
	if err := json.Unmarshal(data, &event); err != nil {
		p.skip("message_start", err.Error())
		return
	}
	p.state = parserStreaming
	p.model = event.Message.Model
	p.usage.InputTokens += event.Message.Usage.InputTokens
	p.usage.OutputTokens += event.Message.Usage.OutputTokens
}

func (p *StreamParser) handleBlockStart(data []byte) {
	if p.state != parserStreaming {
		p.skip("content_block_start", "block before message_start")
		return
	}
	var event eventBlockStart
	if err := json.Unmarshal(data, &event); err != nil {
		p.skip("content_block_start", err.Error())
		return
	}
	if _, open := p.byIndex[event.Index]; open {
		p.skip("content_block_start", fmt.Sprintf("index %d already open", event.Index))
		return
	}

	block := &streamBlock{
		index: event.Index,
		kind:  event.ContentBlock.Type,
		id:    event.ContentBlock.ID,
		name:  event.ContentBlock.Name,
	}
	if event.ContentBlock.Text != "" {
		block.text.WriteString(event.ContentBlock.Text)
	}
	p.byIndex[event.Index] = block
	p.blocks = append(p.blocks, block)

	if block.kind == datatypes.BlockTypeToolUse {
		p.toolOpened = true
		p.pendingLive = nil
	}
}

func (p *StreamParser) handleBlockDelta(data []byte) error {
	var event eventBlockDelta
	if err := json.Unmarshal(data, &event); err != nil {
		p.skip("content_block_delta", err.Error())
		return nil
	}
	block, open := p.byIndex[event.Index]
	if !open || block.closed {
		p.skip("content_block_delta", fmt.Sprintf("index %d not open", event.Index))
		return nil
	}

	switch event.Delta.Type {
	case "text_delta":
		block.text.WriteString(event.Delta.Text)
		if !p.toolOpened && event.Delta.Text != "" {
			p.pendingLive = append(p.pendingLive, event.Delta.Text)
		}
	case "input_json_delta":
		block.partialJSON.WriteString(event.Delta.PartialJSON)
	case "thinking_delta":
		if event.Delta.Thinking != "" {
			return p.deliver(StreamEvent{Type: StreamEventThinking, Content: event.Delta.Thinking})
		}
	default:
		p.skip("content_block_delta", "unknown delta type "+event.Delta.Type)
	}
	return nil
}

func (p *StreamParser) handleBlockStop(data []byte) {
	var event eventBlockStop
	if err := json.Unmarshal(data, &event); err != nil {
		p.skip("content_block_stop", err.Error())
		return
	}
	block, open := p.byIndex[event.Index]
	if !open {
		p.skip("content_block_stop", fmt.Sprintf("index %d never opened", event.Index))
		return
	}
	block.closed = true
}

func (p *StreamParser) handleMessageDelta(data []byte) error {
	var event eventMessageDelta
	if err := json.Unmarshal(data, &event); err != nil {
		p.skip("message_delta", err.Error())
		return nil
	}
	if event.Delta.StopReason != "" {
		p.stopReason = event.Delta.StopReason
	}
	// Cumulative in the wire format, not incremental.
	if event.Usage.OutputTokens > 0 {
		p.usage.OutputTokens = event.Usage.OutputTokens
	}
	// The stop reason is the proof that no tool_use block can open anymore.
	if event.Delta.StopReason != "" && event.Delta.StopReason != StopToolUse && !p.toolOpened {
		return p.flushPending()
	}
	return nil
}

// flushPending forwards the held text deltas now that the message is known
// to carry no tool calls.
func (p *StreamParser) flushPending() error {
	if len(p.pendingLive) == 0 {
		return nil
	}
	pending := p.pendingLive
	p.pendingLive = nil
	if p.callback == nil {
		return nil
	}
	for _, text := range pending {
		if err := p.deliver(StreamEvent{Type: StreamEventToken, Content: text}); err != nil {
			return err
		}
	}
	p.streamedLive = true
	return nil
}

func (p *StreamParser) handleError(data []byte) error {
	var event eventStreamError
	if err := json.Unmarshal(data, &event); err != nil {
		perr := &ProviderError{Message: "unparseable stream error"}
		_ = p.deliver(StreamEvent{Type: StreamEventError, Error: perr.Message})
		return perr
	}
	perr := &ProviderError{
		Type:    event.Error.Type,
		Message: SafeLogString(event.Error.Message),
	}
	// Mid-stream errors carry no HTTP status; recover the class from the
	// provider's type string so retry policy still applies.
	switch event.Error.Type {
	case "rate_limit_error":
		perr.StatusCode = http.StatusTooManyRequests
	case "overloaded_error":
		perr.StatusCode = StatusOverloaded
	}
	_ = p.deliver(StreamEvent{Type: StreamEventError, Error: perr.Message})
	return perr
}

// deliver forwards a live event. The first callback error sticks and aborts
// the stream.
func (p *StreamParser) deliver(event StreamEvent) error {
	if p.callback == nil {
		return nil
	}
	if err := p.callback(event); err != nil {
		p.callbackErr = err
		return fmt.Errorf("stream callback: %w", err)
	}
	return nil
}

func (p *StreamParser) skip(eventType, reason string) {
	p.skipped++
	slog.Warn("Skipping stream event", "type", eventType, "reason", reason)
}

// SkippedEvents reports how many events were dropped as malformed or
// out-of-order. Nonzero counts feed the provider-health metrics.
func (p *StreamParser) SkippedEvents() int {
	return p.skipped
}

// ===== Assembly =====

// Result assembles the final message after the stream has been fully fed.
//
// # Description
//
// Blocks appear in the order they were opened. Thinking blocks are dropped:
// they were surfaced live and have no place in replayable history. Empty
// text blocks are dropped for the same reason — the API rejects them on
// replay. A tool_use block's accumulated input fragments are parsed here;
// anything that does not parse to a JSON value becomes the empty object, so
// a garbled tool call degrades to "called with no arguments" instead of
// poisoning the conversation.
//
// # Outputs
//
//   - *MessageResult: The assembled message.
//   - error: ErrStreamTruncated when no message_stop arrived.
func (p *StreamParser) Result() (*MessageResult, error) {
	if p.callbackErr != nil {
		return nil, fmt.Errorf("stream callback: %w", p.callbackErr)
	}
	if p.state != parserDone {
		return nil, ErrStreamTruncated
	}

	result := &MessageResult{
		StopReason:       p.stopReason,
		Model:            p.model,
		Usage:            p.usage,
		TextStreamedLive: p.streamedLive,
	}
	for _, block := range p.blocks {
		switch block.kind {
		case datatypes.BlockTypeText:
			if text := block.text.String(); text != "" {
				result.Content = append(result.Content, datatypes.NewTextBlock(text))
			}
		case datatypes.BlockTypeToolUse:
			result.Content = append(result.Content,
				datatypes.NewToolUseBlock(block.id, block.name, parseToolInput(block.partialJSON.String())))
		default:
			// Thinking and future block kinds are not replayable.
		}
	}
	return result, nil
}

// parseToolInput turns accumulated input_json_delta fragments into the tool
// call's input object. Empty and malformed input both become {}.
func parseToolInput(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return datatypes.EmptyJSONObject
	}
	if !json.Valid([]byte(trimmed)) {
		slog.Warn("Tool input did not parse; defaulting to empty object",
			"fragment_length", len(raw))
		return datatypes.EmptyJSONObject
	}
	return json.RawMessage(trimmed)
}
