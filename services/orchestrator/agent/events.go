// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import "github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"

// Stream event names. These are the wire-level event types pushed to the
// client; the transport (SSE or WebSocket) carries them verbatim.
const (
	EventThinking       = "thinking"
	EventTextDelta      = "text_delta"
	EventResponse       = "response"
	EventComplete       = "complete"
	EventError          = "error"
	EventStatus         = "status"
	EventExportProgress = "export_progress"
	EventFileReady      = "file_ready"
)

// Event is one frame pushed toward the client during a turn.
//
// Text carries the human-readable content for text-shaped events; Data
// carries the structured payload for export events and completion metadata.
type Event struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
}

// EventSink receives stream events from the agent loop and tool handlers.
//
// Implementations must tolerate emission after the client has gone away
// (drop the event) and must not block the loop indefinitely. Terminal
// events (complete, error) are emitted by the transport layer, not by the
// loop, so a sink sees at most the non-terminal event types from here.
type EventSink interface {
	Emit(event Event)
}

// NopSink discards every event. Used when no client is attached, and in
// tests that do not inspect the stream.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(Event) {}

// ===== Constructors =====

// ThinkingEvent reports loop progress ("searching the CRM...", model
// thinking text) without being part of the answer.
func ThinkingEvent(text string) Event {
	return Event{Type: EventThinking, Text: text}
}

// TextDeltaEvent carries one incremental chunk of the final answer.
func TextDeltaEvent(text string) Event {
	return Event{Type: EventTextDelta, Text: text}
}

// ResponseEvent carries the complete final answer. Only emitted when the
// text was not already streamed as deltas.
func ResponseEvent(text string) Event {
	return Event{Type: EventResponse, Text: text}
}

// StatusEvent reports a coarse state change ("running tools", "round 3").
func StatusEvent(text string) Event {
	return Event{Type: EventStatus, Text: text}
}

// ExportProgressEvent reports batch progress of a running export.
func ExportProgressEvent(progress datatypes.ExportProgress) Event {
	return Event{Type: EventExportProgress, Data: progress}
}

// FileReadyEvent announces a finished export file.
func FileReadyEvent(ready datatypes.ExportFileReady) Event {
	return Event{Type: EventFileReady, Data: ready}
}
