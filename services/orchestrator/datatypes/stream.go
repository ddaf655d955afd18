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

// StreamEvent is the wire frame for one assistant stream event.
//
// # Description
//
// Both transports (SSE and WebSocket) carry this frame. The transport
// populates Id, CreatedAt, Hash, and PrevHash; the hash chain gives the
// client a verifiable record of what was streamed, in what order, when.
//
// Exactly one field group is populated per event type:
//   - thinking, text_delta, response: Content
//   - status: Message
//   - error: Error
//   - complete: SessionId, Summary, AnswerHash
//   - export_progress: Progress
//   - file_ready: File
//
// # Fields
//
//   - Id: UUID v4 assigned at write time, for ordering and deduplication.
//   - Type: Event type name (see the agent package event constants).
//   - CreatedAt: Unix timestamp in milliseconds at write time.
//   - Content: Text payload for thinking/text_delta/response events.
//   - Message: Human-readable status text for status events.
//   - Error: Sanitized error message for error events.
//   - SessionId: Session correlation ID, set on the complete event.
//   - AnswerHash: SHA-256 of the full accumulated answer, set on complete.
//   - Summary: End-of-turn accounting, set on the complete event.
//   - Progress: Batch progress payload for export_progress events.
//   - File: Finished-file payload for file_ready events.
//   - Hash: SHA-256 of this event's content fields.
//   - PrevHash: Hash of the previous event in this stream ("" for the first).
type StreamEvent struct {
	Id         string                 `json:"id"`
	Type       string                 `json:"type"`
	CreatedAt  int64                  `json:"created_at"`
	Content    string                 `json:"content,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Error      string                 `json:"error,omitempty"`
	SessionId  string                 `json:"session_id,omitempty"`
	AnswerHash string                 `json:"answer_hash,omitempty"`
	Summary    *AssistantChatResponse `json:"summary,omitempty"`
	Progress   *ExportProgress        `json:"progress,omitempty"`
	File       *ExportFileReady       `json:"file,omitempty"`
	Hash       string                 `json:"hash"`
	PrevHash   string                 `json:"prev_hash"`
}

// IsTerminal reports whether this event ends the stream. Every stream
// carries exactly one terminal event: complete or error.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == "complete" || e.Type == "error"
}
