// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of event content for integrity
//   - PrevHash: Hash of previous event for chain verification
//
// Every stream carries exactly one terminal event (complete or error).
// Implementations must enforce this: once a terminal event has been
// written, all further events are dropped.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The assistant loop, export workers, and the keepalive ticker may all
// write to the same stream.
//
// # Limitations
//
//   - Must be used with http.Flusher-compatible ResponseWriter
//   - Response headers must be set before first write
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	// WriteEvent writes a single SSE event to the response.
	//
	// # Description
	//
	// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
	// to JSON, and writes in SSE format. Flushes immediately after writing.
	// Events written after a terminal event are silently dropped.
	//
	// # Inputs
	//
	//   - event: StreamEvent to write. Id, CreatedAt, Hash, PrevHash are auto-set.
	//
	// # Outputs
	//
	//   - error: Non-nil if JSON marshaling or writing failed.
	//
	// # Limitations
	//
	//   - Event must be JSON-serializable
	//
	// # Assumptions
	//
	//   - Connection is still open
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with the given message.
	//
	// # Description
	//
	// Convenience method for writing status events. Creates a StreamEvent
	// with Type="status" and the provided message. Used for progress
	// narration ("Looking up account...", "Preparing export...").
	//
	// # Inputs
	//
	//   - message: Status message to display.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	WriteStatus(message string) error

	// WriteThinking writes a thinking event with reasoning text.
	//
	// # Description
	//
	// Convenience method for streaming the model's reasoning deltas.
	// Thinking text is display-only and never part of the final answer.
	//
	// # Inputs
	//
	//   - content: Reasoning text delta.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	WriteThinking(content string) error

	// WriteTextDelta writes a text_delta event with answer text.
	//
	// # Description
	//
	// Convenience method for streaming answer text as it is produced.
	// Deltas concatenate in arrival order to form the final answer.
	//
	// # Inputs
	//
	//   - content: Answer text delta (may be a partial word or whitespace).
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Limitations
	//
	//   - No buffering; each delta is sent immediately
	WriteTextDelta(content string) error

	// WriteResponse writes a response event with a complete answer.
	//
	// # Description
	//
	// Convenience method for answers that were withheld from live
	// streaming (text produced in a round that went on to call tools)
	// and are delivered whole at the end of the turn.
	//
	// # Inputs
	//
	//   - content: Complete answer text.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	WriteResponse(content string) error

	// WriteExportProgress writes an export_progress event.
	//
	// # Description
	//
	// Convenience method for batch export progress updates.
	//
	// # Inputs
	//
	//   - progress: Processed/total counts for the running export job.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	WriteExportProgress(progress datatypes.ExportProgress) error

	// WriteFileReady writes a file_ready event.
	//
	// # Description
	//
	// Convenience method announcing a finished export file and its
	// download location.
	//
	// # Inputs
	//
	//   - file: Finished export file descriptor.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	WriteFileReady(file datatypes.ExportFileReady) error

	// WriteError writes an error event and terminates the stream.
	//
	// # Description
	//
	// Writes the terminal error event. After this call all further
	// events are dropped; the stream should be closed.
	//
	// # Inputs
	//
	//   - errMsg: Error message for the client (sanitized, no internal details)
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Limitations
	//
	//   - Error message must be sanitized before calling (SEC-005)
	//
	// # Security References
	//
	//   - SEC-005: Internal errors not exposed to client
	WriteError(errMsg string) error

	// WriteComplete writes the complete event and terminates the stream.
	//
	// # Description
	//
	// Writes the terminal success event with the session ID for
	// multi-turn continuity, the hash of the full accumulated answer,
	// and the end-of-turn accounting summary. After this call all
	// further events are dropped.
	//
	// # Inputs
	//
	//   - sessionID: Session identifier for conversation continuity.
	//   - answerHash: SHA-256 hex digest of the complete answer text.
	//   - summary: Rounds/model/usage accounting for the turn. May be nil.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	WriteComplete(sessionID, answerHash string, summary *datatypes.AssistantChatResponse) error

	// WriteKeepAlive sends a comment line to prevent connection timeouts.
	//
	// # Description
	//
	// Sends an SSE comment (": ping\n\n") to keep the connection alive
	// during long operations like export batches or slow provider calls.
	// SSE comments are ignored by clients but keep the TCP connection
	// active, preventing timeout disconnections from load balancers
	// (AWS ALB, Nginx default 60s).
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Examples
	//
	//	// In a goroutine during long operations:
	//	ticker := time.NewTicker(15 * time.Second)
	//	defer ticker.Stop()
	//	for {
	//	    select {
	//	    case <-ticker.C:
	//	        writer.WriteKeepAlive()
	//	    case <-done:
	//	        return
	//	    }
	//	}
	//
	// # Limitations
	//
	//   - Does not update the hash chain (comments are not events)
	//
	// # Assumptions
	//
	//   - Connection is still open
	WriteKeepAlive() error

	// TerminalSent reports whether a terminal event has been written.
	//
	// # Description
	//
	// Handlers use this in their cleanup path to guarantee the stream
	// closes with a terminal event: if the turn ended without one, the
	// handler writes a fallback error event.
	//
	// # Outputs
	//
	//   - bool: True once complete or error has been written.
	TerminalSent() bool
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events.
// Each event is written in the format:
//
//	event: {type}
//	data: {json}
//
// The writer maintains a hash chain for integrity verification:
//   - Each event's Hash is SHA-256 of its content (including payloads)
//   - Each event's PrevHash links to the previous event
//
// This provides chain of custody for content, payloads, and timestamps.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher interface for immediate send
//   - prevHash: Hash of the last written event (for chain)
//   - terminal: Set once a terminal event has been written
//   - mu: Mutex for thread-safe writes
//
// # Thread Safety
//
// Thread-safe via mutex. Multiple goroutines can write events concurrently.
// Hash chain integrity and the single-terminal invariant are maintained
// across concurrent writes.
//
// # Limitations
//
//   - Cannot be reused across requests
//
// # Assumptions
//
//   - Response headers already set by caller
//   - ResponseWriter supports http.Flusher interface
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	terminal bool
	mu       sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Description
//
// Creates an sseWriter that wraps the ResponseWriter. The caller must
// set appropriate SSE headers before creating the writer.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteStatus("Processing...")
//	writer.WriteTextDelta("Hello")
//	writer.WriteComplete("sess-123", answerHash, summary)
//
// # Limitations
//
//   - Requires http.Flusher support (most ResponseWriters have it)
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:   w,
		flusher:  flusher,
		prevHash: "",
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE event to the response.
//
// # Description
//
// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
// to JSON, and writes in SSE format. Flushes immediately after writing.
//
// The hash covers all content fields including structured payloads for
// complete chain of custody.
//
// Once a terminal event (complete or error) has been written, further
// calls are dropped without error. This keeps the single-terminal
// invariant intact even when a slow export worker or a cleanup path
// races the end of the stream.
//
// # Inputs
//
//   - event: StreamEvent to write. Id, CreatedAt, Hash, PrevHash are auto-set.
//
// # Outputs
//
//   - error: Non-nil if JSON marshaling or writing failed.
//
// # Examples
//
//	err := w.WriteEvent(datatypes.StreamEvent{
//	    Type:     agent.EventExportProgress,
//	    Progress: &datatypes.ExportProgress{JobID: "exp-1", Processed: 500, Total: 1200},
//	})
//
// # Limitations
//
//   - Event must be JSON-serializable
//
// # Assumptions
//
//   - Connection is still open
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Nothing follows a terminal event.
	if w.terminal {
		return nil
	}

	// Populate metadata
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash

	// Compute hash of event content (before setting Hash field)
	event.Hash = computeEventHash(event)

	// Update chain for next event
	w.prevHash = event.Hash

	if event.IsTerminal() {
		w.terminal = true
	}

	// Serialize to JSON
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Write SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash computes SHA-256 hash of event content.
//
// # Description
//
// Hashes all content fields for complete chain of custody:
//   - Id, Type, CreatedAt, PrevHash (metadata)
//   - Content, Message, Error, SessionId, AnswerHash (content fields)
//   - Summary, Progress, File (serialized to JSON for consistent hashing)
//
// Shared by both transports: the SSE writer and the WebSocket frame
// writer chain their events identically, so clients verify one format.
//
// # Inputs
//
//   - event: Event to hash (Hash field should be empty when called).
//
// # Outputs
//
//   - string: Hex-encoded SHA-256 hash.
//
// # Assumptions
//
//   - Called before setting event.Hash field.
func computeEventHash(event datatypes.StreamEvent) string {
	// Serialize the structured payload for consistent hashing. At most
	// one of these is set per event type.
	payloadJSON := ""
	switch {
	case event.Summary != nil:
		if data, err := json.Marshal(event.Summary); err == nil {
			payloadJSON = string(data)
		}
	case event.Progress != nil:
		if data, err := json.Marshal(event.Progress); err == nil {
			payloadJSON = string(data)
		}
	case event.File != nil:
		if data, err := json.Marshal(event.File); err == nil {
			payloadJSON = string(data)
		}
	}

	// Hash all content fields for complete chain of custody
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.SessionId,
		event.AnswerHash,
		payloadJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// WriteStatus writes a status event with the given message.
func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    agent.EventStatus,
		Message: message,
	})
}

// WriteThinking writes a thinking event with reasoning text.
func (w *sseWriter) WriteThinking(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    agent.EventThinking,
		Content: content,
	})
}

// WriteTextDelta writes a text_delta event with answer text.
//
// # Description
//
// Each call flushes immediately (no batching), so clients render the
// answer as it is produced.
func (w *sseWriter) WriteTextDelta(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    agent.EventTextDelta,
		Content: content,
	})
}

// WriteResponse writes a response event with a complete answer.
func (w *sseWriter) WriteResponse(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    agent.EventResponse,
		Content: content,
	})
}

// WriteExportProgress writes an export_progress event.
func (w *sseWriter) WriteExportProgress(progress datatypes.ExportProgress) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:     agent.EventExportProgress,
		Progress: &progress,
	})
}

// WriteFileReady writes a file_ready event.
func (w *sseWriter) WriteFileReady(file datatypes.ExportFileReady) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type: agent.EventFileReady,
		File: &file,
	})
}

// WriteError writes the terminal error event.
//
// # Description
//
// Per SEC-005: Error messages must be sanitized before passing to this
// method. After this call all further events are dropped.
//
// # Inputs
//
//   - errMsg: Sanitized error message for client display.
//
// # Outputs
//
//   - error: Non-nil if writing failed.
//
// # Security References
//
//   - SEC-005: Internal errors not exposed to client
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  agent.EventError,
		Error: errMsg,
	})
}

// WriteComplete writes the terminal complete event.
//
// # Description
//
// Writes the final event indicating successful stream completion, with
// the session ID, the accumulated answer hash, and the turn summary.
// After this call all further events are dropped.
//
// # Inputs
//
//   - sessionID: Session identifier for conversation continuity.
//   - answerHash: SHA-256 hex digest of the complete answer text.
//   - summary: End-of-turn accounting. May be nil.
//
// # Outputs
//
//   - error: Non-nil if writing failed.
func (w *sseWriter) WriteComplete(sessionID, answerHash string, summary *datatypes.AssistantChatResponse) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:       agent.EventComplete,
		SessionId:  sessionID,
		AnswerHash: answerHash,
		Summary:    summary,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
//
// # Description
//
// Writes an SSE comment (": ping\n\n") to keep the TCP connection active
// during long operations. Comments are ignored by SSE clients but reset
// load balancer timeout counters.
//
// # Outputs
//
//   - error: Non-nil if writing failed.
//
// # Limitations
//
//   - Does not update the hash chain.
//
// # Assumptions
//
//   - Connection is still open.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminal {
		return nil
	}

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// TerminalSent reports whether a terminal event has been written.
func (w *sseWriter) TerminalSent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminal
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
//
// # Inputs
//
//   - w: HTTP ResponseWriter to configure.
//
// # Outputs
//
// None.
//
// # Examples
//
//	func HandleStream(w http.ResponseWriter, r *http.Request) {
//	    SetSSEHeaders(w)
//	    writer, _ := NewSSEWriter(w)
//	    // ... write events ...
//	}
//
// # Limitations
//
//   - Must be called before any writes to ResponseWriter.
//
// # Assumptions
//
//   - No response has been written yet.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
