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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCRM/pkg/extensions"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/observability"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// 15 seconds is well under typical load balancer timeouts (60s).
	heartbeatInterval = 15 * time.Second
)

// =============================================================================
// Handler Definition
// =============================================================================

// AssistantHandler serves the conversational CRM assistant over SSE.
//
// # Description
//
// The handler owns the transport side of one assistant turn: request
// parsing and validation, identity resolution, the SSE event stream, the
// keepalive heartbeat, and the secure answer accumulator. The agent loop
// owns everything between the user message and the final answer (model
// calls, tool dispatch, policy filtering).
//
// # Fields
//
//   - loop: Agent loop executing the turn.
//   - opts: Extension points (authz, audit, filtering, request capture).
//   - tracer: OpenTelemetry tracer for request spans.
//
// # Thread Safety
//
// Safe for concurrent use. All per-request state lives in the request
// scope.
type AssistantHandler struct {
	loop   *agent.Loop
	opts   extensions.ServiceOptions
	tracer trace.Tracer
}

// NewAssistantHandler creates the assistant chat handler.
//
// # Inputs
//
//   - loop: Configured agent loop. Must not be nil.
//   - opts: Extension points. Use extensions.DefaultOptions() for the
//     open source no-op set.
//
// # Outputs
//
//   - *AssistantHandler: Ready for route registration.
func NewAssistantHandler(loop *agent.Loop, opts extensions.ServiceOptions) *AssistantHandler {
	if loop == nil {
		panic("NewAssistantHandler: loop must not be nil")
	}
	return &AssistantHandler{
		loop:   loop,
		opts:   opts,
		tracer: otel.Tracer("aleutian.orchestrator.handlers.assistant"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleAssistantChat processes one assistant turn with SSE streaming.
//
// # Description
//
// Handles POST /v1/assistant/chat requests. The flow is:
//  1. Resolve caller identity (role, restrictions) from the auth middleware
//  2. Authorize the turn and capture the raw request for audit
//  3. Set SSE headers and create the hash-chained writer
//  4. Parse and validate the request body, filter the user message
//  5. Run the agent loop, forwarding its events to the stream
//  6. Finalize the secure accumulator and emit the terminal event
//
// Once the SSE writer exists, every failure is reported as a terminal
// error event rather than an HTTP status: validation failures included.
// A deferred finalizer guarantees the stream always ends with exactly
// one terminal event (complete or error), even on panic-recovered or
// early-return paths.
//
// # Inputs
//
//   - c: Gin context containing the HTTP request
//
// Request Body (datatypes.AssistantChatRequest):
//   - request_id: Optional. UUID v4 identifier for tracing (generated if absent).
//   - timestamp: Optional. Unix timestamp in milliseconds (UTC).
//   - session_id: Optional. Conversation continuity ID (generated if absent).
//   - messages: Required. Array of message objects (1-100) with role and content.
//
// # Outputs
//
// SSE Events:
//   - event: status, data: {"type":"status","message":"..."}
//   - event: thinking, data: {"type":"thinking","content":"..."}
//   - event: text_delta, data: {"type":"text_delta","content":"..."}
//   - event: response, data: {"type":"response","content":"..."}
//   - event: export_progress, data: {"type":"export_progress","progress":{...}}
//   - event: file_ready, data: {"type":"file_ready","file":{...}}
//   - event: complete, data: {"type":"complete","session_id":"...","answer_hash":"...","summary":{...}}
//   - event: error, data: {"type":"error","error":"..."}
//
// HTTP Status (before streaming starts):
//   - 500 Internal Server Error: ResponseWriter does not support streaming
//
// # Limitations
//
//   - Errors during streaming are sent as events, not HTTP errors
//
// # Assumptions
//
//   - AuthMiddleware has populated the caller identity
//   - Client supports SSE
//
// # Security References
//
//   - SEC-005: Internal errors not exposed to client in release mode
func (h *AssistantHandler) HandleAssistantChat(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointAssistantSSE

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleAssistantChat")
	defer span.End()

	// Track active stream (for metrics)
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		// Record final metrics
		if m := observability.DefaultMetrics; m != nil {
			duration := time.Since(startTime).Seconds()
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, duration, success)
		}
	}()

	// Step 1: Resolve caller identity. Auth middleware has already
	// validated the token and derived role plus restrictions.
	identity := middleware.GetIdentity(c)
	if identity == nil {
		identity = &middleware.Identity{UserID: "anonymous", Role: "readonly"}
	}
	span.SetAttributes(
		attribute.String("user.id", identity.UserID),
		attribute.String("user.role", identity.Role),
	)

	// Step 1.5: Authorization check. Enterprise can restrict who may run
	// assistant turns; the default provider allows everyone.
	if err := h.opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
		User:         &extensions.AuthInfo{UserID: identity.UserID, Roles: []string{identity.Role}},
		Action:       "execute",
		ResourceType: "assistant",
	}); err != nil {
		span.SetStatus(codes.Error, "authorization denied")
		_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "authz.denied",
			Timestamp:    time.Now().UTC(),
			UserID:       identity.UserID,
			Action:       "execute",
			ResourceType: "assistant",
			Outcome:      "denied",
			Metadata:     map[string]any{"reason": err.Error()},
		})
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	// Step 1.6: Read the raw body for enterprise request capture, then
	// restore it for binding.
	rawBody, bodyErr := io.ReadAll(c.Request.Body)
	if bodyErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(rawBody))

	// Step 2: Set SSE headers and create writer. From here on the stream
	// is the response surface.
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	// The stream must end with exactly one terminal event. The writer
	// drops duplicates, so this fires only when no terminal was written.
	defer func() {
		if !writer.TerminalSent() {
			_ = writer.WriteError(sanitizeErrorForClient("stream ended unexpectedly"))
		}
	}()

	// Step 3: Parse and validate. Failures are terminal error events,
	// emitted before any model call.
	var req datatypes.AssistantChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse assistant chat request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		_ = writer.WriteError("invalid request body")
		return
	}
	req.EnsureDefaults()

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.Int("request.message_count", len(req.Messages)),
	)

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Assistant request validation failed",
			"error", err,
			"requestId", req.RequestID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		_ = writer.WriteError(fmt.Sprintf("invalid request: %v", err))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	// Step 3.5: Capture the raw request for enterprise audit. The nop
	// auditor returns an empty ID; failures never fail the turn.
	auditID, _ := h.opts.RequestAuditor.CaptureRequest(ctx, &extensions.AuditableRequest{
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		Headers:   extractHeaders(c),
		Body:      rawBody,
		UserID:    identity.UserID,
		SessionID: sessionID,
		Timestamp: startTime,
	})

	// Step 3.6: Run the message filter over the latest user message.
	// Enterprise can redact PII or block policy violations before the
	// question reaches the model.
	lastIdx := len(req.Messages) - 1
	if lastIdx >= 0 && req.Messages[lastIdx].Role == datatypes.RoleUser {
		filterResult, filterErr := h.opts.MessageFilter.FilterInput(ctx, req.Messages[lastIdx].TextContent())
		if filterErr != nil {
			span.RecordError(filterErr)
			slog.Error("Message filter failed",
				"error", filterErr,
				"requestId", req.RequestID,
			)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeInternal)
			}
			_ = writer.WriteError(sanitizeErrorForClient("message processing failed"))
			return
		}
		if filterResult.WasBlocked {
			span.SetStatus(codes.Error, "message blocked by filter")
			_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
				EventType:    "assistant.blocked",
				Timestamp:    time.Now().UTC(),
				UserID:       identity.UserID,
				Action:       "execute",
				ResourceType: "assistant",
				ResourceID:   sessionID,
				Outcome:      "blocked",
				Metadata: map[string]any{
					"request_id": req.RequestID,
					"reason":     filterResult.BlockReason,
				},
			})
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeValidation)
			}
			_ = writer.WriteError("message blocked by content filter")
			return
		}
		if filterResult.WasModified {
			req.Messages[lastIdx] = datatypes.NewTextMessage(datatypes.RoleUser, filterResult.Filtered)
		}
	}

	// Step 4: Start heartbeat goroutine to prevent connection timeouts
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runHeartbeat(ctx, writer, endpoint, heartbeatDone)

	// Step 5: Secure accumulator for the answer. Answer text carries CRM
	// data, so it lives in mlocked memory until the turn ends; its hash
	// rides on the complete event for chain of custody.
	acc, err := NewSecureAnswerAccumulator()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accumulator setup failed")
		slog.Error("Failed to create answer accumulator",
			"error", err,
			"requestId", req.RequestID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		_ = writer.WriteError(sanitizeErrorForClient(err.Error()))
		return
	}
	defer acc.Destroy()

	// Step 6: Run the agent loop, forwarding its events to the stream.
	state := &datatypes.ConversationState{
		SessionID:    sessionID,
		UserRole:     identity.Role,
		Restrictions: identity.Restrictions,
		Messages:     req.Messages,
	}
	sink := &sseEventSink{
		writer:   writer,
		acc:      acc,
		endpoint: endpoint,
		started:  startTime,
	}

	result, err := h.loop.Run(ctx, req.RequestID, state, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assistant turn failed")
		slog.Error("Assistant turn failed",
			"error", err,
			"requestId", req.RequestID,
			"sessionId", sessionID,
		)
		if m := observability.DefaultMetrics; m != nil {
			code := classifyLoopError(err)
			m.RecordError(endpoint, code)
			if code == observability.ErrorCodeClientDisconnect {
				m.RecordClientDisconnect(endpoint)
			}
		}
		_ = h.opts.RequestAuditor.CaptureResponse(ctx, auditID, &extensions.AuditableResponse{
			StatusCode: http.StatusOK,
			Outcome:    "error",
			DurationMs: time.Since(startTime).Milliseconds(),
			Timestamp:  time.Now().UTC(),
		})
		_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "assistant.error",
			Timestamp:    time.Now().UTC(),
			UserID:       identity.UserID,
			Action:       "execute",
			ResourceType: "assistant",
			ResourceID:   sessionID,
			Outcome:      "error",
			Metadata: map[string]any{
				"request_id": req.RequestID,
				"error":      err.Error(),
			},
		})
		_ = writer.WriteError(sanitizeErrorForClient(err.Error()))
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRounds(result.Round.Round)
		m.RecordTokens(result.Round.Usage.InputTokens, result.Round.Usage.OutputTokens, result.Round.ModelUsed)
	}

	// Step 7: Finalize the accumulator and emit the terminal event.
	answer, answerHash, finErr := acc.Finalize()
	if finErr != nil {
		// The answer already reached the client as events; complete the
		// stream without a verifiable hash rather than failing the turn.
		slog.Warn("Answer accumulator finalize failed",
			"error", finErr,
			"requestId", req.RequestID,
		)
		answerHash = ""
	}

	summary := datatypes.NewAssistantChatResponse(req.RequestID, result.Round)
	summary.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	if err := writer.WriteComplete(sessionID, answerHash, summary); err != nil {
		slog.Error("Failed to write complete event",
			"error", err,
			"requestId", req.RequestID,
		)
		return
	}
	success = true

	// Step 8: Close out the audit trail for the turn.
	_ = h.opts.RequestAuditor.CaptureResponse(ctx, auditID, &extensions.AuditableResponse{
		StatusCode: http.StatusOK,
		AnswerHash: answerHash,
		Rounds:     result.Round.Round,
		Outcome:    "complete",
		DurationMs: summary.ProcessingTimeMs,
		Timestamp:  time.Now().UTC(),
	})
	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    "assistant.turn",
		Timestamp:    time.Now().UTC(),
		UserID:       identity.UserID,
		Action:       "execute",
		ResourceType: "assistant",
		ResourceID:   sessionID,
		Outcome:      "success",
		Metadata: map[string]any{
			"request_id":  req.RequestID,
			"rounds":      result.Round.Round,
			"model":       result.Round.ModelUsed,
			"duration_ms": summary.ProcessingTimeMs,
		},
	})

	slog.Info("Assistant turn complete",
		"requestId", req.RequestID,
		"sessionId", sessionID,
		"rounds", result.Round.Round,
		"model", result.Round.ModelUsed,
		"answer_bytes", len(answer),
		"streamed_live", result.TextStreamedLive,
		"duration_ms", summary.ProcessingTimeMs,
	)
}

// =============================================================================
// Event Sink
// =============================================================================

// sseEventSink forwards agent loop events to the SSE writer.
//
// # Description
//
// Bridges the transport-agnostic agent.EventSink to the SSE stream.
// Answer-bearing events (text_delta, response) are also written to the
// secure accumulator so the terminal complete event can carry the hash
// of exactly what was streamed. Write failures are logged and dropped;
// a sink must never block or fail the loop.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying writer serializes writes.
type sseEventSink struct {
	writer    SSEWriter
	acc       AnswerAccumulator
	endpoint  observability.Endpoint
	started   time.Time
	firstOnce sync.Once
}

// Emit implements agent.EventSink.
func (s *sseEventSink) Emit(event agent.Event) {
	switch event.Type {
	case agent.EventThinking:
		_ = s.writer.WriteThinking(event.Text)

	case agent.EventTextDelta:
		s.recordFirstToken()
		s.accumulate(event.Text)
		_ = s.writer.WriteTextDelta(event.Text)

	case agent.EventResponse:
		s.recordFirstToken()
		s.accumulate(event.Text)
		_ = s.writer.WriteResponse(event.Text)

	case agent.EventStatus:
		_ = s.writer.WriteStatus(event.Text)

	case agent.EventExportProgress:
		if progress, ok := event.Data.(datatypes.ExportProgress); ok {
			_ = s.writer.WriteExportProgress(progress)
		}

	case agent.EventFileReady:
		if file, ok := event.Data.(datatypes.ExportFileReady); ok {
			_ = s.writer.WriteFileReady(file)
		}
	}
}

// recordFirstToken records time-to-first-token once per stream.
func (s *sseEventSink) recordFirstToken() {
	s.firstOnce.Do(func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(s.endpoint, time.Since(s.started).Seconds())
		}
	})
}

// accumulate appends answer text to the secure buffer.
func (s *sseEventSink) accumulate(text string) {
	if s.acc == nil {
		return
	}
	if err := s.acc.Write(text); err != nil {
		slog.Warn("Answer accumulation failed", "error", err)
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// runHeartbeat sends periodic keepalive pings to prevent connection timeouts.
//
// # Description
//
// Runs in a separate goroutine, sending SSE comments every heartbeatInterval
// to keep the connection alive during long operations (tool rounds, export
// batches, provider retries). Stops when done channel is closed or context
// is cancelled.
//
// # Inputs
//
//   - ctx: Context for cancellation detection.
//   - writer: SSE writer to send keepalives.
//   - endpoint: Endpoint name for metrics.
//   - done: Channel to signal when to stop (close to stop).
//
// # Limitations
//
//   - Errors writing keepalives stop the heartbeat but not the stream.
//
// # Assumptions
//
//   - Writer is thread-safe.
func (h *AssistantHandler) runHeartbeat(
	ctx context.Context,
	writer SSEWriter,
	endpoint observability.Endpoint,
	done <-chan struct{},
) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// classifyLoopError maps a loop failure to a metrics error code.
func classifyLoopError(err error) observability.ErrorCode {
	switch {
	case errors.Is(err, context.Canceled):
		return observability.ErrorCodeClientDisconnect
	case errors.Is(err, context.DeadlineExceeded):
		return observability.ErrorCodeTimeout
	default:
		return observability.ErrorCodeLLMError
	}
}

// extractHeaders copies request headers worth preserving for audit.
//
// Credential-bearing headers are stripped so captured requests never
// contain tokens. Multi-valued headers keep their first value only.
func extractHeaders(c *gin.Context) extensions.HTTPHeaders {
	headers := extensions.HTTPHeaders{}
	for name, values := range c.Request.Header {
		if len(values) == 0 {
			continue
		}
		switch strings.ToLower(name) {
		case "authorization", "cookie", "x-api-key":
			continue
		}
		headers.Set(name, values[0])
	}
	return headers
}

// sanitizeErrorForClient removes internal details from error messages.
//
// # Description
//
// Per SEC-005, internal error details (stack traces, file paths, internal
// service names) must not be exposed to clients in production. In release
// mode this returns a generic message; in debug and test modes the detail
// passes through to ease local development.
//
// # Inputs
//
//   - errMsg: Raw error message (may contain internal details).
//
// # Outputs
//
//   - string: Error message safe for client display.
//
// # Security References
//
//   - SEC-005: Internal errors not exposed to client
func sanitizeErrorForClient(errMsg string) string {
	// Log the full error internally for debugging
	slog.Debug("Sanitizing error for client", "original_error", errMsg)

	if gin.Mode() == gin.ReleaseMode {
		return "An error occurred while processing your request"
	}
	return errMsg
}
