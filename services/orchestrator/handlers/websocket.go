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
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/observability"
)

// WSTurnRequest is one assistant turn over the socket. The client sends the
// full message history each turn, same contract as the SSE endpoint.
type WSTurnRequest struct {
	RequestID string              `json:"request_id,omitempty"`
	Messages  []datatypes.Message `json:"messages"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	// 1MB buffers; request bodies are capped well below this by validation
	ReadBufferSize:  1024 * 1024,
	WriteBufferSize: 1024 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// wsEventWriter pushes hash-chained StreamEvents over one socket. The chain
// spans the whole connection; the terminal flag resets each turn so every
// turn ends with exactly one complete or error frame.
type wsEventWriter struct {
	ws       *websocket.Conn
	mu       sync.Mutex
	prevHash string
	terminal bool
}

func (w *wsEventWriter) writeEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminal {
		return nil
	}

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	if event.IsTerminal() {
		w.terminal = true
	}

	return sendJSON(w.ws, event)
}

func (w *wsEventWriter) beginTurn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminal = false
}

func (w *wsEventWriter) writeError(msg string) error {
	return w.writeEvent(datatypes.StreamEvent{Type: agent.EventError, Error: msg})
}

// HandleAssistantWS serves assistant turns over a WebSocket. Each JSON frame
// from the client is one turn; the server answers with the same event types
// the SSE endpoint streams, as hash-chained frames.
func HandleAssistantWS(loop *agent.Loop) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := middleware.GetIdentity(c)
		if identity == nil {
			identity = &middleware.Identity{UserID: "anonymous", Role: "readonly"}
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Websocket client connected", "user", identity.UserID)

		// --- WebSocket Connection State ---
		sessionID := uuid.New().String()
		slog.Info("New websocket session started", "sessionID", sessionID)

		// --- Send Session ID to client immediately on connect ---
		if err := sendJSON(ws, map[string]interface{}{
			"action":    "session_created",
			"sessionId": sessionID,
		}); err != nil {
			return // Close if we can't even send the first message
		}

		writer := &wsEventWriter{ws: ws}

		for {
			var req WSTurnRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("Websocket client disconnected", "error", err.Error())
				break
			}

			writer.beginTurn()

			chatReq := datatypes.AssistantChatRequest{
				RequestID: req.RequestID,
				SessionID: sessionID,
				Messages:  req.Messages,
			}
			chatReq.EnsureDefaults()
			if err := chatReq.Validate(); err != nil {
				slog.Warn("Websocket turn validation failed", "error", err, "sessionID", sessionID)
				if m := observability.DefaultMetrics; m != nil {
					m.RecordError(observability.EndpointAssistantWS, observability.ErrorCodeValidation)
				}
				if werr := writer.writeError("invalid request: " + err.Error()); werr != nil {
					return
				}
				continue
			}

			// The turn runs on the request context: closing the socket or
			// killing the request cancels any in-flight model call.
			runAssistantWSTurn(c.Request.Context(), loop, writer, identity, sessionID, &chatReq)
		}
	}
}

// runAssistantWSTurn executes one turn and writes its terminal frame. Turn
// failures terminate the turn, not the connection.
func runAssistantWSTurn(
	ctx context.Context,
	loop *agent.Loop,
	writer *wsEventWriter,
	identity *middleware.Identity,
	sessionID string,
	req *datatypes.AssistantChatRequest,
) {
	start := time.Now()
	endpoint := observability.EndpointAssistantWS

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	acc, err := NewSecureAnswerAccumulator()
	if err != nil {
		slog.Error("Failed to create answer accumulator", "error", err, "requestId", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
			m.RecordRequest(endpoint, false)
		}
		_ = writer.writeError(sanitizeErrorForClient(err.Error()))
		return
	}
	defer acc.Destroy()

	state := &datatypes.ConversationState{
		SessionID:    sessionID,
		UserRole:     identity.Role,
		Restrictions: identity.Restrictions,
		Messages:     req.Messages,
	}

	result, err := loop.Run(ctx, req.RequestID, state, &wsSink{writer: writer, acc: acc})
	if err != nil {
		slog.Error("Assistant turn failed",
			"error", err,
			"requestId", req.RequestID,
			"sessionId", sessionID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, classifyLoopError(err))
			m.RecordRequest(endpoint, false)
		}
		_ = writer.writeError(sanitizeErrorForClient(err.Error()))
		return
	}

	_, answerHash, finErr := acc.Finalize()
	if finErr != nil {
		slog.Warn("Answer accumulator finalize failed", "error", finErr, "requestId", req.RequestID)
		answerHash = ""
	}

	summary := datatypes.NewAssistantChatResponse(req.RequestID, result.Round)
	summary.ProcessingTimeMs = time.Since(start).Milliseconds()

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, true)
		m.RecordStreamDuration(endpoint, time.Since(start).Seconds(), true)
		m.RecordRounds(result.Round.Round)
		m.RecordTokens(result.Round.Usage.InputTokens, result.Round.Usage.OutputTokens, result.Round.ModelUsed)
	}

	_ = writer.writeEvent(datatypes.StreamEvent{
		Type:       agent.EventComplete,
		SessionId:  sessionID,
		AnswerHash: answerHash,
		Summary:    summary,
	})
}

// wsSink forwards agent loop events to the socket as chained frames.
type wsSink struct {
	writer *wsEventWriter
	acc    AnswerAccumulator
}

func (s *wsSink) Emit(event agent.Event) {
	switch event.Type {
	case agent.EventThinking:
		_ = s.writer.writeEvent(datatypes.StreamEvent{Type: event.Type, Content: event.Text})

	case agent.EventTextDelta, agent.EventResponse:
		if s.acc != nil {
			if err := s.acc.Write(event.Text); err != nil {
				slog.Warn("Answer accumulation failed", "error", err)
			}
		}
		_ = s.writer.writeEvent(datatypes.StreamEvent{Type: event.Type, Content: event.Text})

	case agent.EventStatus:
		_ = s.writer.writeEvent(datatypes.StreamEvent{Type: event.Type, Message: event.Text})

	case agent.EventExportProgress:
		if progress, ok := event.Data.(datatypes.ExportProgress); ok {
			_ = s.writer.writeEvent(datatypes.StreamEvent{Type: event.Type, Progress: &progress})
		}

	case agent.EventFileReady:
		if file, ok := event.Data.(datatypes.ExportFileReady); ok {
			_ = s.writer.writeEvent(datatypes.StreamEvent{Type: event.Type, File: &file})
		}
	}
}
