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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.llm.anthropic")

const (
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicMessagesPath   = "/v1/messages"
	anthropicDefaultModel   = "claude-3-5-sonnet-20240620"
	anthropicSecretPath     = "/run/secrets/anthropic_api_key"

	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second

	// System prompts past this size get a cache_control marker so the
	// provider caches the prefix across rounds of the same conversation.
	systemCacheThreshold = 1024
)

// ===== Wire types =====

type anthropicRequest struct {
	Model     string              `json:"model"`
	Messages  []datatypes.Message `json:"messages"`
	System    []systemBlock       `json:"system,omitempty"`
	MaxTokens int                 `json:"max_tokens"`
	Thinking  *thinkingParams     `json:"thinking,omitempty"`
	Tools     []ToolDefinition    `json:"tools,omitempty"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type thinkingParams struct {
	Type         string `json:"type"` // Must be "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Content    []anthropicContent `json:"content"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ===== Client Implementation =====

// AnthropicConfig configures the hosted Messages API client.
//
// Zero values fall back to environment variables and then to defaults:
// APIKey from ANTHROPIC_API_KEY or the mounted secret file, Model from
// CLAUDE_MODEL, BaseURL from ANTHROPIC_BASE_URL.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration

	// HTTPClient overrides the default client. Tests inject one pointed at
	// a local server.
	HTTPClient *http.Client
}

// AnthropicClient talks to the hosted Messages API.
//
// # Description
//
// The client converts MessageRequest to the provider wire format and back.
// It classifies every non-OK response into a *ProviderError and never
// retries on its own: pacing after 429 and model fallback after 529 are
// round-loop decisions, and stacking a second retry layer here would
// multiply the wait the provider asked for.
//
// # Thread Safety
//
// Safe for concurrent use. All fields are set at construction.
type AnthropicClient struct {
	config     AnthropicConfig
	httpClient *http.Client
	endpoint   string
}

var _ LLMClient = (*AnthropicClient)(nil)

// NewAnthropicClient creates a Messages API client.
//
// # Inputs
//
//   - config: Connection settings. See AnthropicConfig for the fallback
//     chain applied to zero values.
//
// # Outputs
//
//   - *AnthropicClient: Ready-to-use client.
//   - error: No API key found in config, environment, or secret file.
func NewAnthropicClient(config AnthropicConfig) (*AnthropicClient, error) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if config.APIKey == "" {
		if content, err := os.ReadFile(anthropicSecretPath); err == nil {
			config.APIKey = strings.TrimSpace(string(content))
			slog.Info("Read Anthropic API key from mounted secret")
		}
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is missing")
	}

	if config.Model == "" {
		config.Model = os.Getenv("CLAUDE_MODEL")
	}
	if config.Model == "" {
		config.Model = anthropicDefaultModel
		slog.Info("CLAUDE_MODEL not set, defaulting", "model", config.Model)
	}
	if config.BaseURL == "" {
		config.BaseURL = os.Getenv("ANTHROPIC_BASE_URL")
	}
	if config.BaseURL == "" {
		config.BaseURL = anthropicDefaultBaseURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &AnthropicClient{
		config:     config,
		httpClient: httpClient,
		endpoint:   config.BaseURL + anthropicMessagesPath,
	}, nil
}

// DefaultModel returns the model used when a request names none.
func (a *AnthropicClient) DefaultModel() string {
	return a.config.Model
}

// buildRequest converts a MessageRequest to the provider payload.
func (a *AnthropicClient) buildRequest(req MessageRequest, stream bool) anthropicRequest {
	payload := anthropicRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		StopSeqs:    req.StopSequences,
		Stream:      stream,
	}
	if payload.Model == "" {
		payload.Model = a.config.Model
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = a.config.MaxTokens
	}

	if req.System != "" {
		block := systemBlock{Type: "text", Text: req.System}
		if len(req.System) > systemCacheThreshold {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		payload.System = []systemBlock{block}
	}

	if req.ThinkingBudget > 0 {
		payload.Thinking = &thinkingParams{Type: "enabled", BudgetTokens: req.ThinkingBudget}
		minRequired := req.ThinkingBudget + 2048 // Budget + room for the answer
		if payload.MaxTokens < minRequired {
			slog.Info("Adjusting MaxTokens to accommodate thinking budget",
				"old", payload.MaxTokens, "new", minRequired)
			payload.MaxTokens = minRequired
		}
	}
	return payload
}

// send issues the HTTP request; non-OK statuses come back as *ProviderError.
func (a *AnthropicClient) send(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.config.APIKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		perr := newProviderError(resp.StatusCode, resp.Header, respBody)
		slog.Warn("Anthropic returned an error",
			"status_code", perr.StatusCode,
			"error_type", perr.Type,
			"retry_after", perr.RetryAfter)
		return nil, perr
	}
	return resp, nil
}

// Chat sends a complete (non-streaming) message exchange.
//
// # Description
//
// Issues one Messages API call and converts the response content into
// provider-neutral blocks. Thinking blocks are logged at debug and dropped;
// they are not replayable history.
//
// # Inputs
//
//   - ctx: Cancels the request.
//   - req: Message history, tools, and sampling parameters.
//
// # Outputs
//
//   - *MessageResult: Assembled content, stop reason, and token usage.
//   - error: *ProviderError for non-OK responses, transport errors otherwise.
func (a *AnthropicClient) Chat(ctx context.Context, req MessageRequest) (*MessageResult, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.Chat")
	defer span.End()

	payload := a.buildRequest(req, false)
	span.SetAttributes(
		attribute.String("llm.model", payload.Model),
		attribute.Int("llm.num_messages", len(payload.Messages)),
		attribute.Int("llm.num_tools", len(payload.Tools)),
	)
	slog.Debug("Sending request to Anthropic", "model", payload.Model,
		"messages", len(payload.Messages))

	resp, err := a.send(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read anthropic response: %w", err)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	result := &MessageResult{
		StopReason: apiResp.StopReason,
		Model:      apiResp.Model,
		Usage: datatypes.TokenUsage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
	for _, block := range apiResp.Content {
		switch block.Type {
		case datatypes.BlockTypeText:
			if block.Text != "" {
				result.Content = append(result.Content, datatypes.NewTextBlock(block.Text))
			}
		case datatypes.BlockTypeToolUse:
			result.Content = append(result.Content,
				datatypes.NewToolUseBlock(block.ID, block.Name, block.Input))
		case "thinking":
			slog.Debug("Model thinking", "length", len(block.Thinking))
		}
	}

	span.SetAttributes(
		attribute.Int("llm.input_tokens", result.Usage.InputTokens),
		attribute.Int("llm.output_tokens", result.Usage.OutputTokens),
		attribute.String("llm.stop_reason", result.StopReason),
	)
	return result, nil
}

// ChatStream sends a streaming message exchange.
//
// # Description
//
// Opens a server-sent-events stream and feeds every event through a
// StreamParser. The callback sees text deltas live (until the model opens a
// tool call), thinking activity, and stream errors; the assembled message
// comes back as the return value once the stream ends.
//
// # Inputs
//
//   - ctx: Cancels the stream mid-flight.
//   - req: Message history, tools, and sampling parameters.
//   - callback: Live event sink. May be nil. A non-nil return aborts the
//     stream.
//
// # Outputs
//
//   - *MessageResult: The fully assembled message.
//   - error: *ProviderError from the handshake or an error event,
//     ErrStreamTruncated when the connection dropped before message_stop.
func (a *AnthropicClient) ChatStream(ctx context.Context, req MessageRequest, callback StreamCallback) (*MessageResult, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.ChatStream")
	defer span.End()

	payload := a.buildRequest(req, true)
	span.SetAttributes(
		attribute.String("llm.model", payload.Model),
		attribute.Int("llm.num_messages", len(payload.Messages)),
		attribute.Int("llm.num_tools", len(payload.Tools)),
	)
	slog.Debug("Opening Anthropic stream", "model", payload.Model,
		"messages", len(payload.Messages))

	resp, err := a.send(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	parser := NewStreamParser(callback)
	if err := a.readSSE(resp.Body, parser); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := parser.Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if skipped := parser.SkippedEvents(); skipped > 0 {
		span.SetAttributes(attribute.Int("llm.skipped_events", skipped))
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", result.Usage.InputTokens),
		attribute.Int("llm.output_tokens", result.Usage.OutputTokens),
		attribute.String("llm.stop_reason", result.StopReason),
	)
	return result, nil
}

// readSSE scans the event stream and feeds each event to the parser.
//
// The format is line-oriented: "event: <type>" names the next event,
// "data: <json>" carries its payload. The provider sends one data line per
// event, so each data line dispatches immediately.
func (a *AnthropicClient) readSSE(body io.Reader, parser *StreamParser) error {
	scanner := bufio.NewScanner(body)
	// Tool input fragments can make single events large.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventType := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if err := parser.HandleEvent(eventType, []byte(data)); err != nil {
				return err
			}
		}
		// Blank lines and comments need no handling.
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading anthropic stream: %w", err)
	}
	return nil
}
