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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible backend. APIKey falls back
// to OPENAI_API_KEY and the mounted secret file, Model to OPENAI_MODEL.
// BaseURL points the client at any compatible gateway.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIClient is the compatibility backend for OpenAI-style gateways.
//
// # Description
//
// Secondary backend behind the same LLMClient interface as the Messages API
// client. Content blocks map onto the chat-completions shapes: tool_use
// becomes an assistant tool call, tool_result becomes a tool-role message.
// Thinking budgets and top_k have no equivalent here and are ignored.
//
// Like the primary backend it never retries; API errors are classified into
// *ProviderError so the round loop can apply its usual policy.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient creates a chat-completions client.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.APIKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		if content, err := os.ReadFile(secretPath); err == nil {
			config.APIKey = strings.TrimSpace(string(content))
			slog.Info("Read the OpenAI API key from mounted secret")
		}
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai API key is missing")
	}
	if config.Model == "" {
		config.Model = os.Getenv("OPENAI_MODEL")
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI-compatible client", "model", config.Model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  config.Model,
	}, nil
}

// DefaultModel returns the model used when a request names none.
func (o *OpenAIClient) DefaultModel() string {
	return o.model
}

// buildRequest converts a MessageRequest to the chat-completions payload.
func (o *OpenAIClient) buildRequest(req MessageRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{Model: req.Model}
	if out.Model == "" {
		out.Model = o.model
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, convertMessage(msg)...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}
	return out
}

// convertMessage maps one history message onto chat-completions messages.
// A user turn holding tool results fans out into tool-role messages.
func convertMessage(msg datatypes.Message) []openai.ChatCompletionMessage {
	if msg.Role == datatypes.RoleAssistant {
		out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
		for _, blk := range msg.Content {
			switch blk.Type {
			case datatypes.BlockTypeText:
				out.Content += blk.Text
			case datatypes.BlockTypeToolUse:
				input := blk.Input
				if len(input) == 0 {
					input = datatypes.EmptyJSONObject
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   blk.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      blk.Name,
						Arguments: string(input),
					},
				})
			}
		}
		return []openai.ChatCompletionMessage{out}
	}

	var out []openai.ChatCompletionMessage
	var text string
	for _, blk := range msg.Content {
		switch blk.Type {
		case datatypes.BlockTypeToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: blk.ToolUseID,
				Content:    blk.Content,
			})
		case datatypes.BlockTypeText:
			text += blk.Text
		}
	}
	if text != "" || len(out) == 0 {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: text,
		})
	}
	return out
}

// classifyOpenAIError wraps library errors so the round loop sees the same
// *ProviderError surface as the primary backend.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.HTTPStatusCode,
			Type:       fmt.Sprintf("%v", apiErr.Type),
			Message:    SafeLogString(apiErr.Message),
		}
	}
	return err
}

func mapFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonToolCalls:
		return StopToolUse
	case openai.FinishReasonLength:
		return StopMaxTokens
	case openai.FinishReasonStop:
		return StopEndTurn
	default:
		return string(reason)
	}
}

// Chat sends a complete (non-streaming) exchange.
func (o *OpenAIClient) Chat(ctx context.Context, req MessageRequest) (*MessageResult, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()

	payload := o.buildRequest(req)
	slog.Debug("Sending request to OpenAI-compatible backend", "model", payload.Model)

	resp, err := o.client.CreateChatCompletion(ctx, payload)
	if err != nil {
		err = classifyOpenAIError(err)
		span.RecordError(err)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choice := resp.Choices[0]
	result := &MessageResult{
		StopReason: mapFinishReason(choice.FinishReason),
		Model:      resp.Model,
		Usage: datatypes.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if choice.Message.Content != "" {
		result.Content = append(result.Content, datatypes.NewTextBlock(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		result.Content = append(result.Content,
			datatypes.NewToolUseBlock(call.ID, call.Function.Name,
				parseToolInput(call.Function.Arguments)))
	}
	return result, nil
}

// streamedToolCall accumulates one tool call's fragments across chunks.
type streamedToolCall struct {
	id   string
	name string
	args strings.Builder
}

// ChatStream sends a streaming exchange.
//
// Tool call arguments arrive as fragments indexed per call; they are
// accumulated and parsed when the stream ends, with the same
// default-to-empty-object handling as the primary backend.
func (o *OpenAIClient) ChatStream(ctx context.Context, req MessageRequest, callback StreamCallback) (*MessageResult, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()

	payload := o.buildRequest(req)
	payload.Stream = true
	payload.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	slog.Debug("Opening OpenAI-compatible stream", "model", payload.Model)

	stream, err := o.client.CreateChatCompletionStream(ctx, payload)
	if err != nil {
		err = classifyOpenAIError(err)
		span.RecordError(err)
		return nil, err
	}
	defer stream.Close()

	var (
		text         strings.Builder
		pendingLive  []string
		streamedLive bool
		calls        = make(map[int]*streamedToolCall)
		toolOpened   bool
		finish       openai.FinishReason
		usage        datatypes.TokenUsage
		model        string
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			err = classifyOpenAIError(err)
			span.RecordError(err)
			return nil, err
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}

		for _, delta := range choice.Delta.ToolCalls {
			// A tool call makes any preceding text commentary, not answer.
			toolOpened = true
			pendingLive = nil
			index := 0
			if delta.Index != nil {
				index = *delta.Index
			}
			call, ok := calls[index]
			if !ok {
				call = &streamedToolCall{}
				calls[index] = call
			}
			if delta.ID != "" {
				call.id = delta.ID
			}
			if delta.Function.Name != "" {
				call.name = delta.Function.Name
			}
			call.args.WriteString(delta.Function.Arguments)
		}

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if !toolOpened {
				pendingLive = append(pendingLive, choice.Delta.Content)
			}
		}

		// The finish reason proves no tool call can follow; only then is the
		// held text safe to forward as answer prose.
		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonToolCalls && !toolOpened {
			if callback != nil {
				for _, part := range pendingLive {
					if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: part}); cbErr != nil {
						return nil, fmt.Errorf("stream callback: %w", cbErr)
					}
				}
				streamedLive = len(pendingLive) > 0
			}
			pendingLive = nil
		}
	}

	result := &MessageResult{
		StopReason:       mapFinishReason(finish),
		Model:            model,
		Usage:            usage,
		TextStreamedLive: streamedLive,
	}
	if text.Len() > 0 {
		result.Content = append(result.Content, datatypes.NewTextBlock(text.String()))
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		call := calls[idx]
		result.Content = append(result.Content,
			datatypes.NewToolUseBlock(call.id, call.name, parseToolInput(call.args.String())))
	}
	return result, nil
}
