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

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCRM/services/llm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/policy_engine"
)

var tracer = otel.Tracer("aleutian.orchestrator.agent")

// Loop defaults.
const (
	defaultMaxRounds       = 12
	defaultRetryAfterCap   = 30 * time.Second
	defaultRateLimitDelay  = 2 * time.Second
	defaultLoopMaxTokens   = 4096
	asyncRecordTimeout     = 5 * time.Second
	maxRoundsReachedAnswer = "I wasn't able to finish answering within the allowed number of lookup rounds. " +
		"Please refine your question to something more specific and try again."
)

// AuditSink receives one audit record per model round. Implementations own
// their durability; the loop only guarantees the call happens off the
// response path.
type AuditSink interface {
	RecordRound(ctx context.Context, round datatypes.AuditRound) error
}

// UsageRecorder receives per-round token usage samples.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, sample datatypes.UsageSample) error
}

// RunResult is the outcome of one completed conversation turn.
type RunResult struct {
	// Answer is the final text. On a round-limit stop it is the fixed
	// refine-your-question message.
	Answer string

	// TextStreamedLive reports whether the answer already reached the
	// client as text_delta events. The transport must not resend it.
	TextStreamedLive bool

	// Round carries round count, tool rounds, model, usage, and the
	// round-limit flag.
	Round datatypes.RoundState
}

// Loop drives one conversation turn through model rounds and tool rounds.
//
// # Description
//
// Each round sends the bounded message list and the fixed tool catalog to
// the model, streaming. A response without tool calls is the final answer.
// A response with tool calls runs them concurrently through the dispatcher,
// appends the assistant message verbatim plus one user message carrying all
// tool results, compacts older rounds, and goes again. The loop stops at
// the round ceiling with a user-visible soft failure rather than an error.
//
// Provider trouble is retried narrowly: one retry after a rate limit
// (provider-advised delay, capped), one retry on the fallback model after
// an overload. Anything else fails the request.
//
// # Thread Safety
//
// Safe for concurrent use; per-request state lives on the stack and in the
// ToolContext.
type Loop struct {
	llm        llm.LLMClient
	dispatcher *Dispatcher
	policy     *policy_engine.PolicyEngine

	maxRounds      int
	maxTokens      int
	thinkingBudget int
	primaryModel   string
	fallbackModel  string
	retryAfterCap  time.Duration

	audit AuditSink
	usage UsageRecorder

	tools []llm.ToolDefinition
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithMaxRounds sets the round ceiling.
func WithMaxRounds(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxRounds = n
		}
	}
}

// WithPrimaryModel overrides the client's default model.
func WithPrimaryModel(model string) LoopOption {
	return func(l *Loop) { l.primaryModel = model }
}

// WithFallbackModel sets the model used for the single overload retry.
func WithFallbackModel(model string) LoopOption {
	return func(l *Loop) { l.fallbackModel = model }
}

// WithRetryAfterCap caps the rate-limit backoff sleep.
func WithRetryAfterCap(limit time.Duration) LoopOption {
	return func(l *Loop) {
		if limit > 0 {
			l.retryAfterCap = limit
		}
	}
}

// WithMaxTokens sets the per-round output token limit.
func WithMaxTokens(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxTokens = n
		}
	}
}

// WithThinkingBudget enables extended thinking with the given token budget.
func WithThinkingBudget(n int) LoopOption {
	return func(l *Loop) { l.thinkingBudget = n }
}

// WithAuditSink attaches the per-round audit sink.
func WithAuditSink(sink AuditSink) LoopOption {
	return func(l *Loop) { l.audit = sink }
}

// WithUsageRecorder attaches the token usage recorder.
func WithUsageRecorder(recorder UsageRecorder) LoopOption {
	return func(l *Loop) { l.usage = recorder }
}

// NewLoop creates a loop controller.
//
// # Inputs
//
//   - client: Model provider client. Required.
//   - dispatcher: Tool dispatcher. Required.
//   - policy: Role policy engine used to build each request's restriction
//     filter. May be nil; only request-injected restrictions apply then.
//   - opts: Optional configuration.
func NewLoop(client llm.LLMClient, dispatcher *Dispatcher, policy *policy_engine.PolicyEngine, opts ...LoopOption) *Loop {
	l := &Loop{
		llm:           client,
		dispatcher:    dispatcher,
		policy:        policy,
		maxRounds:     defaultMaxRounds,
		maxTokens:     defaultLoopMaxTokens,
		retryAfterCap: defaultRetryAfterCap,
		tools:         ToolCatalog(),
		now:           time.Now,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes one conversation turn.
//
// # Inputs
//
//   - ctx: Request context; cancellation aborts the in-flight round.
//   - requestID: Correlation ID for events and audit records.
//   - state: Validated conversation state (role, restrictions, messages).
//   - sink: Stream event sink. May be nil.
//
// # Outputs
//
//   - *RunResult: Final answer and round metadata. A round-limit stop is a
//     normal result with Round.MaxRoundsReached set, not an error.
//   - error: Invalid role, canceled context, or provider failure after the
//     bounded retries.
func (l *Loop) Run(ctx context.Context, requestID string, state *datatypes.ConversationState, sink EventSink) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("session.id", state.SessionID),
		attribute.String("user.role", state.UserRole),
	)

	if len(state.Messages) == 0 {
		return nil, fmt.Errorf("conversation has no messages")
	}
	if sink == nil {
		sink = NopSink{}
	}
	filter, err := policy_engine.NewRestrictionFilter(l.policy, state.UserRole, state.Restrictions)
	if err != nil {
		return nil, fmt.Errorf("resolving role restrictions: %w", err)
	}
	tc := &ToolContext{
		Filter:    filter,
		Events:    sink,
		RequestID: requestID,
		SessionID: state.SessionID,
	}

	messages := TrimHistory(state.Messages)
	system := BuildSystemPrompt(state.UserRole, l.now())
	model := l.primaryModel
	if model == "" {
		model = l.llm.DefaultModel()
	}

	callback := func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventToken:
			sink.Emit(TextDeltaEvent(event.Content))
		case llm.StreamEventThinking:
			sink.Emit(ThinkingEvent(event.Content))
		}
		return nil
	}

	round := datatypes.RoundState{}
	for turn := 1; turn <= l.maxRounds; turn++ {
		round.Round = turn

		result, err := l.callModel(ctx, llm.MessageRequest{
			Model:          model,
			System:         system,
			Messages:       messages,
			Tools:          l.tools,
			MaxTokens:      l.maxTokens,
			ThinkingBudget: l.thinkingBudget,
		}, callback)
		if err != nil {
			return nil, err
		}
		round.Usage.Add(result.Usage)
		round.ModelUsed = result.Model
		if round.ModelUsed == "" {
			round.ModelUsed = model
		}

		toolUses := result.ToolUses()
		if len(toolUses) == 0 {
			answer := result.Text()
			if !result.TextStreamedLive {
				sink.Emit(ResponseEvent(answer))
			}
			l.recordRound(ctx, requestID, state, round, result, nil)
			span.SetAttributes(attribute.Int("agent.rounds", turn))
			return &RunResult{
				Answer:           answer,
				TextStreamedLive: result.TextStreamedLive,
				Round:            round,
			}, nil
		}

		round.ToolRounds++
		if len(toolUses) == 1 {
			sink.Emit(StatusEvent("running 1 lookup"))
		} else {
			sink.Emit(StatusEvent(fmt.Sprintf("running %d lookups", len(toolUses))))
		}

		toolResults, auditCalls := l.dispatcher.ExecuteRound(ctx, tc, toolUses)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.recordRound(ctx, requestID, state, round, result, auditCalls)

		messages = append(messages,
			datatypes.Message{Role: datatypes.RoleAssistant, Content: result.Content},
			datatypes.NewBlockMessage(datatypes.RoleUser, toolResults...),
		)
		messages = CompactHistory(messages)
	}

	// Ceiling hit: a normal, user-visible outcome.
	round.MaxRoundsReached = true
	sink.Emit(ResponseEvent(maxRoundsReachedAnswer))
	span.SetAttributes(attribute.Bool("agent.max_rounds_reached", true))
	return &RunResult{
		Answer: maxRoundsReachedAnswer,
		Round:  round,
	}, nil
}

// callModel performs one model call with the bounded retry policy: one
// retry after 429 (advised delay, capped), one retry on the fallback model
// after 529, nothing else.
func (l *Loop) callModel(ctx context.Context, req llm.MessageRequest, callback llm.StreamCallback) (*llm.MessageResult, error) {
	result, err := l.llm.ChatStream(ctx, req, callback)
	if err == nil {
		return result, nil
	}

	var perr *llm.ProviderError
	if !errors.As(err, &perr) {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	switch {
	case perr.IsRateLimited():
		delay := perr.RetryAfter
		if delay <= 0 {
			delay = defaultRateLimitDelay
		}
		if delay > l.retryAfterCap {
			delay = l.retryAfterCap
		}
		slog.Warn("provider rate limited; retrying once", "model", req.Model, "delay", delay)
		if err := l.sleep(ctx, delay); err != nil {
			return nil, err
		}
	case perr.IsOverloaded():
		if l.fallbackModel == "" || l.fallbackModel == req.Model {
			return nil, fmt.Errorf("%w: %v", ErrProviderExhausted, perr)
		}
		slog.Warn("provider overloaded; retrying once on fallback model",
			"model", req.Model, "fallback", l.fallbackModel)
		req.Model = l.fallbackModel
	default:
		return nil, fmt.Errorf("model call failed: %w", perr)
	}

	result, err = l.llm.ChatStream(ctx, req, callback)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderExhausted, err)
	}
	return result, nil
}

// recordRound ships audit and usage records off the response path. Both are
// best effort: a sink failure is logged and forgotten.
func (l *Loop) recordRound(ctx context.Context, requestID string, state *datatypes.ConversationState, round datatypes.RoundState, result *llm.MessageResult, calls []datatypes.AuditToolCall) {
	timestamp := l.now()
	if l.audit != nil {
		record := datatypes.AuditRound{
			RequestID:  requestID,
			SessionID:  state.SessionID,
			UserRole:   state.UserRole,
			Round:      round.Round,
			Model:      round.ModelUsed,
			StopReason: string(result.StopReason),
			ToolCalls:  calls,
			Usage:      result.Usage,
			Timestamp:  timestamp,
		}
		go func() {
			defer recoverAsyncRecord("audit")
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncRecordTimeout)
			defer cancel()
			if err := l.audit.RecordRound(actx, record); err != nil {
				slog.Warn("audit write failed", "request_id", record.RequestID, "round", record.Round, "error", err)
			}
		}()
	}
	if l.usage != nil {
		sample := datatypes.UsageSample{
			RequestID: requestID,
			SessionID: state.SessionID,
			Model:     round.ModelUsed,
			Round:     round.Round,
			Usage:     result.Usage,
			Timestamp: timestamp,
		}
		go func() {
			defer recoverAsyncRecord("usage")
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncRecordTimeout)
			defer cancel()
			if err := l.usage.RecordUsage(uctx, sample); err != nil {
				slog.Warn("usage write failed", "request_id", sample.RequestID, "round", sample.Round, "error", err)
			}
		}()
	}
}

func recoverAsyncRecord(kind string) {
	if r := recover(); r != nil {
		slog.Error("async recorder panicked", "recorder", kind, "panic", r)
	}
}

// sleepCtx waits for the duration or the context, whichever ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
