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
	"sync"

	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/llm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// mockCRM is a scriptable crm.Client that records every request it sees.
type mockCRM struct {
	mu sync.Mutex

	queryFn     func(req crm.QueryRequest) (*crm.QueryResult, error)
	getFn       func(table, id string) (crm.Record, error)
	relatedFn   func(req crm.RelatedRequest) (*crm.QueryResult, error)
	aggregateFn func(req crm.AggregateRequest) (*crm.AggregateResult, error)
	countFn     func(req crm.CountRequest) (int, error)

	queries    []crm.QueryRequest
	gets       []string
	relateds   []crm.RelatedRequest
	aggregates []crm.AggregateRequest
	counts     []crm.CountRequest
}

var _ crm.Client = (*mockCRM)(nil)

func (m *mockCRM) Query(ctx context.Context, req crm.QueryRequest) (*crm.QueryResult, error) {
	m.mu.Lock()
	m.queries = append(m.queries, req)
	fn := m.queryFn
	m.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &crm.QueryResult{}, nil
}

func (m *mockCRM) Get(ctx context.Context, table, id string) (crm.Record, error) {
	m.mu.Lock()
	m.gets = append(m.gets, table+"/"+id)
	fn := m.getFn
	m.mu.Unlock()
	if fn != nil {
		return fn(table, id)
	}
	return crm.Record{"id": id}, nil
}

func (m *mockCRM) Related(ctx context.Context, req crm.RelatedRequest) (*crm.QueryResult, error) {
	m.mu.Lock()
	m.relateds = append(m.relateds, req)
	fn := m.relatedFn
	m.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &crm.QueryResult{}, nil
}

func (m *mockCRM) Aggregate(ctx context.Context, req crm.AggregateRequest) (*crm.AggregateResult, error) {
	m.mu.Lock()
	m.aggregates = append(m.aggregates, req)
	fn := m.aggregateFn
	m.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &crm.AggregateResult{}, nil
}

func (m *mockCRM) Count(ctx context.Context, req crm.CountRequest) (int, error) {
	m.mu.Lock()
	m.counts = append(m.counts, req)
	fn := m.countFn
	m.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return 0, nil
}

func (m *mockCRM) Health(ctx context.Context) error { return nil }

// requestCount returns how many CRM calls of any kind were issued.
func (m *mockCRM) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries) + len(m.gets) + len(m.relateds) + len(m.aggregates) + len(m.counts)
}

// mockSemantic is a scriptable SemanticMatcher.
type mockSemantic struct {
	matchFn func(entityType datatypes.EntityType, name string, limit int) ([]EntityCandidate, error)
	calls   int
}

func (m *mockSemantic) MatchEntities(ctx context.Context, entityType datatypes.EntityType, name string, limit int) ([]EntityCandidate, error) {
	m.calls++
	if m.matchFn != nil {
		return m.matchFn(entityType, name, limit)
	}
	return nil, nil
}

// mockLLM is a scriptable llm.LLMClient whose responses are consumed in
// order. Both Chat and ChatStream draw from the same script.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.MessageResult
	errs      []error
	requests  []llm.MessageRequest
	streamed  []bool
}

var _ llm.LLMClient = (*mockLLM)(nil)

func (m *mockLLM) next(req llm.MessageRequest, streaming bool) (*llm.MessageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	m.streamed = append(m.streamed, streaming)
	idx := len(m.requests) - 1
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return &llm.MessageResult{
		Content:    []datatypes.ContentBlock{datatypes.NewTextBlock("done")},
		StopReason: llm.StopEndTurn,
	}, nil
}

func (m *mockLLM) Chat(ctx context.Context, req llm.MessageRequest) (*llm.MessageResult, error) {
	return m.next(req, false)
}

func (m *mockLLM) ChatStream(ctx context.Context, req llm.MessageRequest, callback llm.StreamCallback) (*llm.MessageResult, error) {
	return m.next(req, true)
}

func (m *mockLLM) DefaultModel() string { return "claude-test" }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// mockNotes is a scriptable NotesSearcher.
type mockNotes struct {
	searchFn func(query string, limit int) ([]NoteHit, error)
	calls    int
}

func (m *mockNotes) SearchNotes(ctx context.Context, query string, limit int) ([]NoteHit, error) {
	m.calls++
	if m.searchFn != nil {
		return m.searchFn(query, limit)
	}
	return nil, nil
}

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// byType returns the captured events of one type, in emission order.
func (s *recordingSink) byType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// textResult builds a final-answer model response.
func textResult(text string) *llm.MessageResult {
	return &llm.MessageResult{
		Content:    []datatypes.ContentBlock{datatypes.NewTextBlock(text)},
		StopReason: llm.StopEndTurn,
		Model:      "claude-test",
		Usage:      datatypes.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

// toolResult builds a tool-calling model response.
func toolResult(blocks ...datatypes.ContentBlock) *llm.MessageResult {
	return &llm.MessageResult{
		Content:    blocks,
		StopReason: llm.StopToolUse,
		Model:      "claude-test",
		Usage:      datatypes.TokenUsage{InputTokens: 20, OutputTokens: 15},
	}
}
