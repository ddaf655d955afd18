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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/policy_engine"
)

// Search paging defaults.
const (
	defaultSearchTop = 25
	maxSearchTop     = 100
	defaultNotesTop  = 10
	maxNotesTop      = 50
)

// defaultToolConcurrency bounds how many tool calls of one round run at
// once.
const defaultToolConcurrency = 4

// NoteHit is one semantic match from the notes index.
type NoteHit struct {
	ID         string  `json:"id"`
	Subject    string  `json:"subject,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	RecordType string  `json:"record_type,omitempty"`
	RecordID   string  `json:"record_id,omitempty"`
	CreatedOn  string  `json:"created_on,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// NotesSearcher answers search_notes against the semantic index. The
// resolution service implements it; a nil searcher degrades search_notes to
// a lexical CRM query.
type NotesSearcher interface {
	SearchNotes(ctx context.Context, query string, limit int) ([]NoteHit, error)
}

// ToolContext is the per-request state tool execution runs under.
//
// The dispatcher itself is shared across requests; everything that differs
// per caller arrives here.
type ToolContext struct {
	// Filter is the request's effective restriction filter. Required.
	Filter *policy_engine.RestrictionFilter

	// Events receives progress events (export batches, file completion).
	// May be nil.
	Events EventSink

	// RequestID and SessionID correlate audit and progress records.
	RequestID string
	SessionID string
}

// Dispatcher executes the tool calls of one assistant turn.
//
// # Description
//
// Dispatch is a closed name-to-handler mapping over the tool catalog. All
// calls of a turn run concurrently under a weighted semaphore and are
// reassembled into tool_result blocks in the original issue order, paired
// by call ID. Failure is always per-call: a denial, handler error, or panic
// becomes that call's result payload and the other calls proceed.
//
// # Thread Safety
//
// Safe for concurrent use across requests; per-request state travels in
// ToolContext.
type Dispatcher struct {
	crm           crm.Client
	resolver      *EntityResolver
	relationships *RelationshipEngine
	notes         NotesSearcher
	exports       *ExportManager
	concurrency   int64
}

// NewDispatcher creates a dispatcher.
//
// # Inputs
//
//   - client: CRM read client. Required.
//   - resolver: Entity resolver. Required.
//   - relationships: Relationship engine. Required.
//   - notes: Semantic notes index. May be nil; search_notes then runs a
//     lexical query instead.
//   - exports: Export manager. May be nil; export_records then reports the
//     capability as unavailable.
func NewDispatcher(client crm.Client, resolver *EntityResolver, relationships *RelationshipEngine, notes NotesSearcher, exports *ExportManager) *Dispatcher {
	return &Dispatcher{
		crm:           client,
		resolver:      resolver,
		relationships: relationships,
		notes:         notes,
		exports:       exports,
		concurrency:   defaultToolConcurrency,
	}
}

// ExecuteRound runs every tool call of one assistant turn.
//
// # Inputs
//
//   - ctx: Request context; cancellation aborts queued and running calls.
//   - tc: Per-request tool context.
//   - calls: tool_use blocks in the order the model issued them.
//
// # Outputs
//
//   - []datatypes.ContentBlock: One tool_result per call, in issue order.
//   - []datatypes.AuditToolCall: Audit entries, in the same order.
func (d *Dispatcher) ExecuteRound(ctx context.Context, tc *ToolContext, calls []datatypes.ContentBlock) ([]datatypes.ContentBlock, []datatypes.AuditToolCall) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int("agent.tool_calls", len(calls)))

	outcomes := make([]callOutcome, len(calls))
	sem := semaphore.NewWeighted(d.concurrency)
	var wg sync.WaitGroup
	for i, call := range calls {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone: settle the remaining calls as canceled rather
			// than leaving holes in the result order.
			outcomes[i] = callOutcome{content: errorPayload("request canceled before this call ran"), errText: err.Error()}
			continue
		}
		wg.Add(1)
		go func(slot int, call datatypes.ContentBlock) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[slot] = d.executeOne(ctx, tc, call)
		}(i, call)
	}
	wg.Wait()

	results := make([]datatypes.ContentBlock, len(calls))
	audits := make([]datatypes.AuditToolCall, len(calls))
	for i, call := range calls {
		results[i] = datatypes.NewToolResultBlock(call.ID, outcomes[i].content)
		audits[i] = datatypes.AuditToolCall{
			CallID:   call.ID,
			Tool:     call.Name,
			Input:    string(call.Input),
			Denied:   outcomes[i].denied,
			Error:    outcomes[i].errText,
			Duration: outcomes[i].duration.Milliseconds(),
		}
	}
	return results, audits
}

// callOutcome is the settled result of one tool call.
type callOutcome struct {
	content  string
	denied   bool
	errText  string
	duration time.Duration
}

// executeOne runs a single tool call through restriction check, handler,
// and shaping. It never returns an error: every failure mode settles into
// the outcome's content so the model can react to it.
func (d *Dispatcher) executeOne(ctx context.Context, tc *ToolContext, call datatypes.ContentBlock) (outcome callOutcome) {
	started := time.Now()
	defer func() {
		outcome.duration = time.Since(started)
		if r := recover(); r != nil {
			slog.Error("tool call panicked",
				"tool", call.Name, "call_id", call.ID, "panic", r)
			outcome.content = errorPayload(fmt.Sprintf("tool %s failed unexpectedly", call.Name))
			outcome.errText = fmt.Sprintf("panic: %v", r)
		}
	}()

	name := ToolName(call.Name)
	if !name.IsValid() {
		outcome.content = errorPayload(fmt.Sprintf("unknown tool %q; available tools: %s", call.Name, catalogNames()))
		outcome.errText = ErrUnknownTool.Error()
		return outcome
	}

	payload, err := d.runTool(ctx, tc, name, call.Input)
	if err != nil {
		var denial *policy_engine.AccessDeniedError
		if errors.As(err, &denial) {
			// The denial text itself is the result; the model explains it
			// to the user and plans around the restriction.
			outcome.content = denial.Error()
			outcome.denied = true
			return outcome
		}
		slog.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		outcome.content = errorPayload(err.Error())
		outcome.errText = err.Error()
		return outcome
	}

	outcome.content = ShapeRecordPayload(payload, name.CharBudget())
	return outcome
}

// runTool is the exhaustive name-to-handler mapping.
func (d *Dispatcher) runTool(ctx context.Context, tc *ToolContext, name ToolName, input json.RawMessage) (map[string]any, error) {
	if tables, ok := staticToolTables[name]; ok {
		if err := tc.Filter.CheckTables(tables...); err != nil {
			return nil, err
		}
	}

	switch name {
	case ToolSearchCustomers:
		return d.searchCustomers(ctx, tc, input)
	case ToolGetCustomerDetails:
		return d.getCustomerDetails(ctx, tc, input)
	case ToolGetCustomerContacts:
		return d.getCustomerContacts(ctx, tc, input)
	case ToolGetContactDetails:
		return d.getContactDetails(ctx, tc, input)
	case ToolQueryRelationship:
		return d.queryRelationship(ctx, tc, input)
	case ToolAggregateRecords:
		return d.aggregateRecords(ctx, tc, input)
	case ToolSearchNotes:
		return d.searchNotes(ctx, tc, input)
	case ToolExportRecords:
		return d.exportRecords(ctx, tc, input)
	default:
		// Unreachable: IsValid gates entry. Kept so a future catalog
		// addition without a handler fails loudly in tests.
		return nil, fmt.Errorf("%w: %s has no handler", ErrUnknownTool, name)
	}
}

// ===== Handlers =====

func (d *Dispatcher) searchCustomers(ctx context.Context, tc *ToolContext, input json.RawMessage) (map[string]any, error) {
	var params SearchCustomersInput
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	if params.Query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidToolInput)
	}
	from, to, err := parseDateWindow(params.DateFrom, params.DateTo)
	if err != nil {
		return nil, err
	}
	top := clampTop(params.Top, defaultSearchTop, maxSearchTop)

	result, err := d.crm.Query(ctx, crm.QueryRequest{
		Table:    datatypes.EntityCompany.TableName(),
		Query:    params.Query,
		DateFrom: from,
		DateTo:   to,
		Top:      top,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"totalCount": result.TotalCount,
		"results":    d.shapeRecords(tc, datatypes.EntityCompany.TableName(), result.Results),
		"hasMore":    result.HasMore || result.TotalCount > len(result.Results),
	}, nil
}

func (d *Dispatcher) getCustomerDetails(ctx context.Context, tc *ToolContext, input json.RawMessage) (map[string]any, error) {
	var params GetCustomerDetailsInput
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	return d.fetchOne(ctx, tc, datatypes.EntityCompany, params.CompanyID, params.CompanyName)
}

func (d *Dispatcher) getContactDetails(ctx context.Context, tc *ToolContext, input json.RawMessage) (map[string]any, error) {
	var params GetContactDetailsInput
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	return d.fetchOne(ctx, tc, datatypes.EntityContact, params.ContactID, params.ContactName)
}

// fetchOne resolves a reference and fetches the single record behind it.
func (d *Dispatcher) fetchOne(ctx context.Context, tc *ToolContext, entityType datatypes.EntityType, id, name string) (map[string]any, error) {
	ref := id
	if ref == "" {
		ref = name
	}
	resolved, err := d.resolver.Resolve(ctx, entityType, ref)
	if err != nil {
		return nil, err
	}
	record, err := d.crm.Get(ctx, entityType.TableName(), resolved.ID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"record": CleanRecord(tc.Filter.FilterRecord(entityType.TableName(), record)),
	}
	if resolved.Note != "" {
		payload["resolution_note"] = resolved.Note
	}
	return payload, nil
}

func (d *Dispatcher) getCustomerContacts(ctx context.Context, tc *ToolContext, input json.RawMessage) (map[string]any, error) {
	var params GetCustomerContactsInput
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	ref := params.CompanyID
	if ref == "" {
		ref = params.CompanyName
	}
	resolved, err := d.resolver.Resolve(ctx, datatypes.EntityCompany, ref)
	if err != nil {
		return nil, err
	}
	result, err := d.crm.Related(ctx, crm.RelatedRequest{
		SourceTable: datatypes.EntityCompany.TableName(),
		SourceID:    resolved.ID,
		TargetTable: datatypes.EntityContact.TableName(),
		Top:         maxTraversalRecords,
	})
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"company":    map[string]any{"id": resolved.ID, "name": resolved.Name},
		"totalCount": result.TotalCount,
		"results":    d.shapeRecords(tc, datatypes.EntityContact.TableName(), result.Results),
		"hasMore":    result.HasMore || result.TotalCount > len(result.Results),
	}
	if resolved.Note != "" {
		payload["resolution_note"] = resolved.Note
	}
	return payload, nil
}

func (d *Dispatcher) queryRelationship(ctx context.Context, tc *ToolContext, input json.RawMessage) (map[string]any, error) {
	var params QueryRelationshipInput
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	from, to, err := parseDateWindow(params.DateFrom, params.DateTo)
	if err != nil {
		return nil, err
	}
	query := datatypes.RelationshipQuery{
		SourceType: datatypes.EntityType(params.SourceType),
		SourceID:   params.SourceID,
		SourceName: params.SourceName,
		TargetType: datatypes.EntityType(params.TargetType),
		DateFrom:   from,
		DateTo:     to,
	}

	// Restriction check covers every table the traversal touches, including
	// the contact hop inside company -> activity.
	tables := []string{query.SourceType.TableName(), query.TargetType.TableName()}
	if query.SourceType == datatypes.EntityCompany && query.TargetType == datatypes.EntityActivity {
		tables = append(tables, datatypes.EntityContact.TableName())
	}
	if err := tc.Filter.CheckTables(tables...); err != nil {
		return nil, err
	}

	return d.relationships.Traverse(ctx, query)
}

// validAggregateMetrics gates the metric enum server-side; the schema
// already constrains it, but the model is not a trusted caller.
var validAggregateMetrics = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
}

func (d *Dispatcher) aggregateRecords(ctx context.Context, tc *ToolContext, input json.RawMessage) (map[string]any, error) {
	var params AggregateRecordsInput
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	if !datatypes.EntityType(params.Table).IsValid() {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidToolInput, params.Table)
	}
	if params.GroupBy == "" {
		return nil, fmt.Errorf("%w: group_by is required", ErrInvalidToolInput)
	}
	if !validAggregateMetrics[params.Metric] {
		return nil, fmt.Errorf("%w: unknown metric %q", ErrInvalidToolInput, params.Metric)
	}
	if params.Metric != "count" && params.Field == "" {
		return nil, fmt.Errorf("%w: metric %q needs a field", ErrInvalidToolInput, params.Metric)
	}
	if err := tc.Filter.CheckTable(params.Table); err != nil {
		return nil, err
	}
	from, to, err := parseDateWindow(params.DateFrom, params.DateTo)
	if err != nil {
		return nil, err
	}

	result, err := d.crm.Aggregate(ctx, crm.AggregateRequest{
		Table:    params.Table,
		GroupBy:  params.GroupBy,
		Metric:   params.Metric,
		Field:    params.Field,
		Query:    params.Query,
		DateFrom: from,
		DateTo:   to,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"table":       params.Table,
		"group_by":    params.GroupBy,
		"metric":      params.Metric,
		"groups":      result.Groups,
		"totalGroups": result.TotalGroups,
	}, nil
}

func (d *Dispatcher) searchNotes(ctx context.Context, tc *ToolContext, input json.RawMessage) (map[string]any, error) {
	var params SearchNotesInput
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	if params.Query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidToolInput)
	}
	top := clampTop(params.Top, defaultNotesTop, maxNotesTop)

	if d.notes == nil {
		return d.searchNotesLexical(ctx, tc, params.Query, top)
	}
	hits, err := d.notes.SearchNotes(ctx, params.Query, top)
	if err != nil {
		slog.Warn("semantic notes search failed; falling back to lexical query", "error", err)
		return d.searchNotesLexical(ctx, tc, params.Query, top)
	}
	return map[string]any{
		"totalCount": len(hits),
		"results":    hits,
	}, nil
}

// searchNotesLexical is the degraded path when the semantic index is
// unavailable.
func (d *Dispatcher) searchNotesLexical(ctx context.Context, tc *ToolContext, query string, top int) (map[string]any, error) {
	result, err := d.crm.Query(ctx, crm.QueryRequest{
		Table: datatypes.EntityNote.TableName(),
		Query: query,
		Top:   top,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"totalCount": result.TotalCount,
		"results":    d.shapeRecords(tc, datatypes.EntityNote.TableName(), result.Results),
		"note":       "semantic index unavailable; results are keyword matches only",
	}, nil
}

func (d *Dispatcher) exportRecords(ctx context.Context, tc *ToolContext, input json.RawMessage) (map[string]any, error) {
	if d.exports == nil {
		return nil, fmt.Errorf("exports are not enabled on this deployment")
	}
	var params ExportRecordsInput
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	if !datatypes.EntityType(params.Table).IsValid() {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidToolInput, params.Table)
	}
	if err := tc.Filter.CheckTable(params.Table); err != nil {
		return nil, err
	}
	return d.exports.HandleToolCall(ctx, tc, params)
}

// ===== Helpers =====

// shapeRecords applies the per-request filter and record cleaning to a
// fetched page.
func (d *Dispatcher) shapeRecords(tc *ToolContext, table string, records []crm.Record) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		cleaned := CleanRecord(tc.Filter.FilterRecord(table, record))
		if len(cleaned) > 0 {
			out = append(out, cleaned)
		}
	}
	return out
}

// decodeInput strictly decodes a tool input object.
func decodeInput(input json.RawMessage, target any) error {
	if len(input) == 0 {
		input = datatypes.EmptyJSONObject
	}
	if err := json.Unmarshal(input, target); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidToolInput, err)
	}
	return nil
}

// parseDateWindow parses the optional from/to strings and checks order.
func parseDateWindow(fromStr, toStr string) (*time.Time, *time.Time, error) {
	from, err := parseToolDate(fromStr)
	if err != nil {
		return nil, nil, err
	}
	to, err := parseToolDate(toStr)
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, fmt.Errorf("%w: date_to precedes date_from", ErrInvalidToolInput)
	}
	return from, to, nil
}

// clampTop applies the default and ceiling to a page-size request.
func clampTop(requested, fallback, ceiling int) int {
	if requested <= 0 {
		return fallback
	}
	if requested > ceiling {
		return ceiling
	}
	return requested
}

// errorPayload renders an error as the standard tool error object.
func errorPayload(message string) string {
	out, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(out)
}

// catalogNames lists the tool catalog for unknown-tool errors.
func catalogNames() string {
	names := make([]string, 0, len(validToolNames))
	for name := range validToolNames {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
