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
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/llm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// Export sizing and lifecycle limits.
const (
	// exportBatchSize is how many records one enrichment batch carries.
	exportBatchSize = 500

	// exportConcurrency bounds concurrent batch enrichment.
	exportConcurrency = 4

	// directExportCeiling is the largest record set the direct mode will
	// write without going through estimate/confirm.
	directExportCeiling = 2000

	// maxExportRecords is the hard cap on any export.
	maxExportRecords = 50000

	// estimateSampleSize is how many records the estimate fetches to
	// preview columns and infer derived-column shape.
	estimateSampleSize = 5

	// maxDerivedColumns caps how many derived columns one export computes.
	maxDerivedColumns = 4

	// confirmTokenTTL is how long an estimate stays confirmable.
	confirmTokenTTL = 10 * time.Minute

	exportFetchPageSize = 500
)

// ExportFile identifies a stored export artifact.
type ExportFile struct {
	Name string
	URL  string
}

// FileStore persists finished export files. The exportstore package
// provides local-directory and GCS implementations.
type FileStore interface {
	Put(ctx context.Context, name string, content []byte) (ExportFile, error)
}

// JobRegistry persists export job state across requests and restarts.
type JobRegistry interface {
	SaveJob(ctx context.Context, job *datatypes.ExportJob) error
	GetJob(ctx context.Context, jobID string) (*datatypes.ExportJob, error)
}

// pendingEstimate is an issued, not-yet-confirmed estimate. Tokens are
// single use: claiming one removes it.
type pendingEstimate struct {
	spec      datatypes.ExportSpec
	total     int
	derived   []string
	expiresAt time.Time
}

// ExportManager fulfills the export_records tool.
//
// # Description
//
// Three modes share one spec shape. "direct" writes small result sets
// immediately. "estimate" is the dry run for anything larger: it counts the
// matching records, previews columns from a small sample, optionally infers
// derived-column names through one model call, and issues an expiring
// confirmation token. "confirmed" redeems the token and runs the full
// export: records stream in by cursor, enrichment runs in fixed-size
// batches under bounded concurrency, and a batch whose enrichment fails is
// counted and written with blank derived columns rather than failing the
// export. Progress and the finished file are announced through the
// request's event sink, and every state transition is persisted to the job
// registry so files stay downloadable after the conversation ends.
//
// # Thread Safety
//
// Safe for concurrent use; the pending-estimate table is mutex-guarded.
type ExportManager struct {
	crm      crm.Client
	llm      llm.LLMClient
	store    FileStore
	registry JobRegistry
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]pendingEstimate
}

// NewExportManager creates an export manager.
//
// # Inputs
//
//   - client: CRM read client. Required.
//   - model: Used for derived-column inference and enrichment. May be nil;
//     include_derived requests are then rejected with guidance.
//   - store: Where finished files land. Required.
//   - registry: Job persistence. Required.
func NewExportManager(client crm.Client, model llm.LLMClient, store FileStore, registry JobRegistry) *ExportManager {
	return &ExportManager{
		crm:      client,
		llm:      model,
		store:    store,
		registry: registry,
		now:      time.Now,
		pending:  make(map[string]pendingEstimate),
	}
}

// HandleToolCall routes one export_records call to its mode handler.
func (m *ExportManager) HandleToolCall(ctx context.Context, tc *ToolContext, params ExportRecordsInput) (map[string]any, error) {
	mode := datatypes.ExportMode(params.Mode)
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: unknown export mode %q", ErrInvalidToolInput, params.Mode)
	}
	if params.IncludeDerived && m.llm == nil {
		return nil, fmt.Errorf("derived columns are not available on this deployment; retry without include_derived")
	}

	from, to, err := parseDateWindow(params.DateFrom, params.DateTo)
	if err != nil {
		return nil, err
	}
	spec := datatypes.ExportSpec{
		Table:          params.Table,
		Query:          params.Query,
		DateFrom:       from,
		DateTo:         to,
		Columns:        params.Columns,
		IncludeDerived: params.IncludeDerived,
	}

	switch mode {
	case datatypes.ExportDirect:
		return m.runDirect(ctx, tc, spec)
	case datatypes.ExportEstimate:
		return m.runEstimate(ctx, tc, spec)
	case datatypes.ExportConfirmed:
		return m.runConfirmed(ctx, tc, spec, params.ConfirmationToken)
	default:
		return nil, fmt.Errorf("%w: unknown export mode %q", ErrInvalidToolInput, params.Mode)
	}
}

// ===== Direct =====

func (m *ExportManager) runDirect(ctx context.Context, tc *ToolContext, spec datatypes.ExportSpec) (map[string]any, error) {
	if spec.IncludeDerived {
		return nil, fmt.Errorf("%w: derived columns require the estimate/confirmed flow", ErrInvalidToolInput)
	}
	total, err := m.countMatches(ctx, spec)
	if err != nil {
		return nil, err
	}
	if total > directExportCeiling {
		return nil, fmt.Errorf("%d records match, too many for a direct export (limit %d); call export_records with mode=estimate first",
			total, directExportCeiling)
	}

	records, err := m.fetchAll(ctx, spec)
	if err != nil {
		return nil, err
	}
	job := m.newJob(tc.SessionID, spec, total)
	job.Status = datatypes.ExportStatusRunning
	m.saveJob(ctx, job)

	if err := m.finishJob(ctx, tc, job, records, nil, nil); err != nil {
		return nil, err
	}
	return map[string]any{
		"mode":             string(datatypes.ExportDirect),
		"job_id":           job.JobID,
		"status":           string(job.Status),
		"records_exported": len(records),
		"file_name":        job.FileName,
		"file_url":         job.FileURL,
	}, nil
}

// ===== Estimate =====

func (m *ExportManager) runEstimate(ctx context.Context, tc *ToolContext, spec datatypes.ExportSpec) (map[string]any, error) {
	total, err := m.countMatches(ctx, spec)
	if err != nil {
		return nil, err
	}

	sample, err := m.crm.Query(ctx, crm.QueryRequest{
		Table:    spec.Table,
		Query:    spec.Query,
		DateFrom: spec.DateFrom,
		DateTo:   spec.DateTo,
		Columns:  spec.Columns,
		Top:      estimateSampleSize,
	})
	if err != nil {
		return nil, err
	}
	filtered := make([]map[string]any, 0, len(sample.Results))
	for _, record := range sample.Results {
		filtered = append(filtered, tc.Filter.FilterRecord(spec.Table, record))
	}
	columns := m.exportColumns(tc, spec, filtered)

	payload := map[string]any{
		"mode":              string(datatypes.ExportEstimate),
		"total_records":     total,
		"estimated_batches": (total + exportBatchSize - 1) / exportBatchSize,
		"columns":           columns,
	}

	var derived []string
	if spec.IncludeDerived {
		derived, err = m.inferDerivedColumns(ctx, spec.Table, filtered)
		if err != nil {
			slog.Warn("derived-column inference failed; estimate continues without it", "error", err)
			payload["derived_note"] = "derived-column inference was unavailable for this estimate"
		}
		payload["derived_columns"] = derived
	}

	token := uuid.NewString()
	expiresAt := m.now().Add(confirmTokenTTL)
	m.mu.Lock()
	m.purgeExpiredLocked()
	m.pending[token] = pendingEstimate{spec: spec, total: total, derived: derived, expiresAt: expiresAt}
	m.mu.Unlock()

	payload["confirmation_token"] = token
	payload["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	payload["next_step"] = "ask the user to confirm, then call export_records with mode=confirmed and this confirmation_token"
	return payload, nil
}

// ===== Confirmed =====

func (m *ExportManager) runConfirmed(ctx context.Context, tc *ToolContext, spec datatypes.ExportSpec, token string) (map[string]any, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: mode=confirmed requires the confirmation_token from a prior estimate", ErrInvalidToolInput)
	}
	est, err := m.claimEstimate(token)
	if err != nil {
		return nil, err
	}
	if est.spec.Table != spec.Table {
		return nil, fmt.Errorf("%w: confirmation token was issued for the %s table", ErrInvalidToolInput, est.spec.Table)
	}

	// The stored spec is authoritative: the confirmed run exports exactly
	// what was estimated, whatever else arrived in this call.
	job := m.newJob(tc.SessionID, est.spec, est.total)
	m.saveJob(ctx, job)

	if err := m.runExportJob(ctx, tc, job, est); err != nil {
		job.Status = datatypes.ExportStatusFailed
		job.Error = err.Error()
		job.UpdatedAt = m.now()
		m.saveJob(ctx, job)
		return nil, err
	}
	return map[string]any{
		"mode":             string(datatypes.ExportConfirmed),
		"job_id":           job.JobID,
		"status":           string(job.Status),
		"records_exported": job.ProcessedRecords,
		"degraded_batches": job.DegradedBatches,
		"file_name":        job.FileName,
		"file_url":         job.FileURL,
	}, nil
}

// runExportJob executes a confirmed export synchronously: fetch, enrich in
// bounded-concurrency batches, write, announce.
func (m *ExportManager) runExportJob(ctx context.Context, tc *ToolContext, job *datatypes.ExportJob, est pendingEstimate) error {
	job.Status = datatypes.ExportStatusRunning
	job.UpdatedAt = m.now()
	m.saveJob(ctx, job)

	records, err := m.fetchAll(ctx, job.Spec)
	if err != nil {
		return err
	}

	batches := chunkRecords(records, exportBatchSize)
	derivedByID := make(map[string]map[string]any)
	enrich := job.Spec.IncludeDerived && len(est.derived) > 0

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportConcurrency)
	for _, batch := range batches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var batchDerived map[string]map[string]any
			degraded := false
			if enrich {
				var enrichErr error
				batchDerived, enrichErr = m.enrichBatch(gctx, tc, job.Spec.Table, est.derived, batch)
				if enrichErr != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					slog.Warn("export batch enrichment failed; writing blank derived columns",
						"job_id", job.JobID, "batch_size", len(batch), "error", enrichErr)
					degraded = true
				}
			}

			mu.Lock()
			for id, cols := range batchDerived {
				derivedByID[id] = cols
			}
			if degraded {
				job.DegradedBatches++
			}
			job.ProcessedRecords += len(batch)
			job.UpdatedAt = m.now()
			snapshot := *job
			mu.Unlock()

			emitEvent(tc, ExportProgressEvent(datatypes.ExportProgress{
				JobID:     snapshot.JobID,
				Processed: snapshot.ProcessedRecords,
				Total:     snapshot.TotalRecords,
			}))
			m.saveJob(gctx, &snapshot)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return m.finishJob(ctx, tc, job, records, est.derived, derivedByID)
}

// finishJob writes the CSV, stores it, and marks the job completed.
func (m *ExportManager) finishJob(ctx context.Context, tc *ToolContext, job *datatypes.ExportJob, records []crm.Record, derivedCols []string, derivedByID map[string]map[string]any) error {
	content, err := m.writeCSV(tc, job.Spec, records, derivedCols, derivedByID)
	if err != nil {
		return fmt.Errorf("rendering export file: %w", err)
	}
	name := fmt.Sprintf("export_%s_%s_%s.csv",
		job.Spec.Table, m.now().UTC().Format("20060102_150405"), shortID(job.JobID))
	file, err := m.store.Put(ctx, name, content)
	if err != nil {
		return fmt.Errorf("storing export file: %w", err)
	}

	now := m.now()
	job.Status = datatypes.ExportStatusCompleted
	job.ProcessedRecords = len(records)
	job.FileName = file.Name
	job.FileURL = file.URL
	job.UpdatedAt = now
	job.CompletedAt = &now
	m.saveJob(ctx, job)

	emitEvent(tc, FileReadyEvent(datatypes.ExportFileReady{
		JobID:    job.JobID,
		FileName: file.Name,
		URL:      file.URL,
		Records:  len(records),
	}))
	return nil
}

// ===== Derived columns =====

// inferDerivedColumns asks the model, once, which derived columns would be
// useful for this export. Sample records ground the suggestion.
func (m *ExportManager) inferDerivedColumns(ctx context.Context, table string, sample []map[string]any) ([]string, error) {
	sampleJSON, err := json.Marshal(sample)
	if err != nil {
		return nil, err
	}
	req := llm.MessageRequest{
		Model: m.llm.DefaultModel(),
		System: "You plan derived columns for CRM data exports. Respond with only a JSON array of " +
			"lowercase snake_case column names, most useful first. No prose.",
		Messages: []datatypes.Message{
			datatypes.NewTextMessage(datatypes.RoleUser, fmt.Sprintf(
				"Table: %s\nPropose up to %d derived columns for an export of these records:\n%s",
				table, maxDerivedColumns, sampleJSON)),
		},
		MaxTokens: 256,
	}
	result, err := m.llm.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(extractJSONArray(result.Text()), &names); err != nil {
		return nil, fmt.Errorf("parsing derived-column suggestion: %w", err)
	}
	out := make([]string, 0, maxDerivedColumns)
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		out = append(out, name)
		if len(out) == maxDerivedColumns {
			break
		}
	}
	return out, nil
}

// enrichBatch computes derived-column values for one batch via one model
// call. Returns values keyed by record ID.
func (m *ExportManager) enrichBatch(ctx context.Context, tc *ToolContext, table string, derivedCols []string, batch []crm.Record) (map[string]map[string]any, error) {
	rows := make([]map[string]any, 0, len(batch))
	for _, record := range batch {
		rows = append(rows, CleanRecord(tc.Filter.FilterRecord(table, record)))
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}

	req := llm.MessageRequest{
		Model: m.llm.DefaultModel(),
		System: "You enrich CRM export rows. Respond with only a JSON array: one object per input " +
			"record, each carrying \"id\" plus the requested derived columns. Use null for values " +
			"you cannot derive. No prose.",
		Messages: []datatypes.Message{
			datatypes.NewTextMessage(datatypes.RoleUser, fmt.Sprintf(
				"Derived columns: %s\nRecords:\n%s", strings.Join(derivedCols, ", "), rowsJSON)),
		},
		MaxTokens: 4096,
	}
	result, err := m.llm.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	var entries []map[string]any
	if err := json.Unmarshal(extractJSONArray(result.Text()), &entries); err != nil {
		return nil, fmt.Errorf("parsing enrichment response: %w", err)
	}
	out := make(map[string]map[string]any, len(entries))
	for _, entry := range entries {
		id, _ := entry["id"].(string)
		if id == "" {
			continue
		}
		cols := make(map[string]any, len(derivedCols))
		for _, name := range derivedCols {
			if v, ok := entry[name]; ok {
				cols[name] = v
			}
		}
		out[id] = cols
	}
	return out, nil
}

// ===== CSV =====

// writeCSV renders the filtered records, with derived columns appended when
// present.
func (m *ExportManager) writeCSV(tc *ToolContext, spec datatypes.ExportSpec, records []crm.Record, derivedCols []string, derivedByID map[string]map[string]any) ([]byte, error) {
	filtered := make([]map[string]any, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, record := range records {
		filtered = append(filtered, tc.Filter.FilterRecord(spec.Table, record))
		ids = append(ids, record.ID())
	}
	columns := m.exportColumns(tc, spec, filtered)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := make([]string, 0, len(columns)+len(derivedCols))
	header = append(header, columns...)
	header = append(header, derivedCols...)
	if err := w.Write(header); err != nil {
		return nil, err
	}

	row := make([]string, len(header))
	for i, record := range filtered {
		for j, col := range columns {
			row[j] = cellValue(record[col])
		}
		for j, col := range derivedCols {
			var v any
			if derivedByID != nil {
				if cols, ok := derivedByID[ids[i]]; ok {
					v = cols[col]
				}
			}
			row[len(columns)+j] = cellValue(v)
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// exportColumns decides the CSV column set: the caller's explicit list
// minus anything the filter blocks, or the union of the filtered records'
// keys with id pinned first.
func (m *ExportManager) exportColumns(tc *ToolContext, spec datatypes.ExportSpec, filtered []map[string]any) []string {
	if len(spec.Columns) > 0 {
		return tc.Filter.FilterColumns(spec.Table, spec.Columns)
	}
	seen := map[string]bool{}
	for _, record := range filtered {
		for key := range record {
			seen[key] = true
		}
	}
	columns := make([]string, 0, len(seen))
	for key := range seen {
		if key == "id" {
			continue
		}
		columns = append(columns, key)
	}
	sort.Strings(columns)
	if seen["id"] {
		columns = append([]string{"id"}, columns...)
	}
	return columns
}

// cellValue renders one record value as a CSV cell.
func cellValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case bool:
		return strconv.FormatBool(value)
	default:
		out, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(out)
	}
}

// ===== Plumbing =====

func (m *ExportManager) countMatches(ctx context.Context, spec datatypes.ExportSpec) (int, error) {
	total, err := m.crm.Count(ctx, crm.CountRequest{
		Table:    spec.Table,
		Query:    spec.Query,
		DateFrom: spec.DateFrom,
		DateTo:   spec.DateTo,
	})
	if err != nil {
		return 0, err
	}
	if total > maxExportRecords {
		return 0, fmt.Errorf("%w: %d records match, above the %d-record export cap; narrow the query",
			ErrExportTooLarge, total, maxExportRecords)
	}
	return total, nil
}

// fetchAll pages through every matching record up to the hard cap.
func (m *ExportManager) fetchAll(ctx context.Context, spec datatypes.ExportSpec) ([]crm.Record, error) {
	out := make([]crm.Record, 0, exportFetchPageSize)
	cursor := ""
	for {
		page, err := m.crm.Query(ctx, crm.QueryRequest{
			Table:    spec.Table,
			Query:    spec.Query,
			DateFrom: spec.DateFrom,
			DateTo:   spec.DateTo,
			Columns:  spec.Columns,
			Top:      exportFetchPageSize,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Results...)
		if len(out) >= maxExportRecords {
			return out[:maxExportRecords], nil
		}
		// Stop on an empty page even if the server claims more.
		if !page.HasMore || page.NextCursor == "" || len(page.Results) == 0 {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func (m *ExportManager) newJob(sessionID string, spec datatypes.ExportSpec, total int) *datatypes.ExportJob {
	now := m.now()
	return &datatypes.ExportJob{
		JobID:        uuid.NewString(),
		SessionID:    sessionID,
		Spec:         spec,
		Status:       datatypes.ExportStatusPending,
		TotalRecords: total,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// saveJob persists best-effort: registry trouble is logged, never fatal to
// the export.
func (m *ExportManager) saveJob(ctx context.Context, job *datatypes.ExportJob) {
	if m.registry == nil {
		return
	}
	if err := m.registry.SaveJob(ctx, job); err != nil {
		slog.Warn("export job save failed", "job_id", job.JobID, "status", job.Status, "error", err)
	}
}

// claimEstimate redeems a confirmation token. Single use.
func (m *ExportManager) claimEstimate(token string) (pendingEstimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	est, ok := m.pending[token]
	if !ok {
		return pendingEstimate{}, fmt.Errorf("%w: run mode=estimate again to get a fresh token", ErrEstimateNotFound)
	}
	delete(m.pending, token)
	if m.now().After(est.expiresAt) {
		return pendingEstimate{}, fmt.Errorf("%w: run mode=estimate again to get a fresh token", ErrEstimateExpired)
	}
	return est, nil
}

// purgeExpiredLocked drops expired estimates. Caller holds mu.
func (m *ExportManager) purgeExpiredLocked() {
	now := m.now()
	for token, est := range m.pending {
		if now.After(est.expiresAt) {
			delete(m.pending, token)
		}
	}
}

func chunkRecords(records []crm.Record, size int) [][]crm.Record {
	if len(records) == 0 {
		return nil
	}
	out := make([][]crm.Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		out = append(out, records[start:end])
	}
	return out
}

// extractJSONArray pulls the first JSON array out of model prose.
func extractJSONArray(text string) []byte {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return []byte("[]")
	}
	return []byte(text[start : end+1])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// emitEvent pushes an event when a sink is attached.
func emitEvent(tc *ToolContext, event Event) {
	if tc != nil && tc.Events != nil {
		tc.Events.Emit(event)
	}
}
