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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/llm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// memStore keeps export files in memory.
type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (s *memStore) Put(ctx context.Context, name string, content []byte) (ExportFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = map[string][]byte{}
	}
	s.files[name] = content
	return ExportFile{Name: name, URL: "https://files.test/" + name}, nil
}

func (s *memStore) only(t *testing.T) (string, []byte) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.files, 1, "exactly one export file expected")
	for name, content := range s.files {
		return name, content
	}
	return "", nil
}

// memRegistry keeps the latest saved state of each job.
type memRegistry struct {
	mu    sync.Mutex
	jobs  map[string]datatypes.ExportJob
	saves int
}

func (r *memRegistry) SaveJob(ctx context.Context, job *datatypes.ExportJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs == nil {
		r.jobs = map[string]datatypes.ExportJob{}
	}
	r.jobs[job.JobID] = *job
	r.saves++
	return nil
}

func (r *memRegistry) GetJob(ctx context.Context, jobID string) (*datatypes.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return &job, nil
}

func parseCSV(t *testing.T, content []byte) [][]string {
	t.Helper()
	rows, err := csv.NewReader(bytes.NewReader(content)).ReadAll()
	require.NoError(t, err, "export file must be valid CSV")
	return rows
}

func TestExportDirect_WritesFilteredCSV(t *testing.T) {
	client := &mockCRM{
		countFn: func(req crm.CountRequest) (int, error) { return 3, nil },
		queryFn: func(req crm.QueryRequest) (*crm.QueryResult, error) {
			return &crm.QueryResult{
				TotalCount: 3,
				Results: []crm.Record{
					{"id": "co-1", "name": "Acme", "creditlimit": 50000.0, "@odata.etag": "W/\"1\""},
					{"id": "co-2", "name": "Globex", "creditlimit": 10000.0},
					{"id": "co-3", "name": "Initech"},
				},
			}, nil
		},
	}
	store := &memStore{}
	registry := &memRegistry{}
	manager := NewExportManager(client, &mockLLM{}, store, registry)
	resolver := NewEntityResolver(client, nil)
	d := NewDispatcher(client, resolver, NewRelationshipEngine(client, resolver), nil, manager)

	sink := &recordingSink{}
	tc := testToolContext(t, datatypes.Restriction{TableName: "company", FieldName: "creditlimit", Reason: "finance only"})
	tc.Events = sink

	results, _ := d.ExecuteRound(context.Background(), tc, []datatypes.ContentBlock{
		useBlock("toolu_1", "export_records", `{"mode":"direct","table":"company","query":"a"}`),
	})

	payload := decodePayload(t, results[0].Content)
	assert.Equal(t, "direct", payload["mode"])
	assert.Equal(t, "completed", payload["status"])
	assert.Equal(t, float64(3), payload["records_exported"])
	assert.NotEmpty(t, payload["file_url"])

	name, content := store.only(t)
	assert.Contains(t, name, "export_company_")
	rows := parseCSV(t, content)
	require.Len(t, rows, 4, "header plus three records")
	assert.Equal(t, "id", rows[0][0], "id column pinned first")
	assert.NotContains(t, rows[0], "creditlimit", "restricted column must not appear even as a header")
	assert.NotContains(t, rows[0], "@odata.etag")

	ready := sink.byType(EventFileReady)
	require.Len(t, ready, 1)
	readyData, ok := ready[0].Data.(datatypes.ExportFileReady)
	require.True(t, ok)
	assert.Equal(t, 3, readyData.Records)
	assert.Equal(t, name, readyData.FileName)

	job, err := registry.GetJob(context.Background(), payload["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, datatypes.ExportStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
}

func TestExportDirect_Guardrails(t *testing.T) {
	client := &mockCRM{
		countFn: func(req crm.CountRequest) (int, error) { return 5000, nil },
	}
	manager := NewExportManager(client, &mockLLM{}, &memStore{}, &memRegistry{})
	tc := testToolContext(t)

	t.Run("too many records for direct", func(t *testing.T) {
		_, err := manager.HandleToolCall(context.Background(), tc, ExportRecordsInput{
			Mode: "direct", Table: "company",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mode=estimate", "error should steer the model to the estimate flow")
	})

	t.Run("derived columns need the estimate flow", func(t *testing.T) {
		_, err := manager.HandleToolCall(context.Background(), tc, ExportRecordsInput{
			Mode: "direct", Table: "company", IncludeDerived: true,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "estimate/confirmed")
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := manager.HandleToolCall(context.Background(), tc, ExportRecordsInput{
			Mode: "turbo", Table: "company",
		})
		require.ErrorIs(t, err, ErrInvalidToolInput)
	})
}

func TestExportEstimate_IssuesConfirmationToken(t *testing.T) {
	client := &mockCRM{
		countFn: func(req crm.CountRequest) (int, error) { return 1200, nil },
		queryFn: func(req crm.QueryRequest) (*crm.QueryResult, error) {
			assert.Equal(t, estimateSampleSize, req.Top, "estimate fetches only a sample")
			return &crm.QueryResult{TotalCount: 1200, Results: []crm.Record{
				{"id": "co-1", "name": "Acme", "industry": "manufacturing"},
				{"id": "co-2", "name": "Globex", "industry": "logistics"},
			}}, nil
		},
	}
	model := &mockLLM{responses: []*llm.MessageResult{
		textResult(`Here you go: ["owner_name","days_since_last_activity"]`),
	}}
	manager := NewExportManager(client, model, &memStore{}, &memRegistry{})

	payload, err := manager.HandleToolCall(context.Background(), testToolContext(t), ExportRecordsInput{
		Mode: "estimate", Table: "company", IncludeDerived: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1200, payload["total_records"])
	assert.Equal(t, 3, payload["estimated_batches"])
	assert.Equal(t, []string{"owner_name", "days_since_last_activity"}, payload["derived_columns"],
		"derived columns come from the model suggestion, prose stripped")
	assert.Equal(t, 1, model.callCount(), "estimate runs exactly one model call")

	token, _ := payload["confirmation_token"].(string)
	require.NotEmpty(t, token)
	expires, ok := payload["expires_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, expires)
	assert.NoError(t, err)

	columns, ok := payload["columns"].([]string)
	require.True(t, ok)
	assert.Contains(t, columns, "industry")
}

func TestExportEstimate_RejectsAboveHardCap(t *testing.T) {
	client := &mockCRM{
		countFn: func(req crm.CountRequest) (int, error) { return maxExportRecords + 1, nil },
	}
	manager := NewExportManager(client, &mockLLM{}, &memStore{}, &memRegistry{})

	_, err := manager.HandleToolCall(context.Background(), testToolContext(t), ExportRecordsInput{
		Mode: "estimate", Table: "company",
	})
	require.ErrorIs(t, err, ErrExportTooLarge)
	assert.Contains(t, err.Error(), "narrow the query")
}

// pagedCRM serves 1200 company records in cursor pages of 500 and a
// 5-record estimate sample.
func pagedCRM(total int) *mockCRM {
	pages := map[string]int{"": 0, "p1": 500, "p2": 1000}
	cursors := map[string]string{"": "p1", "p1": "p2", "p2": ""}
	return &mockCRM{
		countFn: func(req crm.CountRequest) (int, error) { return total, nil },
		queryFn: func(req crm.QueryRequest) (*crm.QueryResult, error) {
			if req.Top == estimateSampleSize {
				return &crm.QueryResult{TotalCount: total, Results: []crm.Record{
					{"id": "co-0", "name": "Sample Co"},
				}}, nil
			}
			start := pages[req.Cursor]
			count := min(500, total-start)
			records := make([]crm.Record, 0, count)
			for i := 0; i < count; i++ {
				records = append(records, crm.Record{
					"id":   fmt.Sprintf("co-%d", start+i),
					"name": fmt.Sprintf("Company %d", start+i),
				})
			}
			next := cursors[req.Cursor]
			return &crm.QueryResult{
				TotalCount: total,
				Results:    records,
				HasMore:    next != "",
				NextCursor: next,
			}, nil
		},
	}
}

func TestExportConfirmed_BatchesWithDegradation(t *testing.T) {
	client := pagedCRM(1200)
	// Call 0: derived-column inference at estimate time. Calls 1..3:
	// per-batch enrichment; one fails and only degrades its own batch.
	model := &mockLLM{
		responses: []*llm.MessageResult{
			textResult(`["owner_name"]`),
			textResult(`[]`),
			textResult(`[]`),
			textResult(`[]`),
		},
		errs: []error{nil, assert.AnError, nil, nil},
	}
	store := &memStore{}
	registry := &memRegistry{}
	manager := NewExportManager(client, model, store, registry)

	sink := &recordingSink{}
	tc := testToolContext(t)
	tc.Events = sink
	ctx := context.Background()

	estimate, err := manager.HandleToolCall(ctx, tc, ExportRecordsInput{
		Mode: "estimate", Table: "company", IncludeDerived: true,
	})
	require.NoError(t, err)
	token := estimate["confirmation_token"].(string)

	payload, err := manager.HandleToolCall(ctx, tc, ExportRecordsInput{
		Mode: "confirmed", Table: "company", ConfirmationToken: token,
	})
	require.NoError(t, err)

	assert.Equal(t, "completed", payload["status"])
	assert.Equal(t, 1200, payload["records_exported"])
	assert.Equal(t, 1, payload["degraded_batches"], "one failed enrichment batch, counted not fatal")
	assert.Equal(t, 4, model.callCount(), "one inference call plus one enrichment call per batch")

	_, content := store.only(t)
	rows := parseCSV(t, content)
	require.Len(t, rows, 1201, "header plus every record")
	assert.Contains(t, rows[0], "owner_name", "derived column appears in the header")

	progress := sink.byType(EventExportProgress)
	require.Len(t, progress, 3, "one progress event per batch")
	maxProcessed := 0
	for _, ev := range progress {
		data, ok := ev.Data.(datatypes.ExportProgress)
		require.True(t, ok)
		assert.Equal(t, 1200, data.Total)
		if data.Processed > maxProcessed {
			maxProcessed = data.Processed
		}
	}
	assert.Equal(t, 1200, maxProcessed)

	require.Len(t, sink.byType(EventFileReady), 1)

	job, err := registry.GetJob(ctx, payload["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, datatypes.ExportStatusCompleted, job.Status)
	assert.Equal(t, 1, job.DegradedBatches)
}

func TestExportConfirmed_TokenLifecycle(t *testing.T) {
	tc := testToolContext(t)
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		manager := NewExportManager(pagedCRM(1200), &mockLLM{}, &memStore{}, &memRegistry{})
		_, err := manager.HandleToolCall(ctx, tc, ExportRecordsInput{Mode: "confirmed", Table: "company"})
		require.ErrorIs(t, err, ErrInvalidToolInput)
		assert.Contains(t, err.Error(), "confirmation_token")
	})

	t.Run("unknown token", func(t *testing.T) {
		manager := NewExportManager(pagedCRM(1200), &mockLLM{}, &memStore{}, &memRegistry{})
		_, err := manager.HandleToolCall(ctx, tc, ExportRecordsInput{
			Mode: "confirmed", Table: "company", ConfirmationToken: "tok-nope",
		})
		require.ErrorIs(t, err, ErrEstimateNotFound)
	})

	t.Run("expired token", func(t *testing.T) {
		manager := NewExportManager(pagedCRM(1200), &mockLLM{}, &memStore{}, &memRegistry{})
		base := time.Now()
		manager.now = func() time.Time { return base }

		estimate, err := manager.HandleToolCall(ctx, tc, ExportRecordsInput{Mode: "estimate", Table: "company"})
		require.NoError(t, err)
		token := estimate["confirmation_token"].(string)

		manager.now = func() time.Time { return base.Add(confirmTokenTTL + time.Minute) }
		_, err = manager.HandleToolCall(ctx, tc, ExportRecordsInput{
			Mode: "confirmed", Table: "company", ConfirmationToken: token,
		})
		require.ErrorIs(t, err, ErrEstimateExpired)
	})

	t.Run("token is single use", func(t *testing.T) {
		manager := NewExportManager(pagedCRM(1200), &mockLLM{}, &memStore{}, &memRegistry{})
		estimate, err := manager.HandleToolCall(ctx, tc, ExportRecordsInput{Mode: "estimate", Table: "company"})
		require.NoError(t, err)
		token := estimate["confirmation_token"].(string)

		_, err = manager.HandleToolCall(ctx, tc, ExportRecordsInput{
			Mode: "confirmed", Table: "company", ConfirmationToken: token,
		})
		require.NoError(t, err)

		_, err = manager.HandleToolCall(ctx, tc, ExportRecordsInput{
			Mode: "confirmed", Table: "company", ConfirmationToken: token,
		})
		require.ErrorIs(t, err, ErrEstimateNotFound)
	})

	t.Run("table mismatch", func(t *testing.T) {
		manager := NewExportManager(pagedCRM(1200), &mockLLM{}, &memStore{}, &memRegistry{})
		estimate, err := manager.HandleToolCall(ctx, tc, ExportRecordsInput{Mode: "estimate", Table: "company"})
		require.NoError(t, err)
		token := estimate["confirmation_token"].(string)

		_, err = manager.HandleToolCall(ctx, tc, ExportRecordsInput{
			Mode: "confirmed", Table: "contact", ConfirmationToken: token,
		})
		require.ErrorIs(t, err, ErrInvalidToolInput)
		assert.Contains(t, err.Error(), "company")
	})
}
