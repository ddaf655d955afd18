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
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRecord(t *testing.T) {
	record := map[string]any{
		"@odata.etag":       `W/"9435"`,
		"_owninguser_value": "a1b2",
		"name":              "Acme Industrial",
		"revenue":           float64(125000),
		"fax":               "",
		"donotbulkemail":    false,
		"employeecount":     float64(0),
		"parentaccountid":   zeroGUID,
		"website":           "https://acme.example",
		"isactive":          true,
	}

	got := CleanRecord(record)

	want := map[string]any{
		"name":     "Acme Industrial",
		"revenue":  float64(125000),
		"website":  "https://acme.example",
		"isactive": true,
	}
	assert.Equal(t, want, got)

	// The raw record is shared with other tool calls; it must survive intact.
	assert.Len(t, record, 10, "CleanRecord mutated its input")
}

func TestCleanRecord_Nested(t *testing.T) {
	record := map[string]any{
		"name": "Acme",
		"address": map[string]any{
			"city": "Anchorage",
			"fax":  "",
		},
		"emptyblock": map[string]any{"a": "", "b": nil},
		"tags":       []any{"priority", "", nil},
		"emptylist":  []any{"", nil},
	}

	got := CleanRecord(record)

	assert.Equal(t, map[string]any{"city": "Anchorage"}, got["address"])
	assert.NotContains(t, got, "emptyblock", "object that cleans to nothing should be dropped")
	assert.Equal(t, []any{"priority"}, got["tags"])
	assert.NotContains(t, got, "emptylist")
}

func TestCleanRecords_DropsHollowRecords(t *testing.T) {
	records := []map[string]any{
		{"name": "Acme"},
		{"@odata.etag": "x", "fax": ""},
	}
	got := CleanRecords(records)
	require.Len(t, got, 1)
	assert.Equal(t, "Acme", got[0]["name"])
}

// makeRecords builds n records of roughly the given serialized size.
func makeRecords(t *testing.T, n, approxBytes int) []any {
	t.Helper()
	records := make([]any, n)
	for i := range records {
		records[i] = map[string]any{
			"id":   fmt.Sprintf("rec-%05d", i),
			"name": fmt.Sprintf("Company %d", i),
			"desc": strings.Repeat("x", approxBytes),
		}
	}
	return records
}

func TestShapeRecordPayload_UnderBudgetUntouched(t *testing.T) {
	payload := map[string]any{
		"totalCount": 2,
		"results":    makeRecords(t, 2, 20),
	}
	out := ShapeRecordPayload(payload, defaultToolCharBudget)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.NotContains(t, decoded, "truncation_note")
	assert.Len(t, decoded["results"], 2)
}

func TestShapeRecordPayload_WholeRecordTruncation(t *testing.T) {
	// Roughly 50k characters of records against a 16k budget.
	const total = 200
	payload := map[string]any{
		"totalCount": total,
		"hasMore":    false,
		"results":    makeRecords(t, total, 200),
	}
	raw, _ := json.Marshal(payload)
	require.Greater(t, len(raw), 40000, "fixture should be well over budget")

	out := ShapeRecordPayload(payload, 16000)

	// Within budget and still valid JSON.
	assert.LessOrEqual(t, len(out), 16000)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded), "truncated payload must stay valid JSON")

	// Whole records only, with the accounting note.
	results, ok := decoded["results"].([]any)
	require.True(t, ok)
	k := len(results)
	assert.Greater(t, k, 0, "budget of 16k should fit at least one record")
	assert.Less(t, k, total)
	assert.Equal(t, fmt.Sprintf("Showing %d of %d total records.", k, total), decoded["truncation_note"])
	for _, rec := range results {
		m, ok := rec.(map[string]any)
		require.True(t, ok, "record was cut mid-structure")
		assert.Contains(t, m, "id")
		assert.Contains(t, m, "desc")
	}

	// Metadata survives so the model can report true totals.
	assert.Equal(t, float64(total), decoded["totalCount"])
}

func TestShapeRecordPayload_TinyBudgetKeepsZeroRecords(t *testing.T) {
	payload := map[string]any{
		"totalCount": 3,
		"records":    makeRecords(t, 3, 500),
	}
	out := ShapeRecordPayload(payload, 120)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Empty(t, decoded["records"])
	assert.Equal(t, "Showing 0 of 3 total records.", decoded["truncation_note"])
}

func TestShapeRecordPayload_NoArrayFallsBackToFlat(t *testing.T) {
	payload := map[string]any{
		"summary": strings.Repeat("long narrative ", 200),
	}
	out := ShapeRecordPayload(payload, 300)
	assert.LessOrEqual(t, len(out), 300)
	assert.True(t, strings.HasSuffix(out, truncationMarker))
}

func TestShapeRecordPayload_LocalRecordSliceRecognized(t *testing.T) {
	// Dispatcher-built payloads carry []map[string]any, not []any.
	records := make([]map[string]any, 50)
	for i := range records {
		records[i] = map[string]any{"id": i, "pad": strings.Repeat("y", 100)}
	}
	out := ShapeRecordPayload(map[string]any{"results": records, "totalCount": 50}, 2000)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "truncation_note")
}

func TestTruncateFlat(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		budget int
		want   string
	}{
		{"Fits", "short", 100, "short"},
		{"Cut", strings.Repeat("a", 100), 50, strings.Repeat("a", 50-len(truncationMarker)) + truncationMarker},
		{"BudgetBelowMarker", "abcdefghijklmnop", 5, truncationMarker[:5]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := TruncateFlat(tc.in, tc.budget)
			assert.Equal(t, tc.want, got)
			assert.LessOrEqual(t, len(got), tc.budget)
		})
	}
}

func TestTruncateFlat_RuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 100) // two bytes per rune
	out := TruncateFlat(s, 41)
	assert.LessOrEqual(t, len(out), 41)
	trimmed := strings.TrimSuffix(out, truncationMarker)
	for _, r := range trimmed {
		assert.NotEqual(t, '�', r, "truncation split a rune")
	}
}

func TestToolCharBudgets(t *testing.T) {
	assert.Equal(t, defaultToolCharBudget, ToolSearchCustomers.CharBudget())
	assert.Equal(t, 20000, ToolQueryRelationship.CharBudget())
	assert.Equal(t, 8000, ToolAggregateRecords.CharBudget())
}
