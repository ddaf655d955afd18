// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Result shaping: everything a tool result goes through between the CRM
// client and the model. Records are cleaned of plumbing and noise, then the
// whole payload is fitted to the tool's character budget without ever
// cutting a record in half.

package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// zeroGUID is the placeholder the CRM backend emits for unset lookup columns.
// It carries no information and is treated as empty.
const zeroGUID = "00000000-0000-0000-0000-000000000000"

// truncationMarker terminates flat-truncated payloads.
const truncationMarker = "...[truncated]"

// recordArrayKeys are the payload keys that hold record lists eligible for
// whole-record truncation, in lookup order.
var recordArrayKeys = []string{"records", "results"}

// =============================================================================
// Record Cleaning
// =============================================================================

// CleanRecord returns a copy of the record without plumbing keys and
// empty-like values.
//
// # Description
//
// Two classes of noise never help the model and cost tokens on every round:
//
//   - Keys with the @ or _ prefix: provider annotations and internal lookup
//     columns.
//   - Empty-like values: null, "", false, 0, and the all-zero GUID the
//     backend emits for unset references.
//
// Nested objects are cleaned recursively; an object or list that cleans down
// to nothing is itself dropped. The input is never mutated.
//
// # Inputs
//
//   - record: Raw record as fetched. May be nil.
//
// # Outputs
//
//   - map[string]any: Cleaned copy. Never nil.
func CleanRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for key, value := range record {
		if strings.HasPrefix(key, "@") || strings.HasPrefix(key, "_") {
			continue
		}
		cleaned, keep := cleanValue(value)
		if !keep {
			continue
		}
		out[key] = cleaned
	}
	return out
}

// cleanValue decides whether a value carries information, cleaning nested
// containers along the way.
func cleanValue(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case string:
		if v == "" || v == zeroGUID {
			return nil, false
		}
		return v, true
	case bool:
		return v, v
	case float64:
		return v, v != 0
	case int:
		return v, v != 0
	case map[string]any:
		cleaned := CleanRecord(v)
		return cleaned, len(cleaned) > 0
	case []any:
		out := make([]any, 0, len(v))
		for _, elem := range v {
			if cleaned, keep := cleanValue(elem); keep {
				out = append(out, cleaned)
			}
		}
		return out, len(out) > 0
	default:
		return v, true
	}
}

// CleanRecords cleans a record list in place-order, dropping records that
// clean down to nothing.
func CleanRecords(records []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		cleaned := CleanRecord(record)
		if len(cleaned) > 0 {
			out = append(out, cleaned)
		}
	}
	return out
}

// =============================================================================
// Budget Fitting
// =============================================================================

// ShapeRecordPayload serializes a tool payload within the given character
// budget, truncating on whole-record boundaries.
//
// # Description
//
// The payload is marshaled once; if it fits, that serialization is the
// result. When it does not fit and the payload carries a record list under
// "records" or "results", the list is cut to the largest k whole records
// that keep the serialization within budget, and a note
// "Showing k of M total records." is added under "truncation_note". Keys
// outside the record list (totalCount, hasMore, entity metadata) survive
// intact, so the model always sees true totals next to the partial list.
//
// The output is valid JSON in every case, including k = 0. Payloads that are
// over budget without a record list fall back to flat truncation, which does
// not preserve JSON validity; callers producing free-form payloads accept
// that trade.
//
// # Inputs
//
//   - payload: Tool result payload. Mutated only via a shallow copy.
//   - budget: Character budget, from ToolName.CharBudget().
//
// # Outputs
//
//   - string: Serialized payload within budget.
func ShapeRecordPayload(payload map[string]any, budget int) string {
	full, err := json.Marshal(payload)
	if err != nil {
		// A payload assembled from decoded JSON cannot fail to re-encode;
		// this path exists for hand-built payloads carrying odd types.
		slog.Error("tool payload failed to marshal", "error", err)
		return `{"error":"internal: result serialization failed"}`
	}
	if len(full) <= budget {
		return string(full)
	}

	key, records := findRecordArray(payload)
	if key == "" {
		return TruncateFlat(string(full), budget)
	}
	return truncateRecords(payload, key, records, budget, len(full))
}

// findRecordArray locates the first record list in the payload. Both decoded
// ([]any) and locally built ([]map[string]any) lists are recognized.
func findRecordArray(payload map[string]any) (string, []any) {
	for _, key := range recordArrayKeys {
		switch list := payload[key].(type) {
		case []any:
			return key, list
		case []map[string]any:
			out := make([]any, len(list))
			for i, record := range list {
				out[i] = record
			}
			return key, out
		}
	}
	return "", nil
}

// truncateRecords cuts the record list to whole records under budget.
//
// The first k is estimated from the average serialized record size, then
// corrected downward until the payload fits. The estimate is nearly always
// right, so the loop runs at most a couple of times on skewed record sizes.
func truncateRecords(payload map[string]any, key string, records []any, budget, fullLen int) string {
	total := len(records)
	if total == 0 {
		// Over budget without any records to drop: the metadata itself is
		// oversized. Flat truncation is all that is left.
		raw, _ := json.Marshal(payload)
		return TruncateFlat(string(raw), budget)
	}

	shallow := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		shallow[k] = v
	}

	// Serialized size of everything except the records themselves.
	shallow[key] = []any{}
	shallow["truncation_note"] = truncationNote(total, total)
	empty, _ := json.Marshal(shallow)
	overhead := len(empty)

	avg := (fullLen - overhead) / total
	if avg <= 0 {
		avg = 1
	}
	k := (budget - overhead) / avg
	if k > total {
		k = total
	}
	if k < 0 {
		k = 0
	}

	for {
		shallow[key] = records[:k]
		shallow["truncation_note"] = truncationNote(k, total)
		out, err := json.Marshal(shallow)
		if err != nil {
			slog.Error("truncated payload failed to marshal", "error", err)
			return `{"error":"internal: result serialization failed"}`
		}
		if len(out) <= budget || k == 0 {
			slog.Debug("tool result truncated to whole records",
				"kept", k, "total", total, "budget", budget, "full_chars", fullLen)
			return string(out)
		}
		k--
	}
}

func truncationNote(k, total int) string {
	return fmt.Sprintf("Showing %d of %d total records.", k, total)
}

// TruncateFlat cuts a string to the budget, ending in the truncation marker.
//
// The cut lands on a rune boundary so the marker never follows a broken
// UTF-8 sequence. Budgets smaller than the marker return the marker prefix
// that fits.
func TruncateFlat(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	if budget <= len(truncationMarker) {
		return truncationMarker[:budget]
	}
	cut := budget - len(truncationMarker)
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
