// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crm

import (
	"errors"
	"time"
)

// ===== Errors =====

var (
	// ErrNotFound indicates the record or table does not exist.
	ErrNotFound = errors.New("crm: record not found")

	// ErrRateLimited indicates the CRM API rejected the call for throughput.
	ErrRateLimited = errors.New("crm: rate limited")

	// ErrUnavailable indicates a transient server-side failure.
	ErrUnavailable = errors.New("crm: service unavailable")

	// ErrBadRequest indicates the CRM API rejected the request shape.
	ErrBadRequest = errors.New("crm: bad request")
)

// ===== Records =====

// Record is one CRM row as returned by the Web API.
//
// Records are schemaless on this side of the wire: the set of keys depends on
// the table and on the column selection of the query that produced them. Keys
// may include protocol annotations and internal columns; stripping those is
// the result shaper's job, not the client's.
type Record map[string]any

// ID returns the record's primary identifier, or "" when absent.
func (r Record) ID() string {
	for _, key := range []string{"id", "recordid", "guid"} {
		if v, ok := r[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// GetString returns the named field as a string, or "" when absent or not a
// string.
func (r Record) GetString(key string) string {
	v, _ := r[key].(string)
	return v
}

// GetFloat returns the named field as a float64. JSON numbers decode to
// float64, so this covers numeric CRM columns.
func (r Record) GetFloat(key string) (float64, bool) {
	v, ok := r[key].(float64)
	return v, ok
}

// Clone returns a shallow copy of the record. Field values are shared; the
// shaper treats them as read-only.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ===== Query =====

// QueryRequest asks the CRM Web API for records from one table.
type QueryRequest struct {
	Table    string     `json:"table"`
	Query    string     `json:"query,omitempty"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	Columns  []string   `json:"columns,omitempty"`
	Top      int        `json:"top,omitempty"`
	Cursor   string     `json:"cursor,omitempty"`
}

// QueryResult is the CRM Web API's record envelope.
//
// TotalCount is the full match count on the server, independent of paging.
// Downstream consumers rely on that distinction: truncation notices report
// TotalCount while Results carries only the fetched page.
type QueryResult struct {
	TotalCount int      `json:"totalCount"`
	Results    []Record `json:"results"`
	HasMore    bool     `json:"hasMore"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// RelatedRequest walks from one record to its related records in another
// table, using the relationship paths the CRM schema defines.
type RelatedRequest struct {
	SourceTable string     `json:"source_table"`
	SourceID    string     `json:"source_id"`
	TargetTable string     `json:"target_table"`
	DateFrom    *time.Time `json:"date_from,omitempty"`
	DateTo      *time.Time `json:"date_to,omitempty"`
	Top         int        `json:"top,omitempty"`
	Cursor      string     `json:"cursor,omitempty"`
}

// ===== Aggregation =====

// AggregateRequest computes grouped metrics server-side.
type AggregateRequest struct {
	Table    string     `json:"table"`
	GroupBy  string     `json:"group_by"`
	Metric   string     `json:"metric"`
	Field    string     `json:"field,omitempty"`
	Query    string     `json:"query,omitempty"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
}

// AggregateGroup is one bucket of an aggregation.
type AggregateGroup struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// AggregateResult carries every bucket plus the total group count, which may
// exceed len(Groups) when the server caps the bucket list.
type AggregateResult struct {
	Groups      []AggregateGroup `json:"groups"`
	TotalGroups int              `json:"totalGroups"`
}

// ===== Counting =====

// CountRequest asks for a match count without fetching records. Export
// estimation uses this to size a job before committing to it.
type CountRequest struct {
	Table    string     `json:"table"`
	Query    string     `json:"query,omitempty"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
}

// CountResult is the count envelope.
type CountResult struct {
	TotalCount int `json:"totalCount"`
}
