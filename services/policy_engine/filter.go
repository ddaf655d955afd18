// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// AccessDeniedError reports that a table is off limits for the caller.
//
// The error text is deliberately written for the model, not the operator: it
// is returned verbatim as the tool result so the model can explain the denial
// and re-plan around it.
type AccessDeniedError struct {
	Table  string
	Reason string
}

func (e *AccessDeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("access to the %s table is restricted for your role: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("access to the %s table is restricted for your role", e.Table)
}

// RestrictionFilter enforces one request's effective restriction set.
//
// # Description
//
// The filter merges two restriction sources at construction: the role policy
// resolved by the PolicyEngine, and the per-request restrictions injected by
// the auth middleware. Request restrictions come last so their reason text
// wins on overlap. The filter then answers the two enforcement questions on
// the hot path:
//
//   - CheckTable: may this caller's tools touch the table at all?
//   - FilterRecord: which fields must be stripped from a fetched record?
//
// FilterRecord also drops internal plumbing fields (the engine's
// internal-field patterns plus the @/_ prefix convention), so records leaving
// the filter carry only business data.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use across the tool
// calls of a round.
type RestrictionFilter struct {
	set      *datatypes.RestrictionSet
	internal func(string) bool
}

// NewRestrictionFilter builds the effective filter for one request.
//
// # Inputs
//
//   - engine: Policy engine holding role policy and internal-field patterns.
//     May be nil in tests; the filter then enforces only the explicit list.
//   - role: Caller's role, resolved to its policy restrictions.
//   - requested: Per-request restrictions injected by the middleware.
//
// # Outputs
//
//   - *RestrictionFilter: Effective filter for the request.
//   - error: Non-nil when the role is unknown and the policy has no default.
func NewRestrictionFilter(engine *PolicyEngine, role string, requested []datatypes.Restriction) (*RestrictionFilter, error) {
	var merged []datatypes.Restriction
	internal := func(string) bool { return false }
	if engine != nil {
		fromRole, err := engine.ResolveRestrictions(role)
		if err != nil {
			return nil, err
		}
		merged = fromRole
		internal = engine.IsInternalField
	}
	merged = append(merged, requested...)
	return &RestrictionFilter{
		set:      datatypes.NewRestrictionSet(merged),
		internal: internal,
	}, nil
}

// CheckTable returns an AccessDeniedError when the table is blocked for this
// request, nil otherwise. Dispatch calls this for every table a tool would
// read, before issuing any query.
func (f *RestrictionFilter) CheckTable(table string) error {
	if r, blocked := f.set.TableBlocked(table); blocked {
		return &AccessDeniedError{Table: r.TableName, Reason: r.Reason}
	}
	return nil
}

// CheckTables checks several tables and returns the first denial.
func (f *RestrictionFilter) CheckTables(tables ...string) error {
	for _, t := range tables {
		if err := f.CheckTable(t); err != nil {
			return err
		}
	}
	return nil
}

// FilterRecord returns a copy of the record with restricted and internal
// fields removed.
//
// # Description
//
// Three classes of fields are dropped:
//  1. Fields named by a field-level restriction on the record's table.
//  2. Fields matching the policy's internal-field patterns.
//  3. Fields with the provider-internal @ or _ name prefix.
//
// The input record is never mutated; tool results share fetched records
// across concurrent shaping.
func (f *RestrictionFilter) FilterRecord(table string, record map[string]any) map[string]any {
	blocked := f.set.BlockedFields(table)
	out := make(map[string]any, len(record))
	for key, value := range record {
		if strings.HasPrefix(key, "@") || strings.HasPrefix(key, "_") {
			continue
		}
		if blocked != nil && blocked[strings.ToLower(key)] {
			continue
		}
		if f.internal(key) {
			continue
		}
		out[key] = value
	}
	return out
}

// FilterColumns drops blocked and internal column names from an explicit
// column selection, preserving order. The export path uses this so a
// restricted field never appears even as an empty CSV header.
func (f *RestrictionFilter) FilterColumns(table string, columns []string) []string {
	blocked := f.set.BlockedFields(table)
	out := make([]string, 0, len(columns))
	for _, col := range columns {
		if strings.HasPrefix(col, "@") || strings.HasPrefix(col, "_") {
			continue
		}
		if blocked != nil && blocked[strings.ToLower(col)] {
			continue
		}
		if f.internal(col) {
			continue
		}
		out = append(out, col)
	}
	return out
}

// Restrictions returns the effective restriction list, for audit records.
func (f *RestrictionFilter) Restrictions() []datatypes.Restriction {
	return f.set.All()
}
