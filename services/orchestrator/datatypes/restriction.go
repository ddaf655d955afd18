// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "strings"

// Restriction denies a caller access to a table or to one of its fields.
//
// Description:
//
//	Restrictions are resolved per session from the caller's role before the
//	model ever runs, and enforced in two places: table-level restrictions
//	(FieldName empty) block tool dispatch against the table outright, and
//	field-level restrictions strip the named field from every record after
//	fetch, before results are shaped for the model.
//
// Fields:
//   - TableName: CRM table the restriction applies to (lowercase)
//   - FieldName: Optional field within the table; empty means whole table
//   - Reason: Operator-facing explanation, surfaced in refusal messages
//
// Thread Safety:
//   - Restrictions are immutable after construction; share freely.
type Restriction struct {
	TableName string `json:"table_name" yaml:"table_name" validate:"required"`
	FieldName string `json:"field_name,omitempty" yaml:"field_name,omitempty"`
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// IsTableLevel reports whether this restriction blocks the whole table.
func (r Restriction) IsTableLevel() bool {
	return r.FieldName == ""
}

// AppliesToTable reports whether the restriction targets the given table.
// Comparison is case-insensitive.
func (r Restriction) AppliesToTable(table string) bool {
	return strings.EqualFold(r.TableName, table)
}

// AppliesToField reports whether the restriction strips the given field from
// the given table. Table-level restrictions do not match here; they are
// enforced earlier, at dispatch.
func (r Restriction) AppliesToField(table, field string) bool {
	return !r.IsTableLevel() &&
		strings.EqualFold(r.TableName, table) &&
		strings.EqualFold(r.FieldName, field)
}

// RestrictionSet indexes restrictions for the access checks the dispatcher
// and shaper perform on every tool round.
//
// # Description
//
// The raw restriction list is small (tens of entries at most) but consulted
// once per dispatched tool call and once per fetched record field, so the
// set pre-buckets entries by table at construction.
//
// # Thread Safety
//
// Immutable after NewRestrictionSet; safe for concurrent readers.
type RestrictionSet struct {
	byTable map[string][]Restriction
}

// NewRestrictionSet builds an indexed set from a raw restriction list.
// Table names are normalized to lowercase.
func NewRestrictionSet(restrictions []Restriction) *RestrictionSet {
	s := &RestrictionSet{byTable: make(map[string][]Restriction, len(restrictions))}
	for _, r := range restrictions {
		key := strings.ToLower(r.TableName)
		s.byTable[key] = append(s.byTable[key], r)
	}
	return s
}

// TableBlocked returns the blocking restriction for the table, if any.
func (s *RestrictionSet) TableBlocked(table string) (Restriction, bool) {
	for _, r := range s.byTable[strings.ToLower(table)] {
		if r.IsTableLevel() {
			return r, true
		}
	}
	return Restriction{}, false
}

// BlockedFields returns the lowercase field names stripped from the table.
// Returns nil when nothing is restricted.
func (s *RestrictionSet) BlockedFields(table string) map[string]bool {
	var fields map[string]bool
	for _, r := range s.byTable[strings.ToLower(table)] {
		if r.IsTableLevel() {
			continue
		}
		if fields == nil {
			fields = make(map[string]bool, 4)
		}
		fields[strings.ToLower(r.FieldName)] = true
	}
	return fields
}

// IsEmpty reports whether the set carries no restrictions at all.
func (s *RestrictionSet) IsEmpty() bool {
	return len(s.byTable) == 0
}

// All returns a flat copy of every restriction in the set, for audit records.
func (s *RestrictionSet) All() []Restriction {
	var out []Restriction
	for _, rs := range s.byTable {
		out = append(out, rs...)
	}
	return out
}
