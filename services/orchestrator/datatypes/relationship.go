// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides type definitions for the Aleutian orchestrator.
//
// This file contains the entity and relationship types the tool dispatcher
// uses when traversing CRM record graphs.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// ENUMS
// =============================================================================

// EntityType identifies a CRM record family.
//
// Description:
//
//	EntityType names the logical record sets the assistant can read. The set
//	is closed: relationship traversal is validated against a fixed adjacency
//	table of (source, target) pairs, and an unknown type fails before any
//	query is issued.
//
// Valid Values:
//   - "company": Customer/account records
//   - "contact": People attached to a company
//   - "activity": Calls, emails, meetings and tasks
//   - "opportunity": Open and closed deals
//   - "note": Free-text annotations on any record
//
// Example:
//
//	et := datatypes.EntityCompany
//	if !et.IsValid() {
//	    log.Println("unknown entity type")
//	}
//
// Limitations:
//   - Custom CRM tables are not addressable through this enum
//
// Assumptions:
//   - Entity type strings match the table names used by the query layer
type EntityType string

const (
	EntityCompany     EntityType = "company"
	EntityContact     EntityType = "contact"
	EntityActivity    EntityType = "activity"
	EntityOpportunity EntityType = "opportunity"
	EntityNote        EntityType = "note"
)

// validEntityTypes contains all valid EntityType values for validation.
var validEntityTypes = map[EntityType]bool{
	EntityCompany:     true,
	EntityContact:     true,
	EntityActivity:    true,
	EntityOpportunity: true,
	EntityNote:        true,
}

// IsValid checks if the EntityType is a valid value.
//
// Outputs:
//   - bool: true if valid, false otherwise
func (e EntityType) IsValid() bool {
	return validEntityTypes[e]
}

// TableName returns the CRM table backing this entity type.
func (e EntityType) TableName() string {
	return string(e)
}

// =============================================================================
// Relationship Query
// =============================================================================

// RelationshipQuery describes one relationship traversal request.
//
// Description:
//
//	A traversal walks from one source record to its related target records,
//	for example from a company to all activities of its contacts. The source
//	is addressed either by ID (GUID) or by name; exactly one of the two must
//	be present. The optional date bounds apply to the target record set.
//
// Fields:
//   - SourceType: Entity family of the starting record
//   - SourceID: GUID of the starting record (preferred when known)
//   - SourceName: Display name of the starting record, resolved before the
//     traversal when SourceID is empty
//   - TargetType: Entity family to collect
//   - DateFrom, DateTo: Optional closed date window on the targets
//
// Example:
//
//	q := datatypes.RelationshipQuery{
//	    SourceType: datatypes.EntityCompany,
//	    SourceName: "Acme Industrial",
//	    TargetType: datatypes.EntityActivity,
//	}
//	if err := q.Validate(); err != nil { ... }
//
// Limitations:
//   - Only single-source traversals; fan-in across several sources requires
//     separate tool calls
type RelationshipQuery struct {
	SourceType EntityType `json:"source_type"`
	SourceID   string     `json:"source_id,omitempty"`
	SourceName string     `json:"source_name,omitempty"`
	TargetType EntityType `json:"target_type"`
	DateFrom   *time.Time `json:"date_from,omitempty"`
	DateTo     *time.Time `json:"date_to,omitempty"`
}

// Validate checks structural validity of the query.
//
// Description:
//
//	Validates field presence only. Whether the (source, target) pair is an
//	allowed traversal is the relationship engine's decision, made against
//	its adjacency table.
//
// Outputs:
//   - error: Non-nil when a type is unknown or the source is unaddressed
func (q *RelationshipQuery) Validate() error {
	if !q.SourceType.IsValid() {
		return fmt.Errorf("unknown source type %q", q.SourceType)
	}
	if !q.TargetType.IsValid() {
		return fmt.Errorf("unknown target type %q", q.TargetType)
	}
	if q.SourceID == "" && q.SourceName == "" {
		return fmt.Errorf("relationship query needs source_id or source_name")
	}
	if q.DateFrom != nil && q.DateTo != nil && q.DateTo.Before(*q.DateFrom) {
		return fmt.Errorf("date_to %s precedes date_from %s",
			q.DateTo.Format(time.RFC3339), q.DateFrom.Format(time.RFC3339))
	}
	return nil
}

// SourceLabel returns the best human-readable handle for the source record,
// used in summaries and error text.
func (q *RelationshipQuery) SourceLabel() string {
	if q.SourceName != "" {
		return q.SourceName
	}
	return q.SourceID
}

// =============================================================================
// Traversal Results
// =============================================================================

// RelationshipCounts carries truncation-safe accounting for one traversal.
//
// Returned alongside the tabular summary so the model can report true totals
// even when the record list was cut to fit the result budget.
type RelationshipCounts struct {
	Returned     int  `json:"returned"`
	TotalMatched int  `json:"totalMatched"`
	HasMore      bool `json:"hasMore"`
}
