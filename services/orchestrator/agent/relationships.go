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
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// Traversal limits. Direct traversals page once; the two-step path caps both
// the intermediate set and the merged result so one wide company cannot eat
// the whole round.
const (
	maxTraversalRecords = 200
	maxIntermediateIDs  = 100
	perIntermediateTop  = 50
	twoStepConcurrency  = 4
)

// allowedTraversals is the closed adjacency table of (source, target) pairs
// the relationship engine will traverse. Pairs absent from this table fail
// before any query is issued.
var allowedTraversals = map[datatypes.EntityType]map[datatypes.EntityType]bool{
	datatypes.EntityCompany: {
		datatypes.EntityContact:     true,
		datatypes.EntityActivity:    true,
		datatypes.EntityOpportunity: true,
		datatypes.EntityNote:        true,
	},
	datatypes.EntityContact: {
		datatypes.EntityActivity:    true,
		datatypes.EntityOpportunity: true,
		datatypes.EntityNote:        true,
	},
	datatypes.EntityOpportunity: {
		datatypes.EntityActivity: true,
		datatypes.EntityNote:     true,
	},
}

// summaryColumns lists the compact projection per target type. Traversal
// results are tables, not full records; the model asks for details by ID
// when it needs them.
var summaryColumns = map[datatypes.EntityType][]string{
	datatypes.EntityContact:     {"id", "fullname", "jobtitle", "emailaddress1"},
	datatypes.EntityActivity:    {"id", "subject", "activitytype", "scheduledstart", "statuscode"},
	datatypes.EntityOpportunity: {"id", "name", "stagename", "estimatedvalue", "closedate"},
	datatypes.EntityNote:        {"id", "subject", "createdon"},
}

// ValidateTraversal checks a (source, target) pair against the adjacency
// table.
//
// # Description
//
// The check runs before entity resolution and before any CRM query, so a
// disallowed pair costs nothing and the model gets the full allowed list to
// re-plan from.
//
// # Outputs
//
//   - error: ErrTraversalNotAllowed with the allowed pairs, or nil.
func ValidateTraversal(source, target datatypes.EntityType) error {
	if allowedTraversals[source][target] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s is not a known relationship; allowed: %s",
		ErrTraversalNotAllowed, source, target, allowedTraversalList())
}

// allowedTraversalList renders the adjacency table as "a -> b" pairs in
// stable order.
func allowedTraversalList() string {
	var pairs []string
	for source, targets := range allowedTraversals {
		for target := range targets {
			pairs = append(pairs, fmt.Sprintf("%s -> %s", source, target))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ", ")
}

// RelationshipEngine traverses the CRM record graph.
//
// # Description
//
// Most pairs map to one schema relationship and need a single Related call.
// company -> activity has no direct schema path: activities hang off
// contacts, so the engine first collects the company's contact IDs and then
// fans out per-contact activity queries with bounded concurrency, merging
// the pages into one result with truthful totals.
//
// # Thread Safety
//
// Safe for concurrent use across tool calls.
type RelationshipEngine struct {
	crm      crm.Client
	resolver *EntityResolver
}

// NewRelationshipEngine creates a relationship engine.
func NewRelationshipEngine(client crm.Client, resolver *EntityResolver) *RelationshipEngine {
	return &RelationshipEngine{crm: client, resolver: resolver}
}

// Traverse runs one relationship query end to end.
//
// # Inputs
//
//   - query: Validated relationship query. The (source, target) pair is
//     checked against the adjacency table before anything else.
//
// # Outputs
//
//   - map[string]any: Shaper-ready payload: resolved source, compact target
//     rows under "results", and counts {returned, totalMatched, hasMore}.
//   - error: Adjacency, resolution, or transport failure.
func (e *RelationshipEngine) Traverse(ctx context.Context, query datatypes.RelationshipQuery) (map[string]any, error) {
	if err := ValidateTraversal(query.SourceType, query.TargetType); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToolInput, err)
	}

	source, err := e.resolveSource(ctx, query)
	if err != nil {
		return nil, err
	}

	var records []crm.Record
	var counts datatypes.RelationshipCounts
	if query.SourceType == datatypes.EntityCompany && query.TargetType == datatypes.EntityActivity {
		records, counts, err = e.traverseTwoStep(ctx, source.ID, query)
	} else {
		records, counts, err = e.traverseDirect(ctx, source.ID, query)
	}
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0, len(records))
	for _, record := range records {
		rows = append(rows, summarizeRecord(query.TargetType, record))
	}

	payload := map[string]any{
		"source": map[string]any{
			"type": string(query.SourceType),
			"id":   source.ID,
			"name": source.Name,
		},
		"target_type": string(query.TargetType),
		"results":     rows,
		"counts":      counts,
	}
	if source.Note != "" {
		payload["resolution_note"] = source.Note
	}
	return payload, nil
}

// resolveSource turns the query's source reference into a record ID.
func (e *RelationshipEngine) resolveSource(ctx context.Context, query datatypes.RelationshipQuery) (*Resolution, error) {
	if query.SourceID != "" {
		return e.resolver.Resolve(ctx, query.SourceType, query.SourceID)
	}
	return e.resolver.Resolve(ctx, query.SourceType, query.SourceName)
}

// traverseDirect walks one schema relationship.
func (e *RelationshipEngine) traverseDirect(ctx context.Context, sourceID string, query datatypes.RelationshipQuery) ([]crm.Record, datatypes.RelationshipCounts, error) {
	result, err := e.crm.Related(ctx, crm.RelatedRequest{
		SourceTable: query.SourceType.TableName(),
		SourceID:    sourceID,
		TargetTable: query.TargetType.TableName(),
		DateFrom:    query.DateFrom,
		DateTo:      query.DateTo,
		Top:         maxTraversalRecords,
	})
	if err != nil {
		return nil, datatypes.RelationshipCounts{}, fmt.Errorf("traversing %s -> %s: %w",
			query.SourceType, query.TargetType, err)
	}
	counts := datatypes.RelationshipCounts{
		Returned:     len(result.Results),
		TotalMatched: result.TotalCount,
		HasMore:      result.HasMore || result.TotalCount > len(result.Results),
	}
	return result.Results, counts, nil
}

// traverseTwoStep walks company -> contacts -> activities.
//
// Step one collects the company's contact IDs (capped). Step two fans out
// one activity query per contact with bounded concurrency. Partial pages
// are merged newest-first; totals sum the per-contact server counts so
// hasMore stays truthful even when the merge is cut at the cap.
func (e *RelationshipEngine) traverseTwoStep(ctx context.Context, companyID string, query datatypes.RelationshipQuery) ([]crm.Record, datatypes.RelationshipCounts, error) {
	contacts, err := e.crm.Related(ctx, crm.RelatedRequest{
		SourceTable: datatypes.EntityCompany.TableName(),
		SourceID:    companyID,
		TargetTable: datatypes.EntityContact.TableName(),
		Top:         maxIntermediateIDs,
	})
	if err != nil {
		return nil, datatypes.RelationshipCounts{}, fmt.Errorf("collecting contacts of company %s: %w", companyID, err)
	}
	if len(contacts.Results) == 0 {
		return nil, datatypes.RelationshipCounts{}, nil
	}

	var (
		mu         sync.Mutex
		merged     []crm.Record
		totalCount int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(twoStepConcurrency)
	for _, contact := range contacts.Results {
		contactID := contact.ID()
		if contactID == "" {
			continue
		}
		group.Go(func() error {
			page, err := e.crm.Related(groupCtx, crm.RelatedRequest{
				SourceTable: datatypes.EntityContact.TableName(),
				SourceID:    contactID,
				TargetTable: datatypes.EntityActivity.TableName(),
				DateFrom:    query.DateFrom,
				DateTo:      query.DateTo,
				Top:         perIntermediateTop,
			})
			if err != nil {
				return fmt.Errorf("activities of contact %s: %w", contactID, err)
			}
			mu.Lock()
			merged = append(merged, page.Results...)
			totalCount += page.TotalCount
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, datatypes.RelationshipCounts{}, err
	}

	sortRecordsByDateDesc(merged)
	returned := merged
	if len(returned) > maxTraversalRecords {
		returned = returned[:maxTraversalRecords]
	}
	counts := datatypes.RelationshipCounts{
		Returned:     len(returned),
		TotalMatched: totalCount,
		HasMore:      totalCount > len(returned),
	}
	return returned, counts, nil
}

// sortRecordsByDateDesc orders merged records newest-first by their
// scheduling or creation stamp. Records without either sort last; relative
// order of equals is preserved.
func sortRecordsByDateDesc(records []crm.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return recordStamp(records[i]) > recordStamp(records[j])
	})
}

// recordStamp reads the best available ISO timestamp string; ISO order is
// lexical order, so string comparison sorts correctly.
func recordStamp(record crm.Record) string {
	for _, field := range []string{"scheduledstart", "createdon", "modifiedon"} {
		if v := record.GetString(field); v != "" {
			return v
		}
	}
	return ""
}

// summarizeRecord projects a record onto the target type's summary columns.
// Missing columns are simply absent from the row.
func summarizeRecord(targetType datatypes.EntityType, record crm.Record) map[string]any {
	columns, ok := summaryColumns[targetType]
	if !ok {
		return CleanRecord(record)
	}
	row := make(map[string]any, len(columns))
	for _, column := range columns {
		value, present := record[column]
		if !present {
			continue
		}
		if cleaned, keep := cleanValue(value); keep {
			row[column] = cleaned
		}
	}
	return row
}
