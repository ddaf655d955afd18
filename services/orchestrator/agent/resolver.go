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
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianCRM/pkg/validation"
	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// numericPattern recognizes account-number style references.
var numericPattern = regexp.MustCompile(`^[0-9]+$`)

// resolveCandidateLimit bounds how many records a name lookup fetches.
const resolveCandidateLimit = 10

// nameFields maps each entity type to its display-name column.
var nameFields = map[datatypes.EntityType]string{
	datatypes.EntityCompany:     "name",
	datatypes.EntityContact:     "fullname",
	datatypes.EntityOpportunity: "name",
	datatypes.EntityActivity:    "subject",
	datatypes.EntityNote:        "subject",
}

// EntityCandidate is one possible match for a name reference.
type EntityCandidate struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ActivityCount int     `json:"activity_count,omitempty"`
	Exact         bool    `json:"-"`
	Score         float64 `json:"score,omitempty"`
}

// SemanticMatcher finds entities whose names relate to a reference by
// meaning rather than spelling. The resolution service implements it over
// the semantic index; a nil matcher disables the secondary pass.
type SemanticMatcher interface {
	MatchEntities(ctx context.Context, entityType datatypes.EntityType, name string, limit int) ([]EntityCandidate, error)
}

// Resolution is the outcome of resolving one entity reference.
//
// When several records matched, Candidates lists the runners-up and Note
// carries a model-facing sentence naming the interpretation taken, so the
// model can mention the alternatives instead of silently guessing.
type Resolution struct {
	ID         string
	Name       string
	Candidates []EntityCandidate
	Note       string
}

// EntityResolver turns model-supplied entity references into record IDs.
//
// # Description
//
// The model addresses records three ways, tried in order:
//
//  1. GUID-shaped references are taken as record IDs directly, no query.
//  2. All-digit references are account-number style and must match exactly;
//     a near miss is not a match.
//  3. Anything else is a name: exact case-insensitive matches win, then
//     substring matches, optionally merged with semantic matches from the
//     resolution index. Ties break toward the record with the most recorded
//     activity.
//
// # Thread Safety
//
// Safe for concurrent use; the resolver holds no per-call state.
type EntityResolver struct {
	crm      crm.Client
	semantic SemanticMatcher
}

// NewEntityResolver creates a resolver.
//
// # Inputs
//
//   - client: CRM read client. Required.
//   - semantic: Secondary semantic matcher. May be nil.
func NewEntityResolver(client crm.Client, semantic SemanticMatcher) *EntityResolver {
	return &EntityResolver{crm: client, semantic: semantic}
}

// Resolve maps a reference to a record ID for the given entity type.
//
// # Outputs
//
//   - *Resolution: The chosen record, with candidates when ambiguous.
//   - error: ErrEntityNotFound when nothing matched; transport errors pass
//     through wrapped.
func (r *EntityResolver) Resolve(ctx context.Context, entityType datatypes.EntityType, ref string) (*Resolution, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty %s reference", ErrEntityNotFound, entityType)
	}

	if validation.IsGUID(ref) {
		return &Resolution{ID: strings.ToLower(ref)}, nil
	}
	if numericPattern.MatchString(ref) {
		return r.resolveNumeric(ctx, entityType, ref)
	}
	return r.resolveName(ctx, entityType, ref)
}

// resolveNumeric handles account-number style references. These identify a
// single record or nothing; fuzzy matching a number would silently swap
// customers.
func (r *EntityResolver) resolveNumeric(ctx context.Context, entityType datatypes.EntityType, ref string) (*Resolution, error) {
	result, err := r.crm.Query(ctx, crm.QueryRequest{
		Table: entityType.TableName(),
		Query: ref,
		Top:   resolveCandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving %s %q: %w", entityType, ref, err)
	}
	for _, record := range result.Results {
		if record.GetString("accountnumber") == ref || record.GetString("recordnumber") == ref {
			return &Resolution{ID: record.ID(), Name: displayName(entityType, record)}, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s with number %q (numeric references must match exactly)",
		ErrEntityNotFound, entityType, ref)
}

// resolveName handles display-name references.
func (r *EntityResolver) resolveName(ctx context.Context, entityType datatypes.EntityType, ref string) (*Resolution, error) {
	result, err := r.crm.Query(ctx, crm.QueryRequest{
		Table: entityType.TableName(),
		Query: ref,
		Top:   resolveCandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving %s %q: %w", entityType, ref, err)
	}

	candidates := collectCandidates(entityType, ref, result.Results)

	// Secondary pass: semantic matches catch renamed or misremembered
	// entities. Failures degrade to lexical-only resolution.
	if r.semantic != nil {
		semantic, err := r.semantic.MatchEntities(ctx, entityType, ref, resolveCandidateLimit)
		if err != nil {
			slog.Warn("semantic entity match failed; using lexical matches only",
				"entity_type", entityType, "error", err)
		} else {
			candidates = mergeCandidates(candidates, semantic)
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no %s matching %q", ErrEntityNotFound, entityType, ref)
	}

	rankCandidates(candidates)
	best := candidates[0]
	res := &Resolution{ID: best.ID, Name: best.Name}
	if len(candidates) > 1 {
		res.Candidates = candidates[1:]
		res.Note = candidatesNote(ref, best, res.Candidates)
	}
	return res, nil
}

// collectCandidates partitions query hits into exact and substring matches.
// Records matching neither way (the backend may match on other columns) are
// kept as weak candidates only when nothing better exists.
func collectCandidates(entityType datatypes.EntityType, ref string, records []crm.Record) []EntityCandidate {
	var exact, substr, weak []EntityCandidate
	lowRef := strings.ToLower(ref)
	for _, record := range records {
		name := displayName(entityType, record)
		id := record.ID()
		if id == "" {
			continue
		}
		candidate := EntityCandidate{
			ID:            id,
			Name:          name,
			ActivityCount: activityMetric(record),
		}
		lowName := strings.ToLower(name)
		switch {
		case lowName == lowRef:
			candidate.Exact = true
			exact = append(exact, candidate)
		case strings.Contains(lowName, lowRef):
			substr = append(substr, candidate)
		default:
			weak = append(weak, candidate)
		}
	}
	if len(exact) > 0 || len(substr) > 0 {
		return append(exact, substr...)
	}
	return weak
}

// mergeCandidates unions semantic matches into the lexical list, deduplicating
// by record ID. Lexical entries win on conflict; they carry the exact flag.
func mergeCandidates(lexical, semantic []EntityCandidate) []EntityCandidate {
	seen := make(map[string]bool, len(lexical))
	for _, c := range lexical {
		seen[c.ID] = true
	}
	out := lexical
	for _, c := range semantic {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

// rankCandidates orders candidates best-first: exact case-insensitive name
// matches, then the highest activity metric, then semantic score.
func rankCandidates(candidates []EntityCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Exact != candidates[j].Exact {
			return candidates[i].Exact
		}
		if candidates[i].ActivityCount != candidates[j].ActivityCount {
			return candidates[i].ActivityCount > candidates[j].ActivityCount
		}
		return candidates[i].Score > candidates[j].Score
	})
}

// candidatesNote builds the model-facing ambiguity sentence.
func candidatesNote(ref string, best EntityCandidate, others []EntityCandidate) string {
	names := make([]string, 0, len(others))
	for _, c := range others {
		names = append(names, c.Name)
	}
	const maxListed = 4
	if len(names) > maxListed {
		names = append(names[:maxListed], fmt.Sprintf("and %d more", len(others)-maxListed))
	}
	return fmt.Sprintf("Interpreted %q as %s. Other possible matches: %s.",
		ref, best.Name, strings.Join(names, ", "))
}

// displayName reads the type's display-name column from a record.
func displayName(entityType datatypes.EntityType, record crm.Record) string {
	if field, ok := nameFields[entityType]; ok {
		if name := record.GetString(field); name != "" {
			return name
		}
	}
	return record.GetString("name")
}

// activityMetric reads the ranking metric from a record. Zero when the
// column is absent from the projection.
func activityMetric(record crm.Record) int {
	for _, field := range []string{"activitycount", "opencount", "opportunitycount"} {
		if v, ok := record.GetFloat(field); ok {
			return int(v)
		}
	}
	return 0
}
