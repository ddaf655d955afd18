// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// MatcherConfig configures semantic search behavior.
type MatcherConfig struct {
	// CertaintyFloor drops hits whose certainty falls below this value (0-1).
	CertaintyFloor float64

	// FetchMultiplier over-fetches by this factor before deduplication,
	// so chunked notes still yield the requested number of distinct hits.
	FetchMultiplier int

	// SnippetLength caps note snippet size in characters.
	SnippetLength int

	// DefaultLimit applies when a caller passes limit <= 0.
	DefaultLimit int
}

// DefaultMatcherConfig returns sensible defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		CertaintyFloor:  0.55,
		FetchMultiplier: 3,
		SnippetLength:   240,
		DefaultLimit:    10,
	}
}

// validateMatcherConfig replaces out-of-range values with defaults.
func validateMatcherConfig(config MatcherConfig) MatcherConfig {
	defaults := DefaultMatcherConfig()

	if config.CertaintyFloor < 0 || config.CertaintyFloor >= 1 {
		slog.Warn("Invalid CertaintyFloor, using default",
			"provided", config.CertaintyFloor,
			"default", defaults.CertaintyFloor)
		config.CertaintyFloor = defaults.CertaintyFloor
	}

	if config.FetchMultiplier < 1 {
		slog.Warn("Invalid FetchMultiplier, using default",
			"provided", config.FetchMultiplier,
			"default", defaults.FetchMultiplier)
		config.FetchMultiplier = defaults.FetchMultiplier
	}

	if config.SnippetLength < 40 {
		slog.Warn("Invalid SnippetLength, using default",
			"provided", config.SnippetLength,
			"default", defaults.SnippetLength)
		config.SnippetLength = defaults.SnippetLength
	}

	if config.DefaultLimit < 1 {
		slog.Warn("Invalid DefaultLimit, using default",
			"provided", config.DefaultLimit,
			"default", defaults.DefaultLimit)
		config.DefaultLimit = defaults.DefaultLimit
	}

	return config
}

// Matcher answers semantic lookups against the CRM index.
//
// # Description
//
// Matcher implements both secondary entity-name matching for the resolver
// and note search for the search_notes tool. Queries run as NearText
// searches; the Weaviate deployment's text2vec module embeds the query
// server-side, so this type never calls an embedding service.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying Weaviate client is thread-safe
// and Matcher holds no mutable state.
type Matcher struct {
	client *weaviate.Client
	config MatcherConfig
}

var _ agent.SemanticMatcher = (*Matcher)(nil)
var _ agent.NotesSearcher = (*Matcher)(nil)

// NewMatcher creates a matcher with default configuration.
//
// # Inputs
//
//   - client: Weaviate client. Must not be nil.
//
// # Outputs
//
//   - *Matcher: The configured matcher
//   - error: Non-nil if client is nil
func NewMatcher(client *weaviate.Client) (*Matcher, error) {
	return NewMatcherWithConfig(client, DefaultMatcherConfig())
}

// NewMatcherWithConfig creates a matcher with custom configuration.
// Out-of-range config values fall back to defaults with a warning.
func NewMatcherWithConfig(client *weaviate.Client, config MatcherConfig) (*Matcher, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	return &Matcher{
		client: client,
		config: validateMatcherConfig(config),
	}, nil
}

// MatchEntities finds indexed entities whose names relate to the reference.
//
// # Description
//
//	Runs a NearText search over the CrmEntity class filtered to the given
//	entity type. Hits below the certainty floor are dropped; survivors are
//	returned best-first with certainty carried as the candidate score. The
//	resolver merges these with its lexical matches and does final ranking.
//
// # Inputs
//
//	ctx - Context for cancellation
//	entityType - Record family to search within
//	name - The reference to match. Must not be empty.
//	limit - Maximum candidates to return; <= 0 uses the configured default
//
// # Outputs
//
//	[]agent.EntityCandidate - Matching entities, best first
//	error - Non-nil if the search fails
func (m *Matcher) MatchEntities(ctx context.Context, entityType datatypes.EntityType, name string, limit int) ([]agent.EntityCandidate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}
	if limit <= 0 {
		limit = m.config.DefaultLimit
	}

	where := filters.Where().
		WithPath([]string{"entity_type"}).
		WithOperator(filters.Equal).
		WithValueString(string(entityType))

	nearText := m.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{name})

	fields := []graphql.Field{
		{Name: "entity_type"},
		{Name: "record_id"},
		{Name: "name"},
		{Name: "activity_count"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	resp, err := m.client.GraphQL().Get().
		WithClassName(EntityClassName).
		WithFields(fields...).
		WithWhere(where).
		WithNearText(nearText).
		WithLimit(limit * m.config.FetchMultiplier).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("entity search: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("entity search error: %s", resp.Errors[0].Message)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.EntityQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("parsing entity search response: %w", err)
	}

	candidates := entityCandidates(parsed.Get.CrmEntity, name, m.config.CertaintyFloor)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	slog.Debug("Semantic entity match",
		"entity_type", entityType,
		"name", name,
		"count", len(candidates))

	return candidates, nil
}

// SearchNotes finds note chunks relevant to the query.
//
// # Description
//
//	Runs a NearText search over the CrmNote class and collapses chunk hits
//	back into whole notes: when several chunks of one note match, only the
//	best-scoring chunk survives and supplies the snippet.
//
// # Inputs
//
//	ctx - Context for cancellation
//	query - Free-text search query. Must not be empty.
//	limit - Maximum notes to return; <= 0 uses the configured default
//
// # Outputs
//
//	[]agent.NoteHit - Matching notes, best first
//	error - Non-nil if the search fails
func (m *Matcher) SearchNotes(ctx context.Context, query string, limit int) ([]agent.NoteHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if limit <= 0 {
		limit = m.config.DefaultLimit
	}

	nearText := m.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "note_id"},
		{Name: "subject"},
		{Name: "content"},
		{Name: "record_type"},
		{Name: "record_id"},
		{Name: "created_on"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	resp, err := m.client.GraphQL().Get().
		WithClassName(NoteClassName).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit * m.config.FetchMultiplier).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("note search: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("note search error: %s", resp.Errors[0].Message)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.NoteQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("parsing note search response: %w", err)
	}

	hits := collapseNoteChunks(parsed.Get.CrmNote, m.config.CertaintyFloor, m.config.SnippetLength)
	if len(hits) > limit {
		hits = hits[:limit]
	}

	slog.Debug("Semantic note search", "query", query, "count", len(hits))

	return hits, nil
}

// ===== Result Shaping =====

// entityCandidates converts raw entity hits into resolver candidates.
// Hits below the certainty floor are dropped. Exact is set for
// case-insensitive name equality so the resolver's ranking can prefer it.
func entityCandidates(results []datatypes.EntityResult, name string, floor float64) []agent.EntityCandidate {
	lowRef := strings.ToLower(strings.TrimSpace(name))

	candidates := make([]agent.EntityCandidate, 0, len(results))
	for _, result := range results {
		if result.RecordID == "" {
			continue
		}
		score := certaintyScore(result.Additional.Certainty)
		if score < floor {
			continue
		}
		candidate := agent.EntityCandidate{
			ID:    result.RecordID,
			Name:  result.Name,
			Exact: strings.ToLower(result.Name) == lowRef,
			Score: score,
		}
		if result.ActivityCount != nil {
			candidate.ActivityCount = *result.ActivityCount
		}
		candidates = append(candidates, candidate)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Exact != candidates[j].Exact {
			return candidates[i].Exact
		}
		return candidates[i].Score > candidates[j].Score
	})

	return candidates
}

// collapseNoteChunks deduplicates chunk hits by note ID, keeping the
// best-scoring chunk of each note, and trims its content into a snippet.
func collapseNoteChunks(results []datatypes.NoteResult, floor float64, snippetLength int) []agent.NoteHit {
	best := make(map[string]agent.NoteHit, len(results))
	order := make([]string, 0, len(results))

	for _, result := range results {
		if result.NoteID == "" {
			continue
		}
		score := certaintyScore(result.Additional.Certainty)
		if score < floor {
			continue
		}
		hit := agent.NoteHit{
			ID:         result.NoteID,
			Subject:    result.Subject,
			Snippet:    makeSnippet(result.Content, snippetLength),
			RecordType: result.RecordType,
			RecordID:   result.RecordID,
			CreatedOn:  result.CreatedOn,
			Score:      score,
		}
		existing, seen := best[result.NoteID]
		if !seen {
			best[result.NoteID] = hit
			order = append(order, result.NoteID)
			continue
		}
		if hit.Score > existing.Score {
			best[result.NoteID] = hit
		}
	}

	hits := make([]agent.NoteHit, 0, len(best))
	for _, id := range order {
		hits = append(hits, best[id])
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	return hits
}

// makeSnippet trims content to at most max characters, breaking on a word
// boundary when one falls in the last fifth of the budget.
func makeSnippet(content string, max int) string {
	content = strings.Join(strings.Fields(content), " ")
	if len(content) <= max {
		return content
	}

	cut := content[:max]
	if idx := strings.LastIndex(cut, " "); idx > max*4/5 {
		cut = cut[:idx]
	}
	return cut + "..."
}

// certaintyScore converts Weaviate's optional certainty to a float64 score.
// A missing certainty scores 0 so the floor filters it out.
func certaintyScore(certainty *float32) float64 {
	if certainty == nil {
		return 0
	}
	return float64(*certainty)
}
