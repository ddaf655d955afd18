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
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// IndexerConfig configures index rebuild behavior.
type IndexerConfig struct {
	// BatchSize is the number of objects per Weaviate batch import.
	BatchSize int

	// PageSize is the number of records per CRM query page.
	PageSize int

	// ChunkSize is the note chunk size in characters.
	ChunkSize int

	// ChunkOverlap is the character overlap between adjacent note chunks.
	ChunkOverlap int
}

// DefaultIndexerConfig returns sensible defaults.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		BatchSize:    100,
		PageSize:     500,
		ChunkSize:    1000,
		ChunkOverlap: 150,
	}
}

// validateIndexerConfig replaces out-of-range values with defaults.
func validateIndexerConfig(config IndexerConfig) IndexerConfig {
	defaults := DefaultIndexerConfig()

	if config.BatchSize < 1 {
		slog.Warn("Invalid BatchSize, using default",
			"provided", config.BatchSize, "default", defaults.BatchSize)
		config.BatchSize = defaults.BatchSize
	}
	if config.PageSize < 1 {
		slog.Warn("Invalid PageSize, using default",
			"provided", config.PageSize, "default", defaults.PageSize)
		config.PageSize = defaults.PageSize
	}
	if config.ChunkSize < 100 {
		slog.Warn("Invalid ChunkSize, using default",
			"provided", config.ChunkSize, "default", defaults.ChunkSize)
		config.ChunkSize = defaults.ChunkSize
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		slog.Warn("Invalid ChunkOverlap, using default",
			"provided", config.ChunkOverlap, "default", defaults.ChunkOverlap)
		config.ChunkOverlap = defaults.ChunkOverlap
	}

	return config
}

// IndexStats summarizes one indexing run.
type IndexStats struct {
	// Fetched counts CRM records read.
	Fetched int

	// Objects counts index objects built (chunking can exceed Fetched).
	Objects int

	// Indexed counts objects Weaviate accepted.
	Indexed int
}

// cardFields maps each indexable entity type to the columns that make up its
// name card. Name is the display name; the description columns are joined
// into one short line that helps disambiguate similar names.
var cardFields = map[datatypes.EntityType]struct {
	name        string
	description []string
}{
	datatypes.EntityCompany:     {name: "name", description: []string{"industry", "address1_city"}},
	datatypes.EntityContact:     {name: "fullname", description: []string{"jobtitle", "address1_city"}},
	datatypes.EntityOpportunity: {name: "name", description: []string{"stepname"}},
}

// activityFields are tried in order for the candidate-ranking metric.
var activityFields = []string{"activitycount", "opencount", "opportunitycount"}

// Indexer rebuilds the semantic index from CRM data.
//
// # Description
//
// Indexer pages through CRM tables and writes name cards and note chunks
// into Weaviate. Only display columns reach the index; restricted or
// internal columns are never read, so the index carries nothing a
// restriction could later need to hide.
//
// # Thread Safety
//
// Not safe for concurrent use. Run one indexing pass at a time.
type Indexer struct {
	client   *weaviate.Client
	crm      crm.Client
	config   IndexerConfig
	splitter textsplitter.TextSplitter
	now      func() time.Time
}

// NewIndexer creates an indexer with default configuration.
//
// # Inputs
//
//   - client: Weaviate client. Must not be nil.
//   - crmClient: CRM read client. Must not be nil.
//
// # Outputs
//
//   - *Indexer: The configured indexer
//   - error: Non-nil if either client is nil
func NewIndexer(client *weaviate.Client, crmClient crm.Client) (*Indexer, error) {
	return NewIndexerWithConfig(client, crmClient, DefaultIndexerConfig())
}

// NewIndexerWithConfig creates an indexer with custom configuration.
// Out-of-range config values fall back to defaults with a warning.
func NewIndexerWithConfig(client *weaviate.Client, crmClient crm.Client, config IndexerConfig) (*Indexer, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if crmClient == nil {
		return nil, errors.New("crm client must not be nil")
	}
	config = validateIndexerConfig(config)
	return &Indexer{
		client: client,
		crm:    crmClient,
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
		),
		now: time.Now,
	}, nil
}

// IndexEntities rebuilds name cards for one entity type.
//
// # Description
//
//	Pages through the type's CRM table and writes one CrmEntity card per
//	record. Object IDs derive deterministically from the record ID, so
//	re-running replaces cards in place instead of duplicating them.
//
// # Inputs
//
//	ctx - Context for cancellation
//	entityType - One of company, contact, opportunity
//
// # Outputs
//
//	IndexStats - Counts of records read and cards written
//	error - Non-nil if the type is not indexable or a fetch/import fails
func (ix *Indexer) IndexEntities(ctx context.Context, entityType datatypes.EntityType) (IndexStats, error) {
	var stats IndexStats

	fields, ok := cardFields[entityType]
	if !ok {
		return stats, fmt.Errorf("entity type %q has no name cards (notes are indexed separately)", entityType)
	}

	indexedAt := ix.now().UnixMilli()
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err := ix.crm.Query(ctx, crm.QueryRequest{
			Table:  entityType.TableName(),
			Top:    ix.config.PageSize,
			Cursor: cursor,
		})
		if err != nil {
			return stats, fmt.Errorf("fetching %s page: %w", entityType, err)
		}
		if len(page.Results) == 0 {
			break
		}
		stats.Fetched += len(page.Results)

		objects := make([]*models.Object, 0, len(page.Results))
		for _, record := range page.Results {
			if obj := buildEntityObject(entityType, fields.name, fields.description, record, indexedAt); obj != nil {
				objects = append(objects, obj)
			}
		}
		stats.Objects += len(objects)

		indexed, err := ix.importObjects(ctx, objects)
		stats.Indexed += indexed
		if err != nil {
			return stats, err
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	slog.Info("Indexed entity cards",
		"entity_type", entityType,
		"fetched", stats.Fetched,
		"indexed", stats.Indexed)

	return stats, nil
}

// IndexNotes rebuilds the note chunk index.
//
// # Description
//
//	Pages through the note table, splits each note body into chunks, and
//	writes one CrmNote object per chunk. Chunk object IDs derive from the
//	note ID and chunk position, so re-running replaces chunks in place.
//
// # Outputs
//
//	IndexStats - Counts of notes read and chunks written
//	error - Non-nil if a fetch or import fails
func (ix *Indexer) IndexNotes(ctx context.Context) (IndexStats, error) {
	var stats IndexStats

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err := ix.crm.Query(ctx, crm.QueryRequest{
			Table:  datatypes.EntityNote.TableName(),
			Top:    ix.config.PageSize,
			Cursor: cursor,
		})
		if err != nil {
			return stats, fmt.Errorf("fetching note page: %w", err)
		}
		if len(page.Results) == 0 {
			break
		}
		stats.Fetched += len(page.Results)

		var objects []*models.Object
		for _, record := range page.Results {
			chunks, err := ix.splitNote(record)
			if err != nil {
				slog.Warn("Failed to split note, skipping", "note_id", record.ID(), "error", err)
				continue
			}
			objects = append(objects, chunks...)
		}
		stats.Objects += len(objects)

		indexed, err := ix.importObjects(ctx, objects)
		stats.Indexed += indexed
		if err != nil {
			return stats, err
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	slog.Info("Indexed note chunks",
		"notes", stats.Fetched,
		"chunks", stats.Objects,
		"indexed", stats.Indexed)

	return stats, nil
}

// splitNote chunks one note record into CrmNote objects.
func (ix *Indexer) splitNote(record crm.Record) ([]*models.Object, error) {
	noteID := record.ID()
	if noteID == "" {
		return nil, nil
	}

	body := strings.TrimSpace(record.GetString("notetext"))
	subject := record.GetString("subject")
	if body == "" && subject == "" {
		return nil, nil
	}

	chunks := []string{body}
	if len(body) > ix.config.ChunkSize {
		split, err := ix.splitter.SplitText(body)
		if err != nil {
			return nil, fmt.Errorf("splitting note body: %w", err)
		}
		if len(split) > 0 {
			chunks = split
		}
	}

	indexedAt := ix.now().UnixMilli()
	objects := make([]*models.Object, 0, len(chunks))
	for i, chunk := range chunks {
		props := datatypes.NoteProperties{
			NoteID:     noteID,
			Subject:    subject,
			Content:    chunk,
			RecordType: record.GetString("objecttypecode"),
			RecordID:   record.GetString("_objectid_value"),
			CreatedOn:  record.GetString("createdon"),
			ChunkIndex: i,
			IndexedAt:  indexedAt,
		}
		objects = append(objects, &models.Object{
			Class:      NoteClassName,
			ID:         deterministicID(NoteClassName, noteID, fmt.Sprintf("%d", i)),
			Properties: props.ToMap(),
		})
	}
	return objects, nil
}

// importObjects batch-imports objects and counts Weaviate's acceptances.
func (ix *Indexer) importObjects(ctx context.Context, objects []*models.Object) (int, error) {
	indexed := 0

	for i := 0; i < len(objects); i += ix.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}

		end := i + ix.config.BatchSize
		if end > len(objects) {
			end = len(objects)
		}

		result, err := ix.client.Batch().ObjectsBatcher().WithObjects(objects[i:end]...).Do(ctx)
		if err != nil {
			return indexed, fmt.Errorf("batch import failed: %w", err)
		}

		for _, item := range result {
			if item.Result != nil && item.Result.Errors == nil {
				indexed++
				continue
			}
			if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
				slog.Warn("Weaviate rejected object", "error", item.Result.Errors.Error[0].Message)
			}
		}
	}

	return indexed, nil
}

// buildEntityObject converts one CRM record into a CrmEntity object.
// Returns nil when the record has no ID or no display name.
func buildEntityObject(entityType datatypes.EntityType, nameField string, descriptionFields []string, record crm.Record, indexedAt int64) *models.Object {
	id := record.ID()
	if id == "" {
		return nil
	}
	name := record.GetString(nameField)
	if name == "" {
		return nil
	}

	var parts []string
	for _, field := range descriptionFields {
		if v := record.GetString(field); v != "" {
			parts = append(parts, v)
		}
	}

	activity := 0
	for _, field := range activityFields {
		if v, ok := record.GetFloat(field); ok {
			activity = int(v)
			break
		}
	}

	props := datatypes.EntityProperties{
		EntityType:    string(entityType),
		RecordID:      id,
		Name:          name,
		Description:   strings.Join(parts, ", "),
		ActivityCount: activity,
		IndexedAt:     indexedAt,
	}

	return &models.Object{
		Class:      EntityClassName,
		ID:         deterministicID(EntityClassName, string(entityType), id),
		Properties: props.ToMap(),
	}
}

// deterministicID derives a stable Weaviate UUID from object identity, so
// reindexing replaces objects instead of duplicating them.
func deterministicID(parts ...string) strfmt.UUID {
	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))
	objectUUID, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(objectUUID.String())
}
