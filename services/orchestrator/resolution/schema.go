// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolution maintains the semantic index over CRM records and
// answers meaning-based lookups against it: fuzzy entity-name matching for
// the resolver's secondary pass, and full-text note search for search_notes.
//
// The index lives in two Weaviate classes. CrmEntity holds one compact name
// card per CRM record (name plus a short descriptive line); CrmNote holds
// note bodies split into chunks so long notes stay retrievable. Both classes
// vectorize server-side via text2vec-transformers, so no embedding call
// happens on the query path.
package resolution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// EntityClassName is the Weaviate class name for entity name cards.
const EntityClassName = "CrmEntity"

// NoteClassName is the Weaviate class name for note chunks.
const NoteClassName = "CrmNote"

// GetEntitySchema returns the Weaviate schema for the CrmEntity class.
//
// Description:
//
//	Defines the class holding one searchable name card per CRM record.
//	Only name and description are vectorized; identifiers and counters
//	are filterable metadata.
//
// Outputs:
//
//	*models.Class - The Weaviate class definition
func GetEntitySchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	return &models.Class{
		Class:       EntityClassName,
		Description: "Searchable name cards for CRM records (companies, contacts, opportunities)",
		Vectorizer:  "text2vec-transformers",
		ModuleConfig: map[string]interface{}{
			"text2vec-transformers": map[string]interface{}{
				"vectorizeClassName": false,
			},
		},
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "entity_type",
				DataType:        []string{"text"},
				Description:     "Record family: company, contact, opportunity",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:            "record_id",
				DataType:        []string{"text"},
				Description:     "CRM record identifier (GUID)",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:            "name",
				DataType:        []string{"text"},
				Description:     "Display name of the record",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
				// Name is vectorized for fuzzy matching
			},
			{
				Name:            "description",
				DataType:        []string{"text"},
				Description:     "Short descriptive line (industry, city, role)",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
				// Description is vectorized to disambiguate similar names
			},
			{
				Name:        "activity_count",
				DataType:    []string{"int"},
				Description: "Recent activity volume, used to rank candidates",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:        "indexed_at",
				DataType:    []string{"int"},
				Description: "Unix millis when this card was last written",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
		},
	}
}

// GetNoteSchema returns the Weaviate schema for the CrmNote class.
//
// Description:
//
//	Defines the class holding note bodies split into chunks. Subject and
//	content are vectorized; the owning record reference is filterable
//	metadata so hits can be traced back to CRM records.
//
// Outputs:
//
//	*models.Class - The Weaviate class definition
func GetNoteSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	return &models.Class{
		Class:       NoteClassName,
		Description: "CRM note bodies split into retrievable chunks",
		Vectorizer:  "text2vec-transformers",
		ModuleConfig: map[string]interface{}{
			"text2vec-transformers": map[string]interface{}{
				"vectorizeClassName": false,
			},
		},
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "note_id",
				DataType:        []string{"text"},
				Description:     "CRM note identifier; shared by all chunks of one note",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:            "subject",
				DataType:        []string{"text"},
				Description:     "Note subject line",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
				// Subject is vectorized together with content
			},
			{
				Name:            "content",
				DataType:        []string{"text"},
				Description:     "One chunk of the note body",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
				// Content is the primary vectorized field
			},
			{
				Name:            "record_type",
				DataType:        []string{"text"},
				Description:     "Entity type of the record the note is attached to",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:            "record_id",
				DataType:        []string{"text"},
				Description:     "Identifier of the record the note is attached to",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:            "created_on",
				DataType:        []string{"text"},
				Description:     "Note creation timestamp as reported by the CRM",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:        "chunk_index",
				DataType:    []string{"int"},
				Description: "Position of this chunk within the note body",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:        "indexed_at",
				DataType:    []string{"int"},
				Description: "Unix millis when this chunk was written",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
		},
	}
}

// EnsureSchema creates the CrmEntity and CrmNote classes if they don't exist.
//
// Description:
//
//	Checks each class and creates it when missing. This operation is
//	idempotent and safe to run on every service start.
//
// Inputs:
//
//	ctx - Context for cancellation
//	client - Weaviate client
//
// Outputs:
//
//	error - Non-nil if schema creation fails
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	for _, schema := range []*models.Class{GetEntitySchema(), GetNoteSchema()} {
		_, err := client.Schema().ClassGetter().WithClassName(schema.Class).Do(ctx)
		if err == nil {
			slog.Info("Schema already exists", "class", schema.Class)
			continue
		}

		slog.Info("Creating schema", "class", schema.Class)
		if err := client.Schema().ClassCreator().WithClass(schema).Do(ctx); err != nil {
			return fmt.Errorf("creating %s schema: %w", schema.Class, err)
		}
	}

	return nil
}

// DeleteSchema removes both index classes and all their objects.
//
// Description:
//
//	Drops the CrmEntity and CrmNote classes entirely. Use with caution -
//	this is irreversible. A full reindex must follow.
//
// Inputs:
//
//	ctx - Context for cancellation
//	client - Weaviate client
//
// Outputs:
//
//	error - Non-nil if deletion fails
func DeleteSchema(ctx context.Context, client *weaviate.Client) error {
	for _, class := range []string{EntityClassName, NoteClassName} {
		if err := client.Schema().ClassDeleter().WithClassName(class).Do(ctx); err != nil {
			return fmt.Errorf("deleting %s schema: %w", class, err)
		}
		slog.Info("Schema deleted", "class", class)
	}
	return nil
}
