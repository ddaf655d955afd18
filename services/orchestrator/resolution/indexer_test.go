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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// indexCRM is a minimal crm.Client for indexer tests. Only Query is scripted.
type indexCRM struct {
	queryFn func(ctx context.Context, req crm.QueryRequest) (*crm.QueryResult, error)
}

func (c *indexCRM) Query(ctx context.Context, req crm.QueryRequest) (*crm.QueryResult, error) {
	if c.queryFn != nil {
		return c.queryFn(ctx, req)
	}
	return &crm.QueryResult{}, nil
}

func (c *indexCRM) Get(ctx context.Context, table, id string) (crm.Record, error) {
	return crm.Record{"id": id}, nil
}

func (c *indexCRM) Related(ctx context.Context, req crm.RelatedRequest) (*crm.QueryResult, error) {
	return &crm.QueryResult{}, nil
}

func (c *indexCRM) Aggregate(ctx context.Context, req crm.AggregateRequest) (*crm.AggregateResult, error) {
	return &crm.AggregateResult{}, nil
}

func (c *indexCRM) Count(ctx context.Context, req crm.CountRequest) (int, error) {
	return 0, nil
}

func (c *indexCRM) Health(ctx context.Context) error { return nil }

func newTestIndexer(t *testing.T, config IndexerConfig) *Indexer {
	t.Helper()
	client, err := weaviate.NewClient(weaviate.Config{Host: "localhost:8080", Scheme: "http"})
	require.NoError(t, err)
	indexer, err := NewIndexerWithConfig(client, &indexCRM{}, config)
	require.NoError(t, err)
	return indexer
}

func TestBuildEntityObject(t *testing.T) {
	t.Run("builds a company card with joined description", func(t *testing.T) {
		record := crm.Record{
			"id":            "co-1",
			"name":          "Acme Corp",
			"industry":      "Software",
			"address1_city": "Seattle",
			"activitycount": float64(17),
		}

		obj := buildEntityObject(datatypes.EntityCompany, "name", []string{"industry", "address1_city"}, record, 1234)

		require.NotNil(t, obj)
		assert.Equal(t, EntityClassName, obj.Class)
		props, ok := obj.Properties.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "company", props["entity_type"])
		assert.Equal(t, "co-1", props["record_id"])
		assert.Equal(t, "Acme Corp", props["name"])
		assert.Equal(t, "Software, Seattle", props["description"])
		assert.Equal(t, 17, props["activity_count"])
		assert.Equal(t, int64(1234), props["indexed_at"])
	})

	t.Run("id is deterministic so reindex replaces in place", func(t *testing.T) {
		record := crm.Record{"id": "co-1", "name": "Acme"}

		first := buildEntityObject(datatypes.EntityCompany, "name", nil, record, 1)
		second := buildEntityObject(datatypes.EntityCompany, "name", nil, record, 2)
		other := buildEntityObject(datatypes.EntityCompany, "name",
			nil, crm.Record{"id": "co-2", "name": "Acme"}, 1)

		require.NotNil(t, first)
		require.NotNil(t, second)
		require.NotNil(t, other)
		assert.Equal(t, first.ID, second.ID)
		assert.NotEqual(t, first.ID, other.ID)
	})

	t.Run("skips records without id or display name", func(t *testing.T) {
		assert.Nil(t, buildEntityObject(datatypes.EntityCompany, "name",
			nil, crm.Record{"name": "No ID"}, 1))
		assert.Nil(t, buildEntityObject(datatypes.EntityCompany, "name",
			nil, crm.Record{"id": "co-1"}, 1))
	})
}

func TestSplitNote(t *testing.T) {
	t.Run("short note becomes a single chunk with linkage", func(t *testing.T) {
		indexer := newTestIndexer(t, DefaultIndexerConfig())
		record := crm.Record{
			"id":              "note-1",
			"subject":         "Q1 review",
			"notetext":        "Discussed renewal pricing.",
			"objecttypecode":  "company",
			"_objectid_value": "co-1",
			"createdon":       "2026-03-01T10:00:00Z",
		}

		objects, err := indexer.splitNote(record)

		require.NoError(t, err)
		require.Len(t, objects, 1)
		props, ok := objects[0].Properties.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "note-1", props["note_id"])
		assert.Equal(t, "Q1 review", props["subject"])
		assert.Equal(t, "Discussed renewal pricing.", props["content"])
		assert.Equal(t, "company", props["record_type"])
		assert.Equal(t, "co-1", props["record_id"])
		assert.Equal(t, 0, props["chunk_index"])
	})

	t.Run("long note splits into ordered chunks sharing the note id", func(t *testing.T) {
		config := DefaultIndexerConfig()
		config.ChunkSize = 200
		config.ChunkOverlap = 20
		indexer := newTestIndexer(t, config)

		body := strings.Repeat("Customer asked about volume discounts and support tiers. ", 20)
		record := crm.Record{
			"id":       "note-2",
			"subject":  "Long call",
			"notetext": body,
		}

		objects, err := indexer.splitNote(record)

		require.NoError(t, err)
		require.Greater(t, len(objects), 1)

		seen := map[string]bool{}
		for i, obj := range objects {
			props, ok := obj.Properties.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, "note-2", props["note_id"])
			assert.Equal(t, i, props["chunk_index"])
			assert.False(t, seen[string(obj.ID)], "chunk IDs must be distinct")
			seen[string(obj.ID)] = true
		}
	})

	t.Run("empty notes produce nothing", func(t *testing.T) {
		indexer := newTestIndexer(t, DefaultIndexerConfig())

		objects, err := indexer.splitNote(crm.Record{"id": "note-3"})

		require.NoError(t, err)
		assert.Empty(t, objects)
	})
}

func TestIndexEntities(t *testing.T) {
	t.Run("rejects types without name cards", func(t *testing.T) {
		indexer := newTestIndexer(t, DefaultIndexerConfig())

		_, err := indexer.IndexEntities(context.Background(), datatypes.EntityNote)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "no name cards")
	})

	t.Run("stops on canceled context before querying", func(t *testing.T) {
		queried := false
		client, err := weaviate.NewClient(weaviate.Config{Host: "localhost:8080", Scheme: "http"})
		require.NoError(t, err)
		indexer, err := NewIndexerWithConfig(client, &indexCRM{
			queryFn: func(ctx context.Context, req crm.QueryRequest) (*crm.QueryResult, error) {
				queried = true
				return &crm.QueryResult{}, nil
			},
		}, DefaultIndexerConfig())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = indexer.IndexEntities(ctx, datatypes.EntityCompany)

		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, queried)
	})
}

func TestValidateIndexerConfig(t *testing.T) {
	t.Run("valid config is kept", func(t *testing.T) {
		config := IndexerConfig{BatchSize: 50, PageSize: 100, ChunkSize: 800, ChunkOverlap: 80}
		assert.Equal(t, config, validateIndexerConfig(config))
	})

	t.Run("overlap must stay below chunk size", func(t *testing.T) {
		got := validateIndexerConfig(IndexerConfig{
			BatchSize: 50, PageSize: 100, ChunkSize: 800, ChunkOverlap: 800,
		})
		assert.Equal(t, DefaultIndexerConfig().ChunkOverlap, got.ChunkOverlap)
	})
}

func TestNewIndexer(t *testing.T) {
	client, err := weaviate.NewClient(weaviate.Config{Host: "localhost:8080", Scheme: "http"})
	require.NoError(t, err)

	_, err = NewIndexer(nil, &indexCRM{})
	require.Error(t, err)

	_, err = NewIndexer(client, nil)
	require.Error(t, err)
}
