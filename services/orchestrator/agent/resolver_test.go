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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

const acmeGUID = "a1b2c3d4-0000-4000-8000-1234567890ab"

func TestResolve_GUIDBypassesLookup(t *testing.T) {
	mock := &mockCRM{}
	resolver := NewEntityResolver(mock, nil)

	got, err := resolver.Resolve(context.Background(), datatypes.EntityCompany, "A1B2C3D4-0000-4000-8000-1234567890AB")
	require.NoError(t, err)
	assert.Equal(t, acmeGUID, got.ID, "GUIDs should be normalized to lowercase")
	assert.Zero(t, mock.requestCount(), "GUID references must not issue queries")
}

func TestResolve_NumericRequiresExactMatch(t *testing.T) {
	mock := &mockCRM{
		queryFn: func(req crm.QueryRequest) (*crm.QueryResult, error) {
			return &crm.QueryResult{
				TotalCount: 2,
				Results: []crm.Record{
					{"id": "c-1", "name": "Acme", "accountnumber": "10045"},
					{"id": "c-2", "name": "Apex", "accountnumber": "100456"},
				},
			}, nil
		},
	}
	resolver := NewEntityResolver(mock, nil)

	got, err := resolver.Resolve(context.Background(), datatypes.EntityCompany, "10045")
	require.NoError(t, err)
	assert.Equal(t, "c-1", got.ID)

	// A number that only prefixes a real account number is not a match.
	_, err = resolver.Resolve(context.Background(), datatypes.EntityCompany, "1004")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestResolve_ExactNameBeatsSubstring(t *testing.T) {
	mock := &mockCRM{
		queryFn: func(req crm.QueryRequest) (*crm.QueryResult, error) {
			return &crm.QueryResult{
				TotalCount: 3,
				Results: []crm.Record{
					{"id": "c-sub", "name": "Acme Industrial Holdings", "activitycount": float64(99)},
					{"id": "c-exact", "name": "acme industrial", "activitycount": float64(3)},
					{"id": "c-other", "name": "Acme Industrial West", "activitycount": float64(50)},
				},
			}, nil
		},
	}
	resolver := NewEntityResolver(mock, nil)

	got, err := resolver.Resolve(context.Background(), datatypes.EntityCompany, "Acme Industrial")
	require.NoError(t, err)
	assert.Equal(t, "c-exact", got.ID, "exact case-insensitive match must outrank busier substring matches")
	assert.NotEmpty(t, got.Note, "multiple matches should surface a candidates note")
	assert.Len(t, got.Candidates, 2)
}

func TestResolve_ActivityBreaksSubstringTies(t *testing.T) {
	mock := &mockCRM{
		queryFn: func(req crm.QueryRequest) (*crm.QueryResult, error) {
			return &crm.QueryResult{
				TotalCount: 2,
				Results: []crm.Record{
					{"id": "c-quiet", "name": "Northwind Traders", "activitycount": float64(2)},
					{"id": "c-busy", "name": "Northwind Shipping", "activitycount": float64(40)},
				},
			}, nil
		},
	}
	resolver := NewEntityResolver(mock, nil)

	got, err := resolver.Resolve(context.Background(), datatypes.EntityCompany, "northwind")
	require.NoError(t, err)
	assert.Equal(t, "c-busy", got.ID)
}

func TestResolve_SemanticMergeAndDegradation(t *testing.T) {
	mock := &mockCRM{
		queryFn: func(req crm.QueryRequest) (*crm.QueryResult, error) {
			return &crm.QueryResult{}, nil
		},
	}

	t.Run("Semantic Fills Lexical Gap", func(t *testing.T) {
		semantic := &mockSemantic{
			matchFn: func(et datatypes.EntityType, name string, limit int) ([]EntityCandidate, error) {
				return []EntityCandidate{{ID: "c-sem", Name: "Consolidated Metals", Score: 0.91}}, nil
			},
		}
		resolver := NewEntityResolver(mock, semantic)
		got, err := resolver.Resolve(context.Background(), datatypes.EntityCompany, "the metals conglomerate")
		require.NoError(t, err)
		assert.Equal(t, "c-sem", got.ID)
		assert.Equal(t, 1, semantic.calls)
	})

	t.Run("Semantic Failure Degrades To Lexical", func(t *testing.T) {
		semantic := &mockSemantic{
			matchFn: func(et datatypes.EntityType, name string, limit int) ([]EntityCandidate, error) {
				return nil, errors.New("index offline")
			},
		}
		resolver := NewEntityResolver(mock, semantic)
		_, err := resolver.Resolve(context.Background(), datatypes.EntityCompany, "anything")
		assert.ErrorIs(t, err, ErrEntityNotFound, "semantic failure plus no lexical match is not-found, not a hard error")
	})

	t.Run("Semantic Duplicates Are Dropped", func(t *testing.T) {
		crmWithHit := &mockCRM{
			queryFn: func(req crm.QueryRequest) (*crm.QueryResult, error) {
				return &crm.QueryResult{
					TotalCount: 1,
					Results:    []crm.Record{{"id": "c-1", "name": "Globex"}},
				}, nil
			},
		}
		semantic := &mockSemantic{
			matchFn: func(et datatypes.EntityType, name string, limit int) ([]EntityCandidate, error) {
				return []EntityCandidate{
					{ID: "c-1", Name: "Globex", Score: 0.99},
					{ID: "c-2", Name: "Globex Europe", Score: 0.80},
				}, nil
			},
		}
		resolver := NewEntityResolver(crmWithHit, semantic)
		got, err := resolver.Resolve(context.Background(), datatypes.EntityCompany, "globex")
		require.NoError(t, err)
		assert.Equal(t, "c-1", got.ID)
		require.Len(t, got.Candidates, 1, "duplicate ID from semantic pass must merge away")
		assert.Equal(t, "c-2", got.Candidates[0].ID)
	})
}

func TestResolve_EmptyAndMissing(t *testing.T) {
	resolver := NewEntityResolver(&mockCRM{}, nil)

	_, err := resolver.Resolve(context.Background(), datatypes.EntityCompany, "   ")
	assert.ErrorIs(t, err, ErrEntityNotFound)

	_, err = resolver.Resolve(context.Background(), datatypes.EntityContact, "Nobody Realperson")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestResolve_ContactUsesFullName(t *testing.T) {
	mock := &mockCRM{
		queryFn: func(req crm.QueryRequest) (*crm.QueryResult, error) {
			assert.Equal(t, "contact", req.Table)
			return &crm.QueryResult{
				TotalCount: 1,
				Results:    []crm.Record{{"id": "p-9", "fullname": "Dana Reyes"}},
			}, nil
		},
	}
	resolver := NewEntityResolver(mock, nil)

	got, err := resolver.Resolve(context.Background(), datatypes.EntityContact, "dana reyes")
	require.NoError(t, err)
	assert.Equal(t, "p-9", got.ID)
	assert.Equal(t, "Dana Reyes", got.Name)
	assert.Empty(t, got.Note, "single match needs no candidates note")
}
