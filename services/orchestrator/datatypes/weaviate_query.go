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

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Type Parameters
//
//   - T: The target struct type with json tags matching the response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if response is nil or parsing fails.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName("CrmEntity").Do(ctx)
//	if err != nil { ... }
//
//	parsed, err := ParseGraphQLResponse[EntityQueryResponse](resp)
//	if err != nil { ... }
//
//	for _, e := range parsed.Get.CrmEntity {
//	    fmt.Println(e.Name)
//	}
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response structure.
//   - Type mismatches will result in zero values, not errors.
//
// # Assumptions
//
//   - The response Data field is JSON-marshalable.
//   - The target type T has correct json tags.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Common Weaviate Response Types
// =============================================================================

// EntityQueryResponse represents the response from querying the CrmEntity class.
//
// # Fields
//
//   - Get.CrmEntity: Array of indexed entity name cards.
type EntityQueryResponse struct {
	Get struct {
		CrmEntity []EntityResult `json:"CrmEntity"`
	} `json:"Get"`
}

// EntityResult represents a single indexed entity from a query.
type EntityResult struct {
	EntityType    string `json:"entity_type"`
	RecordID      string `json:"record_id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ActivityCount *int   `json:"activity_count"`
	Additional    struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// NoteQueryResponse represents the response from querying the CrmNote class.
//
// # Fields
//
//   - Get.CrmNote: Array of note chunks with relevance metadata.
type NoteQueryResponse struct {
	Get struct {
		CrmNote []NoteResult `json:"CrmNote"`
	} `json:"Get"`
}

// NoteResult represents a single note chunk from a query.
type NoteResult struct {
	NoteID     string `json:"note_id"`
	Subject    string `json:"subject"`
	Content    string `json:"content"`
	RecordType string `json:"record_type"`
	RecordID   string `json:"record_id"`
	CreatedOn  string `json:"created_on"`
	ChunkIndex *int   `json:"chunk_index"`
	Additional struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// =============================================================================
// Property Structs for Object Creation
// =============================================================================

// EntityProperties represents the properties for creating a CrmEntity object.
type EntityProperties struct {
	EntityType    string `json:"entity_type"`
	RecordID      string `json:"record_id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ActivityCount int    `json:"activity_count"`
	IndexedAt     int64  `json:"indexed_at"`
}

// ToMap converts EntityProperties to map[string]interface{} for Weaviate.
//
// # Description
//
// Converts the typed EntityProperties struct to the map format required by
// Weaviate's WithProperties() method.
//
// # Outputs
//
//   - map[string]interface{}: Property map ready for Weaviate client.
//
// # Example
//
//	props := EntityProperties{EntityType: "company", RecordID: "co-1", Name: "Acme"}
//	client.Data().Creator().WithProperties(props.ToMap()).Do(ctx)
func (p *EntityProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"entity_type":    p.EntityType,
		"record_id":      p.RecordID,
		"name":           p.Name,
		"description":    p.Description,
		"activity_count": p.ActivityCount,
		"indexed_at":     p.IndexedAt,
	}
}

// NoteProperties represents the properties for creating a CrmNote object.
type NoteProperties struct {
	NoteID     string `json:"note_id"`
	Subject    string `json:"subject"`
	Content    string `json:"content"`
	RecordType string `json:"record_type"`
	RecordID   string `json:"record_id"`
	CreatedOn  string `json:"created_on"`
	ChunkIndex int    `json:"chunk_index"`
	IndexedAt  int64  `json:"indexed_at"`
}

// ToMap converts NoteProperties to map[string]interface{} for Weaviate.
func (p *NoteProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"note_id":     p.NoteID,
		"subject":     p.Subject,
		"content":     p.Content,
		"record_type": p.RecordType,
		"record_id":   p.RecordID,
		"created_on":  p.CreatedOn,
		"chunk_index": p.ChunkIndex,
		"indexed_at":  p.IndexedAt,
	}
}
