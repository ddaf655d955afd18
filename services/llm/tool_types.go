// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"github.com/invopop/jsonschema"
)

// ToolDefinition describes one tool offered to the model.
//
// Description:
//
//	The wire shape follows the Messages API: a name, a natural-language
//	description the model reads when deciding whether to call the tool, and
//	a JSON Schema constraining the input object. The OpenAI-compat backend
//	converts this shape to function-calling format on the way out.
//
// Thread Safety: ToolDefinition is immutable and safe for concurrent reads.
type ToolDefinition struct {
	// Name is the identifier the model calls the tool by.
	Name string `json:"name"`

	// Description explains what the tool does and when to use it.
	Description string `json:"description"`

	// InputSchema is the JSON Schema for the tool's input object.
	InputSchema any `json:"input_schema"`
}

// schemaReflector produces inline object schemas without $ref indirection.
// Providers reject referenced schemas, so everything must be expanded.
var schemaReflector = &jsonschema.Reflector{
	AllowAdditionalProperties: false,
	DoNotReference:            true,
	ExpandedStruct:            true,
}

// NewToolDefinition builds a ToolDefinition by reflecting the input schema
// from a parameter struct.
//
// Description:
//
//	The prototype's exported fields become schema properties: json tags name
//	them, jsonschema tags describe and constrain them, and fields without
//	omitempty are required. Reflection happens once at registry construction,
//	not per request.
//
// Inputs:
//   - name: Tool identifier.
//   - description: Model-facing explanation of the tool.
//   - prototype: Zero value of the tool's parameter struct.
//
// Outputs:
//   - ToolDefinition: Definition ready to send to a provider.
//
// Examples:
//
//	type searchParams struct {
//	    Table string `json:"table" jsonschema:"description=CRM table to search"`
//	    Query string `json:"query" jsonschema:"description=Search text"`
//	}
//	def := llm.NewToolDefinition("search_customers", "Search customer records.", searchParams{})
func NewToolDefinition(name, description string, prototype any) ToolDefinition {
	return ToolDefinition{
		Name:        name,
		Description: description,
		InputSchema: schemaReflector.Reflect(prototype),
	}
}
