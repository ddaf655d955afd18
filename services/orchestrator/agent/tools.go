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
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCRM/services/llm"
)

// =============================================================================
// ENUMS
// =============================================================================

// ToolName identifies a tool in the closed catalog offered to the model.
//
// Description:
//
//	The catalog is closed: dispatch is exhaustive over these names and an
//	unknown name coming back from the model produces an error payload for
//	that call, never a crash. Adding a tool means adding its name here, its
//	input struct, its catalog entry, and its dispatch arm.
//
// Valid Values:
//   - "search_customers": Free-text company search
//   - "get_customer_details": One company record by ID or name
//   - "get_customer_contacts": Contacts attached to a company
//   - "get_contact_details": One contact record by ID or name
//   - "query_relationship": Traverse between related record sets
//   - "aggregate_records": Server-side grouped metrics
//   - "search_notes": Semantic search over note text
//   - "export_records": CSV export with estimate/confirm flow
type ToolName string

const (
	ToolSearchCustomers     ToolName = "search_customers"
	ToolGetCustomerDetails  ToolName = "get_customer_details"
	ToolGetCustomerContacts ToolName = "get_customer_contacts"
	ToolGetContactDetails   ToolName = "get_contact_details"
	ToolQueryRelationship   ToolName = "query_relationship"
	ToolAggregateRecords    ToolName = "aggregate_records"
	ToolSearchNotes         ToolName = "search_notes"
	ToolExportRecords       ToolName = "export_records"
)

// validToolNames contains all valid ToolName values for validation.
var validToolNames = map[ToolName]bool{
	ToolSearchCustomers:     true,
	ToolGetCustomerDetails:  true,
	ToolGetCustomerContacts: true,
	ToolGetContactDetails:   true,
	ToolQueryRelationship:   true,
	ToolAggregateRecords:    true,
	ToolSearchNotes:         true,
	ToolExportRecords:       true,
}

// IsValid checks if the ToolName is a valid value.
//
// Outputs:
//   - bool: true if valid, false otherwise
func (t ToolName) IsValid() bool {
	return validToolNames[t]
}

func (t ToolName) String() string {
	return string(t)
}

// =============================================================================
// Result Budgets
// =============================================================================

// defaultToolCharBudget caps the size of a shaped tool result in characters.
// Oversized results are cut to whole records with a truncation note rather
// than fed to the model raw.
const defaultToolCharBudget = 16000

// toolCharBudgets overrides the default budget per tool. Relationship
// traversals return compact tabular rows and can afford more of them;
// aggregations are small by construction.
var toolCharBudgets = map[ToolName]int{
	ToolQueryRelationship: 20000,
	ToolAggregateRecords:  8000,
}

// CharBudget returns the shaped-result budget for the tool.
func (t ToolName) CharBudget() int {
	if budget, ok := toolCharBudgets[t]; ok {
		return budget
	}
	return defaultToolCharBudget
}

// staticToolTables maps each tool to the CRM tables it always reads.
// Tools whose tables depend on their input (query_relationship,
// aggregate_records, export_records) are resolved at dispatch instead.
var staticToolTables = map[ToolName][]string{
	ToolSearchCustomers:     {"company"},
	ToolGetCustomerDetails:  {"company"},
	ToolGetCustomerContacts: {"company", "contact"},
	ToolGetContactDetails:   {"contact"},
	ToolSearchNotes:         {"note"},
}

// =============================================================================
// Tool Inputs
// =============================================================================

// Dates in tool inputs arrive as strings produced by the model. Both bare
// dates and full timestamps are accepted.
const (
	toolDateLayout = "2006-01-02"
)

// parseToolDate parses an optional model-supplied date string.
//
// Outputs:
//   - *time.Time: Parsed time, nil when the input is empty
//   - error: Non-nil when the string is neither a date nor an RFC 3339 stamp
func parseToolDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if ts, err := time.Parse(toolDateLayout, value); err == nil {
		return &ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return &ts, nil
	}
	return nil, fmt.Errorf("%w: date %q is not YYYY-MM-DD or RFC 3339", ErrInvalidToolInput, value)
}

// SearchCustomersInput is the input schema for search_customers.
type SearchCustomersInput struct {
	Query    string `json:"query" jsonschema:"description=Free-text search over company names and attributes"`
	DateFrom string `json:"date_from,omitempty" jsonschema:"description=Only companies created on or after this date (YYYY-MM-DD)"`
	DateTo   string `json:"date_to,omitempty" jsonschema:"description=Only companies created on or before this date (YYYY-MM-DD)"`
	Top      int    `json:"top,omitempty" jsonschema:"description=Maximum companies to return; default 25"`
}

// GetCustomerDetailsInput is the input schema for get_customer_details.
// Exactly one of company_id and company_name should be set; IDs win.
type GetCustomerDetailsInput struct {
	CompanyID   string `json:"company_id,omitempty" jsonschema:"description=Company record GUID when known"`
	CompanyName string `json:"company_name,omitempty" jsonschema:"description=Company display name to resolve when the GUID is unknown"`
}

// GetCustomerContactsInput is the input schema for get_customer_contacts.
type GetCustomerContactsInput struct {
	CompanyID   string `json:"company_id,omitempty" jsonschema:"description=Company record GUID when known"`
	CompanyName string `json:"company_name,omitempty" jsonschema:"description=Company display name to resolve when the GUID is unknown"`
}

// GetContactDetailsInput is the input schema for get_contact_details.
type GetContactDetailsInput struct {
	ContactID   string `json:"contact_id,omitempty" jsonschema:"description=Contact record GUID when known"`
	ContactName string `json:"contact_name,omitempty" jsonschema:"description=Contact full name to resolve when the GUID is unknown"`
}

// QueryRelationshipInput is the input schema for query_relationship.
type QueryRelationshipInput struct {
	SourceType string `json:"source_type" jsonschema:"description=Entity type of the starting record,enum=company,enum=contact,enum=opportunity"`
	SourceID   string `json:"source_id,omitempty" jsonschema:"description=GUID of the starting record when known"`
	SourceName string `json:"source_name,omitempty" jsonschema:"description=Display name of the starting record when the GUID is unknown"`
	TargetType string `json:"target_type" jsonschema:"description=Entity type to collect,enum=contact,enum=activity,enum=opportunity,enum=note"`
	DateFrom   string `json:"date_from,omitempty" jsonschema:"description=Only targets dated on or after this date (YYYY-MM-DD)"`
	DateTo     string `json:"date_to,omitempty" jsonschema:"description=Only targets dated on or before this date (YYYY-MM-DD)"`
}

// AggregateRecordsInput is the input schema for aggregate_records.
type AggregateRecordsInput struct {
	Table    string `json:"table" jsonschema:"description=CRM table to aggregate,enum=company,enum=contact,enum=activity,enum=opportunity,enum=note"`
	GroupBy  string `json:"group_by" jsonschema:"description=Column to group by"`
	Metric   string `json:"metric" jsonschema:"description=Aggregation to compute,enum=count,enum=sum,enum=avg,enum=min,enum=max"`
	Field    string `json:"field,omitempty" jsonschema:"description=Numeric column for sum/avg/min/max; ignored for count"`
	Query    string `json:"query,omitempty" jsonschema:"description=Optional filter expression applied before grouping"`
	DateFrom string `json:"date_from,omitempty" jsonschema:"description=Only records dated on or after this date (YYYY-MM-DD)"`
	DateTo   string `json:"date_to,omitempty" jsonschema:"description=Only records dated on or before this date (YYYY-MM-DD)"`
}

// SearchNotesInput is the input schema for search_notes.
type SearchNotesInput struct {
	Query string `json:"query" jsonschema:"description=What to look for; matched semantically against note text"`
	Top   int    `json:"top,omitempty" jsonschema:"description=Maximum notes to return; default 10"`
}

// ExportRecordsInput is the input schema for export_records.
type ExportRecordsInput struct {
	Mode              string   `json:"mode" jsonschema:"description=direct writes the file immediately for small sets; estimate returns a row count and confirmation token; confirmed starts the full export,enum=direct,enum=estimate,enum=confirmed"`
	Table             string   `json:"table" jsonschema:"description=CRM table to export,enum=company,enum=contact,enum=activity,enum=opportunity,enum=note"`
	Query             string   `json:"query,omitempty" jsonschema:"description=Filter expression limiting the export; empty exports everything"`
	DateFrom          string   `json:"date_from,omitempty" jsonschema:"description=Only records dated on or after this date (YYYY-MM-DD)"`
	DateTo            string   `json:"date_to,omitempty" jsonschema:"description=Only records dated on or before this date (YYYY-MM-DD)"`
	Columns           []string `json:"columns,omitempty" jsonschema:"description=Columns to include; empty exports the default set"`
	IncludeDerived    bool     `json:"include_derived,omitempty" jsonschema:"description=Compute derived columns such as owner names and last-activity dates"`
	ConfirmationToken string   `json:"confirmation_token,omitempty" jsonschema:"description=Token from a prior estimate; required for confirmed mode"`
}

// =============================================================================
// Catalog
// =============================================================================

// ToolCatalog returns the tool definitions offered to the model each round.
//
// # Description
//
// Definitions are rebuilt per call because schema reflection is cheap and the
// catalog may shrink per request in the future (for example when exports are
// disabled for a deployment). Order is stable; the model sees the same list
// every round of a conversation.
func ToolCatalog() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		llm.NewToolDefinition(string(ToolSearchCustomers),
			"Search for customer companies by name or attribute. Returns matching company records with their IDs for follow-up lookups.",
			SearchCustomersInput{}),
		llm.NewToolDefinition(string(ToolGetCustomerDetails),
			"Fetch the full record for one customer company, addressed by GUID or by name.",
			GetCustomerDetailsInput{}),
		llm.NewToolDefinition(string(ToolGetCustomerContacts),
			"List the contact people attached to a customer company.",
			GetCustomerContactsInput{}),
		llm.NewToolDefinition(string(ToolGetContactDetails),
			"Fetch the full record for one contact person, addressed by GUID or by name.",
			GetContactDetailsInput{}),
		llm.NewToolDefinition(string(ToolQueryRelationship),
			"Traverse from one record to its related records, for example from a company to all activities of its contacts. Returns a compact table plus true totals.",
			QueryRelationshipInput{}),
		llm.NewToolDefinition(string(ToolAggregateRecords),
			"Compute grouped metrics (count, sum, avg, min, max) over a CRM table server-side. Use this instead of fetching records when only numbers are needed.",
			AggregateRecordsInput{}),
		llm.NewToolDefinition(string(ToolSearchNotes),
			"Search note text semantically. Finds notes about a topic even when the wording differs.",
			SearchNotesInput{}),
		llm.NewToolDefinition(string(ToolExportRecords),
			"Export records to a CSV file. Use mode=direct for small sets, mode=estimate to size a large export first, then mode=confirmed with the returned token.",
			ExportRecordsInput{}),
	}
}
