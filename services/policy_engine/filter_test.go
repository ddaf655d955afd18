// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

func TestRestrictionFilter_CheckTable(t *testing.T) {
	filter, err := NewRestrictionFilter(nil, "", []datatypes.Restriction{
		{TableName: "opportunity", Reason: "deals are need-to-know"},
		{TableName: "contact", FieldName: "governmentid"},
	})
	if err != nil {
		t.Fatalf("NewRestrictionFilter failed: %v", err)
	}

	// Whole-table restriction blocks dispatch with the reason attached.
	err = filter.CheckTable("opportunity")
	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("CheckTable(opportunity) = %v, want AccessDeniedError", err)
	}
	if denied.Table != "opportunity" || denied.Reason != "deals are need-to-know" {
		t.Errorf("Denial lost detail: %+v", denied)
	}

	// Field-level restrictions never block the table itself.
	if err := filter.CheckTable("contact"); err != nil {
		t.Errorf("CheckTable(contact) = %v, want nil (only a field is restricted)", err)
	}

	// Table comparison is case-insensitive.
	if err := filter.CheckTable("Opportunity"); err == nil {
		t.Error("CheckTable should match table names case-insensitively")
	}
}

func TestRestrictionFilter_CheckTablesFirstDenialWins(t *testing.T) {
	filter, _ := NewRestrictionFilter(nil, "", []datatypes.Restriction{
		{TableName: "note", Reason: "notes restricted"},
	})
	if err := filter.CheckTables("company", "contact"); err != nil {
		t.Errorf("Unrestricted tables should pass, got %v", err)
	}
	if err := filter.CheckTables("company", "note"); err == nil {
		t.Error("Expected denial when any table in the set is blocked")
	}
}

func TestRestrictionFilter_FilterRecord(t *testing.T) {
	filter, _ := NewRestrictionFilter(nil, "", []datatypes.Restriction{
		{TableName: "contact", FieldName: "GovernmentID"},
	})

	record := map[string]any{
		"@odata.etag":    `W/"12345"`,
		"_ownerid_value": "abc",
		"fullname":       "Dana Reyes",
		"governmentid":   "999-00-1111",
		"emailaddress1":  "dana@example.com",
	}
	got := filter.FilterRecord("contact", record)

	for _, gone := range []string{"@odata.etag", "_ownerid_value", "governmentid"} {
		if _, present := got[gone]; present {
			t.Errorf("Field %q should have been stripped", gone)
		}
	}
	for _, kept := range []string{"fullname", "emailaddress1"} {
		if _, present := got[kept]; !present {
			t.Errorf("Field %q should have survived", kept)
		}
	}

	// The source record must be untouched; it may be shared across calls.
	if len(record) != 5 {
		t.Errorf("FilterRecord mutated its input: %d keys remain", len(record))
	}
}

func TestRestrictionFilter_MergesRoleAndRequest(t *testing.T) {
	engine, err := NewPolicyEngine()
	if err != nil {
		t.Fatalf("Failed to init engine: %v", err)
	}

	// "standard" strips contact.governmentid by policy; the request adds a
	// whole-table block on note.
	filter, err := NewRestrictionFilter(engine, "standard", []datatypes.Restriction{
		{TableName: "note", Reason: "litigation hold"},
	})
	if err != nil {
		t.Fatalf("NewRestrictionFilter failed: %v", err)
	}

	if err := filter.CheckTable("note"); err == nil {
		t.Error("Request-injected table block not enforced")
	}
	got := filter.FilterRecord("contact", map[string]any{
		"governmentid": "x",
		"fullname":     "y",
		"versionnumber": 7,
	})
	if _, present := got["governmentid"]; present {
		t.Error("Role-policy field block not enforced")
	}
	if _, present := got["versionnumber"]; present {
		t.Error("Internal-field pattern not enforced through the filter")
	}
	if _, present := got["fullname"]; !present {
		t.Error("Unrestricted field dropped")
	}
}

func TestRestrictionFilter_UnknownRoleFallsBack(t *testing.T) {
	engine, err := NewPolicyEngine()
	if err != nil {
		t.Fatalf("Failed to init engine: %v", err)
	}
	filter, err := NewRestrictionFilter(engine, "no_such_role", nil)
	if err != nil {
		t.Fatalf("Unknown role should fall back to the default policy: %v", err)
	}
	// Default role is "standard", which strips contact.governmentid.
	got := filter.FilterRecord("contact", map[string]any{"governmentid": "x"})
	if len(got) != 0 {
		t.Error("Default-role restrictions not applied to unknown role")
	}
}

func TestRestrictionFilter_FilterColumns(t *testing.T) {
	engine, err := NewPolicyEngine()
	if err != nil {
		t.Fatalf("Failed to init engine: %v", err)
	}
	filter, err := NewRestrictionFilter(engine, "standard", nil)
	if err != nil {
		t.Fatalf("NewRestrictionFilter failed: %v", err)
	}

	got := filter.FilterColumns("contact", []string{
		"fullname", "governmentid", "_ownerid_value", "@odata.etag", "versionnumber", "emailaddress1",
	})
	want := []string{"fullname", "emailaddress1"}
	if len(got) != len(want) {
		t.Fatalf("FilterColumns returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FilterColumns[%d] = %q, want %q (order must be preserved)", i, got[i], want[i])
		}
	}
}
