// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// database queries, file paths, or subprocess calls. Using these validators
// prevents injection attacks (OData/SQL injection, command injection, path traversal).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// tableNamePattern matches valid CRM logical table names.
// Allows: lowercase letters, digits, underscores. Must start with a letter.
// Max length: 64 characters (Dataverse logical name limit).
var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// fieldNamePattern matches valid CRM logical column names.
// Same grammar as table names; lookup columns carry a leading underscore
// and a trailing "_value" suffix, so underscores are allowed anywhere
// after position checks.
var fieldNamePattern = regexp.MustCompile(`^_?[a-z][a-z0-9_]{0,127}$`)

// guidPattern matches the 8-4-4-4-12 hex GUID shape the CRM backend uses
// for record identifiers.
var guidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidateTableName validates a CRM logical table name before it is used
// in a Web API query.
//
// Valid table names:
//   - 1-64 characters
//   - Lowercase letters a-z, digits, underscores
//   - Must start with a letter
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateTableName(table); err != nil {
//	    return nil, fmt.Errorf("invalid table: %w", err)
//	}
//	// Safe to use in a Web API request
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}

	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name: %q (must be 1-64 lowercase alphanumeric chars or underscores, starting with a letter)", name)
	}

	return nil
}

// ValidateFieldName validates a CRM logical column name.
//
// Lookup value columns follow the _<name>_value convention, so a single
// leading underscore is accepted.
func ValidateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name cannot be empty")
	}

	if !fieldNamePattern.MatchString(name) {
		return fmt.Errorf("invalid field name: %q", name)
	}

	return nil
}

// IsGUID reports whether the value is shaped like a CRM record identifier.
//
// Detection is purely structural; it does not verify the record exists.
// Use this to decide between a direct fetch and a name lookup:
//
//	if validation.IsGUID(ref) {
//	    record, err = client.Get(ctx, table, ref)
//	}
func IsGUID(value string) bool {
	return guidPattern.MatchString(value)
}

// SanitizeTableName normalizes and validates a table name.
// Returns the lowercase name if valid, or an error if invalid.
//
// Use this when the name arrives from user input or model output:
//
//	table, err := validation.SanitizeTableName(input)
//	if err != nil {
//	    return err
//	}
func SanitizeTableName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateTableName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
