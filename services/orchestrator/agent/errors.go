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

import "errors"

// Sentinel errors for the agent package.
var (
	// ErrUnknownTool indicates the model called a tool outside the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidToolInput indicates a tool input failed validation.
	ErrInvalidToolInput = errors.New("invalid tool input")

	// ErrEntityNotFound indicates entity resolution produced no match.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrAmbiguousEntity indicates entity resolution produced several equally
	// plausible matches and refused to pick one silently.
	ErrAmbiguousEntity = errors.New("ambiguous entity reference")

	// ErrTraversalNotAllowed indicates a relationship pair outside the
	// adjacency table.
	ErrTraversalNotAllowed = errors.New("relationship traversal not allowed")

	// ErrMaxRoundsReached indicates the loop hit its round ceiling.
	ErrMaxRoundsReached = errors.New("maximum rounds reached")

	// ErrProviderExhausted indicates the provider kept failing after the
	// loop's bounded retries.
	ErrProviderExhausted = errors.New("model provider unavailable after retries")

	// ErrEstimateExpired indicates an export confirmation token is past its
	// validity window.
	ErrEstimateExpired = errors.New("export estimate expired")

	// ErrEstimateNotFound indicates an export confirmation token is unknown.
	ErrEstimateNotFound = errors.New("export estimate not found")

	// ErrExportTooLarge indicates an export exceeds the hard record ceiling.
	ErrExportTooLarge = errors.New("export exceeds maximum record count")
)
