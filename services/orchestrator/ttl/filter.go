// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl provides retention management for generated CRM exports. It
// implements scheduled purging of expired export files and their job-registry
// entries, with a tamper-evident audit trail of every purge.
package ttl

import (
	"log/slog"
	"time"
)

// =============================================================================
// Download-Time Retention Filtering
// =============================================================================

// RetentionFilter provides download-time defense-in-depth by checking export
// expiry before a file is served.
//
// # Description
//
// The background scheduler runs periodically (default: 1 hour) to purge
// expired exports. Between cycles, an expired export's file is still on
// disk and its download URL still resolves. RetentionFilter is the safety
// net: the download handler checks expiry at request time, so an expired
// export is never served even if the sweeper has not reached it yet.
//
// This is defense-in-depth: the scheduler handles bulk purging, the filter
// prevents expired files from leaking through downloads.
//
// # Thread Safety
//
// All methods are safe for concurrent use (stateless).
type RetentionFilter interface {
	// IsExpired checks if an export has passed its retention window.
	//
	// # Description
	//
	// Returns true if the export's retention has lapsed, accounting for
	// the configured clock skew tolerance. A zero lastUpdate never expires
	// (the job predates UpdatedAt tracking).
	//
	// # Inputs
	//
	//   - lastUpdate: The export job's last status change.
	//
	// # Outputs
	//
	//   - bool: True if the export is expired and must not be served.
	//
	// # Example
	//
	//	if filter.IsExpired(job.UpdatedAt) {
	//	    return ErrJobNotFound // Treat as gone
	//	}
	IsExpired(lastUpdate time.Time) bool

	// FilterCount filters a slice of last-update times and returns the
	// count of expired items.
	//
	// # Description
	//
	// Given a slice of job update times, returns indices of non-expired
	// items and the count of expired ones. Used by listings to hide
	// exports the sweeper has not purged yet.
	//
	// # Inputs
	//
	//   - updates: Slice of last status change times.
	//
	// # Outputs
	//
	//   - validIndices: Indices of non-expired items.
	//   - expiredCount: Number of expired items filtered out.
	FilterCount(updates []time.Time) (validIndices []int, expiredCount int)
}

// retentionFilter implements RetentionFilter with configurable windows.
//
// # Description
//
// Stateless filter that checks export expiry at download time. Includes a
// clock skew tolerance so an export that is seconds from the boundary is
// not refused due to minor clock differences between replicas.
//
// # Fields
//
//   - retention: The retention window applied to the export's last update.
//   - clockSkewTolerance: Grace period to account for clock drift.
//
// # Thread Safety
//
// Stateless and safe for concurrent use.
type retentionFilter struct {
	retention          time.Duration
	clockSkewTolerance time.Duration
}

// NewRetentionFilter creates a new download-time retention filter.
//
// # Description
//
// Creates a filter that checks export expiry at request time. The retention
// window should match the one the scheduler's service runs with, or the
// filter will refuse downloads the sweeper still considers live.
//
// # Inputs
//
//   - retention: Retention window. If 0, defaults to the service default.
//   - clockSkewTolerance: Grace period for clock drift. If 0, defaults to 5 seconds.
//
// # Outputs
//
//   - RetentionFilter: Ready to gate downloads.
//
// # Example
//
//	filter := NewRetentionFilter(config.RetentionPeriod, 5*time.Second)
//	if filter.IsExpired(job.UpdatedAt) {
//	    // Don't serve this file
//	}
//
// # Limitations
//
//   - Tolerance should be small (seconds) to minimize the exposure window.
func NewRetentionFilter(retention, clockSkewTolerance time.Duration) RetentionFilter {
	if retention == 0 {
		retention = DefaultRetentionConfig().RetentionPeriod
	}
	if clockSkewTolerance == 0 {
		clockSkewTolerance = 5 * time.Second
	}
	return &retentionFilter{
		retention:          retention,
		clockSkewTolerance: clockSkewTolerance,
	}
}

// IsExpired checks if an export has passed its retention window.
//
// # Description
//
// Returns true if the retention window has lapsed. The skew tolerance is
// subtracted from the current time so an export right on the boundary is
// still served rather than refused on clock drift.
//
// # Inputs
//
//   - lastUpdate: The export job's last status change. Zero never expires.
//
// # Outputs
//
//   - bool: True if expired and must not be served.
func (f *retentionFilter) IsExpired(lastUpdate time.Time) bool {
	if lastUpdate.IsZero() {
		return false
	}
	cutoff := time.Now().Add(-f.clockSkewTolerance).Add(-f.retention)
	return lastUpdate.Before(cutoff)
}

// FilterCount filters a slice of last-update times.
//
// # Description
//
// Given a slice of job update times, returns the indices of items that are
// still inside the retention window and the count of expired ones. The
// caller uses the indices to build a filtered result set.
//
// # Inputs
//
//   - updates: Slice of last status change times.
//
// # Outputs
//
//   - validIndices: Indices of non-expired items in the original slice.
//   - expiredCount: Number of expired items.
func (f *retentionFilter) FilterCount(updates []time.Time) (validIndices []int, expiredCount int) {
	validIndices = make([]int, 0, len(updates))
	for i, update := range updates {
		if f.IsExpired(update) {
			expiredCount++
		} else {
			validIndices = append(validIndices, i)
		}
	}

	if expiredCount > 0 {
		slog.Debug("ttl.download_filter: filtered expired exports",
			"expired_count", expiredCount,
			"valid_count", len(validIndices),
		)
	}

	return validIndices, expiredCount
}
