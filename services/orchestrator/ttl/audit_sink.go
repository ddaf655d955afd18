// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"time"
)

// =============================================================================
// PurgeEventSink Interface (External Integration Point)
// =============================================================================

// PurgeEventSink allows external systems to receive purge events.
//
// # Description
//
// The default implementation is a no-op: the local PurgeLogger already keeps
// the tamper-evident audit trail. Deployments that forward compliance events
// to a SIEM or warehouse inject their own implementation here.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Sink errors should not block purges. Implementations handle their own
// retry logic; callers log errors but do not fail the purge.
//
// # Limitations
//
//   - Events are fire-and-forget
//   - No guaranteed delivery
//   - No backpressure mechanism
type PurgeEventSink interface {
	// OnExportPurged is called when an expired export is purged.
	//
	// # Description
	//
	// Called after the file and registry entry have both been removed. The
	// event contains the metadata needed for compliance tracking.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation (implementations may make network calls)
	//   - event: ExportPurgeEvent containing purge details
	//
	// # Outputs
	//
	//   - error: Non-nil if the sink fails (logged but not fatal to the purge)
	OnExportPurged(ctx context.Context, event ExportPurgeEvent) error

	// OnOrphanRemoved is called when an orphaned export file is removed.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation
	//   - event: OrphanRemovalEvent containing removal details
	//
	// # Outputs
	//
	//   - error: Non-nil if the sink fails (logged but not fatal)
	OnOrphanRemoved(ctx context.Context, event OrphanRemovalEvent) error
}

// =============================================================================
// Event Types
// =============================================================================

// ExportPurgeEvent contains information about a retention-triggered purge.
//
// # Fields
//
//   - Timestamp: When the purge occurred (server time, UTC)
//   - JobID: Registry key of the purged export
//   - SessionID: Chat session that requested the export
//   - FileName: Name of the removed file, when one existed
//   - Status: Final job status at purge time
type ExportPurgeEvent struct {
	Timestamp time.Time
	JobID     string
	SessionID string
	FileName  string
	Status    string
}

// OrphanRemovalEvent contains information about an orphaned file removal.
//
// # Fields
//
//   - Timestamp: When the removal occurred (server time, UTC)
//   - FileName: Name of the removed file
//   - SizeBytes: File size at removal
//   - ModTime: Last modification time of the removed file
type OrphanRemovalEvent struct {
	Timestamp time.Time
	FileName  string
	SizeBytes int64
	ModTime   time.Time
}

// =============================================================================
// Default Implementation
// =============================================================================

// noopPurgeSink is the default implementation.
//
// # Description
//
// All methods are no-ops because the local PurgeLogger handles audit
// logging. This sink exists as the integration point for deployments that
// forward purge events to external compliance systems.
//
// # Thread Safety
//
// Safe for concurrent use (stateless).
type noopPurgeSink struct{}

// OnExportPurged is a no-op (the local PurgeLogger handles this).
func (n *noopPurgeSink) OnExportPurged(ctx context.Context, event ExportPurgeEvent) error {
	return nil
}

// OnOrphanRemoved is a no-op.
func (n *noopPurgeSink) OnOrphanRemoved(ctx context.Context, event OrphanRemovalEvent) error {
	return nil
}

// DefaultPurgeSink is the no-op implementation.
//
// # Description
//
// Use this as the default when no external compliance pipeline is wired.
//
// # Example
//
//	sink := ttl.DefaultPurgeSink
//	// or
//	sink = siemPurgeSink // when a compliance pipeline is configured
var DefaultPurgeSink PurgeEventSink = &noopPurgeSink{}

// NewNoopPurgeSink returns a new no-op purge sink instance.
//
// # Description
//
// Useful for testing or when a fresh instance is needed rather than the
// package-level DefaultPurgeSink.
func NewNoopPurgeSink() PurgeEventSink {
	return &noopPurgeSink{}
}
