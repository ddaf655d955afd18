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
	"context"
	"time"
)

// =============================================================================
// Interfaces
// =============================================================================

// RetentionService defines the operations for finding and purging expired exports.
//
// # Description
//
// Provides methods for querying expired export jobs, detecting orphaned files
// in the export store, and purging both. Exported CSVs contain customer data,
// so bounded retention is a data-minimization requirement, not housekeeping.
// Implementations must be thread-safe for use with background schedulers.
//
// # Limitations
//
//   - Purging a file and its registry entry is not atomic; a failed file
//     delete leaves the registry entry in place so the next cycle retries.
//   - Clock sanity is checked before expiry math; a skewed clock aborts
//     the cycle rather than purging prematurely.
//
// # Assumptions
//
//   - The job registry and export store are reachable.
//   - Export jobs record UpdatedAt on every status change.
type RetentionService interface {
	// GetExpiredExports returns export jobs that have passed their retention window.
	//
	// # Description
	//
	// Lists all jobs in the registry and selects the ones whose retention has
	// lapsed. Terminal jobs (completed, failed) expire RetentionPeriod after
	// their last update. Non-terminal jobs (pending, running) expire after the
	// shorter StalePeriod: a job that has been "running" for a day belongs to
	// an orchestrator that died mid-export and will never finish.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout.
	//   - limit: Maximum number of expired exports to return.
	//
	// # Outputs
	//
	//   - []ExpiredExport: Expired exports with the metadata needed to purge them.
	//   - error: Non-nil if the registry scan or clock check fails.
	GetExpiredExports(ctx context.Context, limit int) ([]ExpiredExport, error)

	// GetOrphanedFiles returns export files with no registry entry.
	//
	// # Description
	//
	// Lists files in the export store and selects the ones no job references.
	// Orphans appear when the registry database is rebuilt, or when a crash
	// lands between the file write and the job save. Only files older than
	// the retention window are reported, so an in-flight export whose job
	// has not been saved yet is never touched.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout.
	//   - limit: Maximum number of orphaned files to return.
	//
	// # Outputs
	//
	//   - []OrphanedFile: Orphaned files with name, size, and modification time.
	//   - error: Non-nil if the store listing or registry scan fails.
	GetOrphanedFiles(ctx context.Context, limit int) ([]OrphanedFile, error)

	// PurgeExportBatch deletes a batch of expired exports.
	//
	// # Description
	//
	// For each export: deletes the file from the store (when the job recorded
	// one), then deletes the registry entry. If the file delete fails the
	// registry entry is kept so the next cycle retries; the failure is
	// recorded in the result. Each successful purge is written to the audit
	// chain when the service was built with a logger.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout.
	//   - exports: Expired exports to purge.
	//
	// # Outputs
	//
	//   - CleanupResult: Counts of exports purged plus per-item errors.
	//   - error: Non-nil only if the batch aborts entirely (context cancelled).
	PurgeExportBatch(ctx context.Context, exports []ExpiredExport) (CleanupResult, error)

	// PurgeOrphanBatch deletes a batch of orphaned export files.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout.
	//   - files: Orphaned files to delete from the store.
	//
	// # Outputs
	//
	//   - CleanupResult: Counts of files removed plus per-item errors.
	//   - error: Non-nil only if the batch aborts entirely (context cancelled).
	PurgeOrphanBatch(ctx context.Context, files []OrphanedFile) (CleanupResult, error)
}

// RetentionScheduler defines the interface for background retention sweeps.
//
// # Description
//
// Manages the lifecycle of a background goroutine that periodically runs
// retention cleanup. The scheduler uses the ticker + done channel pattern
// for graceful shutdown.
//
// # Limitations
//
//   - Only one scheduler should run per orchestrator instance.
//   - Scheduler does not persist state between restarts.
//
// # Assumptions
//
//   - The orchestrator manages the scheduler lifecycle.
//   - Context cancellation triggers graceful shutdown.
type RetentionScheduler interface {
	// Start begins the background cleanup scheduler.
	//
	// # Description
	//
	// Starts a goroutine that runs a cleanup cycle immediately and then at
	// the configured interval, until Stop() is called or the context is
	// cancelled.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation. When cancelled, scheduler stops.
	//
	// # Outputs
	//
	//   - error: Non-nil if the scheduler is already running.
	Start(ctx context.Context) error

	// Stop gracefully stops the scheduler.
	//
	// # Description
	//
	// Signals the scheduler goroutine to exit. Safe to call multiple times.
	//
	// # Outputs
	//
	//   - error: Non-nil if the scheduler fails to stop cleanly.
	Stop() error

	// RunNow triggers an immediate cleanup cycle.
	//
	// # Description
	//
	// Performs a cleanup cycle without waiting for the next scheduled
	// interval. Used by the admin CLI and by tests.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout.
	//
	// # Outputs
	//
	//   - CleanupResult: Summary of the cleanup cycle.
	//   - error: Non-nil if the cycle fails.
	RunNow(ctx context.Context) (CleanupResult, error)
}

// PurgeLogger defines the interface for retention audit logging with a
// tamper-evident chain.
//
// # Description
//
// Provides dual-output logging for purge operations. Structured logs go to
// slog for general monitoring. Purge records go to a dedicated append-only
// audit file, each linked to the previous record by hash so after-the-fact
// edits break the chain during verification.
//
// # Hash Chain
//
// Each purge record includes a hash of the previous record. If any record is
// modified, the chain will break during verification.
//
// # Limitations
//
//   - Log rotation must be handled externally (e.g., logrotate).
//   - File writes are synchronous; may impact performance on slow disks.
//
// # Assumptions
//
//   - The log file path is writable.
//   - System clock is reasonably accurate for timestamps.
type PurgeLogger interface {
	// LogPurge records a purge to the audit log.
	//
	// # Description
	//
	// Creates a PurgeRecord with the content hash of whatever was removed
	// (the serialized job record for exports, empty for orphan files), links
	// it to the previous record in the hash chain, and writes it to both
	// slog and the audit file.
	//
	// # Inputs
	//
	//   - content: The record that was purged (used to compute the content hash).
	//   - target: Identifier of the purged item (job ID or file name).
	//   - operation: Type of purge ("purge_export" or "purge_orphan_file").
	//   - metadata: Additional fields (session ID, file name, final status).
	//
	// # Outputs
	//
	//   - PurgeRecord: The record that was created and logged.
	//   - error: Non-nil if logging fails.
	LogPurge(content []byte, target string, operation string, metadata PurgeMetadata) (PurgeRecord, error)

	// LogCleanup records a cleanup cycle summary to the audit log.
	//
	// # Description
	//
	// Writes a structured entry containing the cycle result to both slog
	// and the audit file. Summary records are not part of the hash chain.
	//
	// # Inputs
	//
	//   - result: CleanupResult containing cycle details.
	//
	// # Outputs
	//
	//   - error: Non-nil if logging fails.
	LogCleanup(result CleanupResult) error

	// LogError records a cleanup error to the audit log.
	//
	// # Inputs
	//
	//   - err: The error that occurred.
	//   - context: Description of what operation was being performed.
	//
	// # Outputs
	//
	//   - error: Non-nil if logging fails.
	LogError(err error, context string) error

	// VerifyChain verifies the integrity of the hash chain.
	//
	// # Description
	//
	// Reads purge records and verifies that each record's PrevHash matches
	// the previous record's EntryHash and that each EntryHash matches its
	// recomputed value.
	//
	// # Outputs
	//
	//   - valid: True if the chain linkage is valid.
	//   - breakIndex: Index of first broken link (-1 if valid).
	//   - error: Non-nil if verification fails to complete.
	VerifyChain() (valid bool, breakIndex int64, err error)

	// GetEntryCount returns the number of purge records in the audit log.
	//
	// # Description
	//
	// Used by `crmctl exports audit` for status reporting.
	//
	// # Outputs
	//
	//   - count: Number of purge records in the log.
	//   - error: Non-nil if reading fails.
	GetEntryCount() (int64, error)

	// GetLastEntry returns the most recent purge record.
	//
	// # Outputs
	//
	//   - record: The most recent PurgeRecord (nil if the log is empty).
	//   - error: Non-nil if reading fails.
	GetLastEntry() (*PurgeRecord, error)

	// ReopenLogFile closes and reopens the log file for rotation support.
	//
	// # Description
	//
	// Supports external log rotation by closing the current file handle and
	// opening a new one at the same path, typically in response to SIGHUP
	// after logrotate has moved the old file. The chain state (sequence,
	// previous hash) is preserved in memory.
	//
	// # Outputs
	//
	//   - error: Non-nil if reopen fails.
	//
	// # Limitations
	//
	//   - After rotation, the new file will not contain old records; chain
	//     verification across rotated files requires processing the files
	//     in chronological order externally.
	ReopenLogFile() error

	// CheckLogSize returns the current log file size in bytes.
	//
	// # Description
	//
	// Used to trigger warnings when the file grows beyond an expected
	// threshold, indicating rotation may not be configured.
	//
	// # Outputs
	//
	//   - int64: File size in bytes.
	//   - error: Non-nil if stat fails.
	CheckLogSize() (int64, error)

	// VerifyFilePermissions checks that the audit log file is owner-only.
	//
	// # Description
	//
	// Verifies that the file permissions have not been changed from the
	// expected restricted mode (0600). Detects external tampering or
	// misconfiguration that could expose purge metadata.
	//
	// # Outputs
	//
	//   - error: Non-nil if permissions are incorrect or verification fails.
	//
	// # Limitations
	//
	//   - Only checks Unix permission bits, not ACLs.
	VerifyFilePermissions() error

	// Close closes the audit log file.
	//
	// # Outputs
	//
	//   - error: Non-nil if close fails.
	Close() error
}

// PurgeVerifier defines methods for verifying purges actually occurred.
//
// # Description
//
// Performs read-after-delete checks to confirm that files and registry
// entries are gone. The audit log should not claim an export was purged if
// its file is still downloadable: a delete call can succeed at the API level
// while the object lingers (partial network failure, storage-level issues).
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type PurgeVerifier interface {
	// VerifyFileDeleted confirms a file no longer exists in the export store.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout.
	//   - name: Name of the supposedly deleted file.
	//
	// # Outputs
	//
	//   - bool: True if the file is confirmed gone.
	//   - error: Non-nil if the check itself fails after retries.
	VerifyFileDeleted(ctx context.Context, name string) (bool, error)

	// VerifyJobDeleted confirms a job entry no longer exists in the registry.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout.
	//   - jobID: ID of the supposedly deleted job.
	//
	// # Outputs
	//
	//   - bool: True if the entry is confirmed gone.
	//   - error: Non-nil if the check itself fails after retries.
	VerifyJobDeleted(ctx context.Context, jobID string) (bool, error)
}

// PurgeMetadata contains optional metadata for a purge record.
type PurgeMetadata struct {
	SessionID string
	FileName  string
	Status    string
}

// =============================================================================
// Types
// =============================================================================

// ExpiredExport represents an export job that has passed its retention window.
//
// # Description
//
// Contains the metadata needed to purge the export: the registry key, the
// file to remove, and context for the audit record.
//
// # Fields
//
//   - JobID: Registry key of the export job.
//   - SessionID: Chat session that requested the export, for audit context.
//   - FileName: Name of the CSV in the export store. Empty if the job never
//     produced a file (failed before the write, or estimate-only).
//   - Status: Final job status at expiry ("completed", "failed", "running").
//   - UpdatedAt: Last status change; expiry is measured from here.
type ExpiredExport struct {
	JobID     string
	SessionID string
	FileName  string
	Status    string
	UpdatedAt time.Time
}

// OrphanedFile represents an export file with no registry entry.
//
// # Fields
//
//   - Name: File name in the export store.
//   - Size: File size in bytes, for the audit record.
//   - ModTime: Last modification time; orphans younger than the retention
//     window are left alone.
type OrphanedFile struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// CleanupResult summarizes a retention cleanup cycle.
//
// # Description
//
// Contains timing information, counts of purged items, and any per-item
// errors. A purge that fails stays in the registry and is retried on the
// next cycle, so errors here are expected to be transient.
//
// # Fields
//
//   - StartTime: When the cleanup cycle started.
//   - EndTime: When the cleanup cycle completed.
//   - ExportsFound: Number of expired exports found.
//   - ExportsPurged: Number of exports fully purged (file and registry entry).
//   - OrphansFound: Number of orphaned files found.
//   - OrphansPurged: Number of orphaned files removed.
//   - Errors: Per-item cleanup failures.
type CleanupResult struct {
	StartTime     time.Time
	EndTime       time.Time
	ExportsFound  int
	ExportsPurged int
	OrphansFound  int
	OrphansPurged int
	Errors        []CleanupError
}

// Duration returns the total duration of the cleanup cycle.
func (r *CleanupResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// DurationMs returns the duration in milliseconds for logging.
func (r *CleanupResult) DurationMs() int64 {
	return r.Duration().Milliseconds()
}

// HasErrors returns true if any errors occurred during cleanup.
func (r *CleanupResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// merge folds counts and errors from another result into this one.
func (r *CleanupResult) merge(other CleanupResult) {
	r.ExportsFound += other.ExportsFound
	r.ExportsPurged += other.ExportsPurged
	r.OrphansFound += other.OrphansFound
	r.OrphansPurged += other.OrphansPurged
	r.Errors = append(r.Errors, other.Errors...)
}

// CleanupError represents a single purge failure.
//
// # Fields
//
//   - Target: Job ID or file name that failed to purge.
//   - Reason: Human-readable error description.
type CleanupError struct {
	Target string
	Reason string
}

// =============================================================================
// Hash Chain Types for Tamper-Evident Purge Records
// =============================================================================

// PurgeRecord represents a validated purge entry in the audit log.
//
// # Description
//
// Each purge is recorded with a hash of the purged registry record and
// linked to the previous purge record, creating a tamper-evident chain. If
// any record is modified after the fact, the chain will break during
// verification.
//
// # Fields
//
//   - Sequence: Monotonically increasing sequence number.
//   - Timestamp: RFC3339 formatted timestamp of the purge.
//   - Operation: Type of purge ("purge_export", "purge_orphan_file").
//   - ContentHash: SHA-256 hash of the purged record (hex encoded).
//   - Target: Job ID or file name of the purged item.
//   - SessionID: Session that requested the export, when known.
//   - FileName: Name of the removed file, when one existed.
//   - Status: Final job status at purge time.
//   - PrevHash: SHA-256 hash of the previous PurgeRecord (hex encoded).
//   - EntryHash: SHA-256 hash of this entire record (hex encoded).
//
// # Hash Chain Verification
//
// To verify the chain integrity:
//  1. Start from the first record (PrevHash should be the genesis hash)
//  2. Recompute EntryHash from record fields
//  3. Verify the computed hash matches the stored EntryHash
//  4. Verify the next record's PrevHash matches this EntryHash
//  5. Repeat for all records
type PurgeRecord struct {
	Sequence    int64  `json:"sequence"`
	Timestamp   string `json:"timestamp"`
	Operation   string `json:"operation"`
	ContentHash string `json:"content_hash"`
	Target      string `json:"target"`
	SessionID   string `json:"session_id,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	Status      string `json:"status,omitempty"`
	PrevHash    string `json:"prev_hash"`
	EntryHash   string `json:"entry_hash"`
}
