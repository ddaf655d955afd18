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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/exportstore"
)

// =============================================================================
// Retention Configuration
// =============================================================================

// RetentionConfig controls how long exports are kept.
//
// # Fields
//
//   - RetentionPeriod: How long terminal exports (completed, failed) and
//     their files are kept after the last status change. Default: 168 hours.
//   - StalePeriod: How long non-terminal exports (pending, running) are kept
//     before they are treated as abandoned. Default: 24 hours.
type RetentionConfig struct {
	RetentionPeriod time.Duration
	StalePeriod     time.Duration
}

// DefaultRetentionConfig returns production-ready retention windows.
//
// # Description
//
// Seven days covers the "download it Monday" case for an export generated
// on Friday. One day is generous for a job that never reached a terminal
// status, since a healthy export finishes in minutes.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionPeriod: 7 * 24 * time.Hour,
		StalePeriod:     24 * time.Hour,
	}
}

// validateRetentionConfig checks config values and falls back to defaults
// for invalid ones.
func validateRetentionConfig(config RetentionConfig) RetentionConfig {
	defaults := DefaultRetentionConfig()

	if config.RetentionPeriod < time.Hour {
		slog.Warn("invalid retention period, using default",
			"provided", config.RetentionPeriod,
			"default", defaults.RetentionPeriod,
		)
		config.RetentionPeriod = defaults.RetentionPeriod
	}
	if config.StalePeriod < time.Hour {
		slog.Warn("invalid stale period, using default",
			"provided", config.StalePeriod,
			"default", defaults.StalePeriod,
		)
		config.StalePeriod = defaults.StalePeriod
	}
	if config.StalePeriod > config.RetentionPeriod {
		slog.Warn("stale period exceeds retention period, clamping",
			"stale_period", config.StalePeriod,
			"retention_period", config.RetentionPeriod,
		)
		config.StalePeriod = config.RetentionPeriod
	}

	return config
}

// =============================================================================
// Storage Seams
// =============================================================================

// JobStore is the slice of the job registry the retention service needs.
// *exportstore.JobRegistry satisfies it.
type JobStore interface {
	ListJobs(ctx context.Context) ([]*datatypes.ExportJob, error)
	GetJob(ctx context.Context, jobID string) (*datatypes.ExportJob, error)
	DeleteJob(ctx context.Context, jobID string) error
	GC() error
}

// FileStore is the slice of the export store the retention service needs.
// Any exportstore.Store satisfies it.
type FileStore interface {
	List(ctx context.Context) ([]exportstore.FileInfo, error)
	Delete(ctx context.Context, name string) error
}

// =============================================================================
// Retention Service Implementation
// =============================================================================

// retentionService implements RetentionService over a job registry and an
// export file store.
//
// # Fields
//
//   - registry: Badger-backed export job registry.
//   - store: Export file store (local directory or GCS).
//   - clock: Sanity-checked time source for expiry math.
//   - verifier: Optional read-after-delete verification.
//   - logger: Optional tamper-evident purge logger.
//   - sink: Optional external purge event sink.
//   - config: Retention windows.
//
// # Thread Safety
//
// Stateless beyond its collaborators; safe for concurrent use.
type retentionService struct {
	registry JobStore
	store    FileStore
	clock    ClockChecker
	verifier PurgeVerifier
	logger   PurgeLogger
	sink     PurgeEventSink
	config   RetentionConfig
}

var _ RetentionService = (*retentionService)(nil)

// NewRetentionService creates a retention service with default windows.
//
// # Description
//
// Uses the default clock checker and retention config, with no purge
// verification or audit logging. Suitable for tests and the admin CLI;
// the orchestrator wires the full variant via NewRetentionServiceWithAudit.
//
// # Inputs
//
//   - registry: Export job registry. Must not be nil.
//   - store: Export file store. Must not be nil.
//
// # Outputs
//
//   - RetentionService: Ready-to-use service.
func NewRetentionService(registry JobStore, store FileStore) RetentionService {
	return NewRetentionServiceWithConfig(registry, store, DefaultRetentionConfig())
}

// NewRetentionServiceWithConfig creates a retention service with custom windows.
func NewRetentionServiceWithConfig(registry JobStore, store FileStore, config RetentionConfig) RetentionService {
	return &retentionService{
		registry: registry,
		store:    store,
		clock:    NewClockChecker(),
		config:   validateRetentionConfig(config),
	}
}

// NewRetentionServiceWithAudit creates a fully wired retention service.
//
// # Description
//
// Adds read-after-delete verification, tamper-evident purge logging, and an
// external event sink on top of the base service. Any of verifier, logger,
// and sink may be nil to disable that concern.
//
// # Inputs
//
//   - registry: Export job registry. Must not be nil.
//   - store: Export file store. Must not be nil.
//   - config: Retention windows.
//   - clock: Time source; nil falls back to the default checker.
//   - verifier: Read-after-delete verification, may be nil.
//   - logger: Purge audit logger, may be nil.
//   - sink: External purge event sink, may be nil.
//
// # Outputs
//
//   - RetentionService: Ready-to-use service.
func NewRetentionServiceWithAudit(registry JobStore, store FileStore, config RetentionConfig, clock ClockChecker, verifier PurgeVerifier, logger PurgeLogger, sink PurgeEventSink) RetentionService {
	if clock == nil {
		clock = NewClockChecker()
	}
	return &retentionService{
		registry: registry,
		store:    store,
		clock:    clock,
		verifier: verifier,
		logger:   logger,
		sink:     sink,
		config:   validateRetentionConfig(config),
	}
}

// GetExpiredExports returns export jobs that have passed their retention window.
//
// # Description
//
// Scans the registry and applies the retention window per job status:
// terminal jobs use RetentionPeriod, non-terminal jobs use StalePeriod.
// Expiry is measured from UpdatedAt, falling back to CreatedAt for jobs
// saved before their first status change.
func (s *retentionService) GetExpiredExports(ctx context.Context, limit int) ([]ExpiredExport, error) {
	now, err := s.clock.CurrentTime()
	if err != nil {
		return nil, fmt.Errorf("clock sanity check failed, refusing retention scan: %w", err)
	}

	jobs, err := s.registry.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list export jobs: %w", err)
	}

	expired := make([]ExpiredExport, 0)
	for _, job := range jobs {
		if job == nil {
			continue
		}

		window := s.config.StalePeriod
		if job.Status.IsTerminal() {
			window = s.config.RetentionPeriod
		}

		ref := job.UpdatedAt
		if ref.IsZero() {
			ref = job.CreatedAt
		}
		if ref.IsZero() || now.Sub(ref) <= window {
			continue
		}

		expired = append(expired, ExpiredExport{
			JobID:     job.JobID,
			SessionID: job.SessionID,
			FileName:  job.FileName,
			Status:    string(job.Status),
			UpdatedAt: ref,
		})
		if limit > 0 && len(expired) >= limit {
			break
		}
	}

	slog.Debug("ttl.expired_exports_scanned",
		"jobs_scanned", len(jobs),
		"expired", len(expired),
	)
	return expired, nil
}

// GetOrphanedFiles returns export files with no registry entry.
//
// # Description
//
// Lists the store, builds the set of file names still referenced by any
// job (expired or not), and reports unreferenced files older than the
// retention window. The age gate protects an export being written right
// now, whose job record may not have landed yet.
func (s *retentionService) GetOrphanedFiles(ctx context.Context, limit int) ([]OrphanedFile, error) {
	now, err := s.clock.CurrentTime()
	if err != nil {
		return nil, fmt.Errorf("clock sanity check failed, refusing retention scan: %w", err)
	}

	files, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list export files: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	jobs, err := s.registry.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list export jobs: %w", err)
	}

	referenced := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if job != nil && job.FileName != "" {
			referenced[job.FileName] = struct{}{}
		}
	}

	orphans := make([]OrphanedFile, 0)
	for _, file := range files {
		if _, ok := referenced[file.Name]; ok {
			continue
		}
		if now.Sub(file.ModTime) <= s.config.RetentionPeriod {
			continue
		}

		orphans = append(orphans, OrphanedFile{
			Name:    file.Name,
			Size:    file.Size,
			ModTime: file.ModTime,
		})
		if limit > 0 && len(orphans) >= limit {
			break
		}
	}

	slog.Debug("ttl.orphaned_files_scanned",
		"files_scanned", len(files),
		"orphaned", len(orphans),
	)
	return orphans, nil
}

// PurgeExportBatch deletes a batch of expired exports.
//
// # Description
//
// Deletes the file first and the registry entry second. A failed file
// delete keeps the registry entry so the next cycle retries; a failed
// registry delete leaves a file-less entry that the next cycle retries
// the same way. Each completed purge is verified (when a verifier is
// configured) and written to the audit chain.
func (s *retentionService) PurgeExportBatch(ctx context.Context, exports []ExpiredExport) (CleanupResult, error) {
	result := CleanupResult{
		StartTime:    time.Now(),
		ExportsFound: len(exports),
		Errors:       make([]CleanupError, 0),
	}

	for _, export := range exports {
		if err := ctx.Err(); err != nil {
			result.EndTime = time.Now()
			return result, err
		}

		if export.FileName != "" {
			if err := s.store.Delete(ctx, export.FileName); err != nil {
				slog.Warn("Failed to delete expired export file",
					"job_id", export.JobID,
					"file", export.FileName,
					"error", err,
				)
				result.Errors = append(result.Errors, CleanupError{
					Target: export.JobID,
					Reason: fmt.Sprintf("delete file %s: %v", export.FileName, err),
				})
				continue
			}
			if !s.confirmFileGone(ctx, export.FileName, export.JobID, &result) {
				continue
			}
		}

		// Fetch the registry record before deleting it; its bytes feed the
		// content hash in the audit chain.
		var content []byte
		if job, err := s.registry.GetJob(ctx, export.JobID); err == nil {
			content, _ = json.Marshal(job)
		}

		if err := s.registry.DeleteJob(ctx, export.JobID); err != nil {
			slog.Warn("Failed to delete export registry entry",
				"job_id", export.JobID,
				"error", err,
			)
			result.Errors = append(result.Errors, CleanupError{
				Target: export.JobID,
				Reason: fmt.Sprintf("delete registry entry: %v", err),
			})
			continue
		}
		if s.verifier != nil {
			gone, err := s.verifier.VerifyJobDeleted(ctx, export.JobID)
			if err != nil || !gone {
				slog.Warn("Purge verification failed",
					"job_id", export.JobID,
					"error", err,
				)
				result.Errors = append(result.Errors, CleanupError{
					Target: export.JobID,
					Reason: verifyFailReason("registry entry", err),
				})
				continue
			}
		}

		result.ExportsPurged++
		s.recordPurge(ctx, content, export)
		slog.Debug("Purged expired export",
			"job_id", export.JobID,
			"file", export.FileName,
			"status", export.Status,
		)
	}

	if result.ExportsPurged > 0 {
		if err := s.registry.GC(); err != nil {
			slog.Debug("ttl.registry_gc_skipped", "error", err)
		}
	}

	result.EndTime = time.Now()
	return result, nil
}

// PurgeOrphanBatch deletes a batch of orphaned export files.
func (s *retentionService) PurgeOrphanBatch(ctx context.Context, files []OrphanedFile) (CleanupResult, error) {
	result := CleanupResult{
		StartTime:    time.Now(),
		OrphansFound: len(files),
		Errors:       make([]CleanupError, 0),
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			result.EndTime = time.Now()
			return result, err
		}

		if err := s.store.Delete(ctx, file.Name); err != nil {
			slog.Warn("Failed to delete orphaned export file",
				"file", file.Name,
				"error", err,
			)
			result.Errors = append(result.Errors, CleanupError{
				Target: file.Name,
				Reason: fmt.Sprintf("delete file: %v", err),
			})
			continue
		}
		if !s.confirmFileGone(ctx, file.Name, file.Name, &result) {
			continue
		}

		result.OrphansPurged++
		s.recordOrphanRemoval(ctx, file)
		slog.Debug("Removed orphaned export file",
			"file", file.Name,
			"size_bytes", file.Size,
		)
	}

	result.EndTime = time.Now()
	return result, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// confirmFileGone runs the read-after-delete check when a verifier is
// configured. Records an error and returns false if the file still exists.
func (s *retentionService) confirmFileGone(ctx context.Context, name, target string, result *CleanupResult) bool {
	if s.verifier == nil {
		return true
	}
	gone, err := s.verifier.VerifyFileDeleted(ctx, name)
	if err != nil || !gone {
		slog.Warn("File purge verification failed",
			"file", name,
			"error", err,
		)
		result.Errors = append(result.Errors, CleanupError{
			Target: target,
			Reason: verifyFailReason("file "+name, err),
		})
		return false
	}
	return true
}

// recordPurge writes the purge to the audit chain and notifies the sink.
// Audit failures are logged, not fatal: the deletion already happened.
func (s *retentionService) recordPurge(ctx context.Context, content []byte, export ExpiredExport) {
	if s.logger != nil {
		_, err := s.logger.LogPurge(content, export.JobID, "purge_export", PurgeMetadata{
			SessionID: export.SessionID,
			FileName:  export.FileName,
			Status:    export.Status,
		})
		if err != nil {
			slog.Warn("ttl.purge_record_write_failed",
				"job_id", export.JobID,
				"error", err,
			)
		}
	}
	if s.sink != nil {
		event := ExportPurgeEvent{
			Timestamp: time.Now().UTC(),
			JobID:     export.JobID,
			SessionID: export.SessionID,
			FileName:  export.FileName,
			Status:    export.Status,
		}
		if err := s.sink.OnExportPurged(ctx, event); err != nil {
			slog.Warn("ttl.purge_sink_failed",
				"job_id", export.JobID,
				"error", err,
			)
		}
	}
}

// recordOrphanRemoval writes the orphan removal to the audit chain and
// notifies the sink.
func (s *retentionService) recordOrphanRemoval(ctx context.Context, file OrphanedFile) {
	if s.logger != nil {
		_, err := s.logger.LogPurge(nil, file.Name, "purge_orphan_file", PurgeMetadata{
			FileName: file.Name,
		})
		if err != nil {
			slog.Warn("ttl.purge_record_write_failed",
				"file", file.Name,
				"error", err,
			)
		}
	}
	if s.sink != nil {
		event := OrphanRemovalEvent{
			Timestamp: time.Now().UTC(),
			FileName:  file.Name,
			SizeBytes: file.Size,
			ModTime:   file.ModTime,
		}
		if err := s.sink.OnOrphanRemoved(ctx, event); err != nil {
			slog.Warn("ttl.purge_sink_failed",
				"file", file.Name,
				"error", err,
			)
		}
	}
}

// verifyFailReason formats a read-after-delete failure for a CleanupError.
func verifyFailReason(what string, err error) string {
	if err != nil {
		return fmt.Sprintf("verify %s deleted: %v", what, err)
	}
	return fmt.Sprintf("%s still exists after delete", what)
}
