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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Retention Scheduler Implementation
// =============================================================================

// SchedulerConfig holds configuration for the retention cleanup scheduler.
//
// # Description
//
// Contains all settings for running the background retention sweeper.
// Default values are provided via DefaultSchedulerConfig().
//
// # Fields
//
//   - Interval: How often to run cleanup cycles. Default: 1 hour.
//   - ExportBatchSize: Maximum expired exports to purge per cycle. Default: 500.
//   - OrphanBatchSize: Maximum orphaned files to remove per cycle. Default: 100.
type SchedulerConfig struct {
	Interval        time.Duration
	ExportBatchSize int
	OrphanBatchSize int
}

// DefaultSchedulerConfig returns sensible default scheduler configuration.
//
// # Description
//
// Returns a SchedulerConfig with production-ready defaults:
//   - Interval: 1 hour (balances responsiveness vs load)
//   - ExportBatchSize: 500 (more than a day of exports for any real tenant)
//   - OrphanBatchSize: 100 (orphans are rare; a small batch self-heals)
//
// # Outputs
//
//   - SchedulerConfig: Default configuration values.
//
// # Examples
//
//	config := DefaultSchedulerConfig()
//	config.Interval = 30 * time.Minute // Override just the interval
//	scheduler := NewRetentionScheduler(service, logger, config)
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:        1 * time.Hour,
		ExportBatchSize: 500,
		OrphanBatchSize: 100,
	}
}

// retentionScheduler implements RetentionScheduler for background cleanup.
//
// # Description
//
// Manages the lifecycle of a background goroutine that periodically purges
// expired exports. Uses the ticker + done channel pattern for graceful
// shutdown.
//
// # Fields
//
//   - service: RetentionService for finding and purging expired exports.
//   - logger: PurgeLogger for audit logging (may be nil for slog-only logging).
//   - config: Scheduler configuration.
//   - done: Channel signaling shutdown request.
//   - mu: Mutex protecting running state.
//   - running: True if the scheduler goroutine is active.
//
// # Thread Safety
//
// All public methods are thread-safe. The scheduler uses a mutex to protect
// state transitions.
type retentionScheduler struct {
	service RetentionService
	logger  PurgeLogger
	config  SchedulerConfig
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewRetentionScheduler creates a new retention cleanup scheduler.
//
// # Description
//
// Creates a scheduler that periodically purges expired exports and orphaned
// files. It queries the retention service, purges in batches, and logs the
// results to slog and the purge audit log.
//
// # Inputs
//
//   - service: RetentionService for finding and purging expired exports.
//   - logger: PurgeLogger for audit logging. May be nil for slog-only logging.
//   - config: Scheduler configuration including interval and batch sizes.
//
// # Outputs
//
//   - RetentionScheduler: Ready to Start().
//
// # Examples
//
//	service := NewRetentionService(registry, store)
//	logger, _ := NewPurgeLogger("/var/log/aleutian/export_purges.log")
//	config := DefaultSchedulerConfig()
//	config.Interval = 30 * time.Minute
//
//	scheduler := NewRetentionScheduler(service, logger, config)
//	err := scheduler.Start(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer scheduler.Stop()
//
// # Limitations
//
//   - Only one scheduler should run per orchestrator instance.
//   - Scheduler does not persist state between restarts.
//
// # Assumptions
//
//   - The orchestrator manages the scheduler lifecycle.
func NewRetentionScheduler(service RetentionService, logger PurgeLogger, config SchedulerConfig) RetentionScheduler {
	return &retentionScheduler{
		service: service,
		logger:  logger,
		config:  config,
		done:    make(chan struct{}),
	}
}

// Start begins the background cleanup scheduler.
//
// # Description
//
// Starts a goroutine that runs cleanup at the configured interval. The
// scheduler will continue running until Stop() is called or the context is
// cancelled.
//
// # Inputs
//
//   - ctx: Context for cancellation. When cancelled, scheduler stops.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
//
// # Limitations
//
//   - Only one Start() call is allowed until Stop() completes.
//   - Context cancellation triggers immediate shutdown, not graceful drain.
func (s *retentionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	s.mu.Unlock()

	slog.Info("Export retention scheduler starting",
		"interval", s.config.Interval.String(),
		"export_batch_size", s.config.ExportBatchSize,
		"orphan_batch_size", s.config.OrphanBatchSize,
	)

	go s.runLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler.
//
// # Description
//
// Signals the scheduler goroutine to exit. Safe to call multiple times.
//
// # Outputs
//
//   - error: Currently always nil.
//
// # Limitations
//
//   - Does not interrupt in-progress purge operations.
func (s *retentionScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil // Already stopped
	}

	slog.Info("Export retention scheduler stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow triggers an immediate cleanup cycle.
//
// # Description
//
// Performs a cleanup cycle immediately without waiting for the next
// scheduled interval. Used by `crmctl exports purge` and by tests.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//
// # Outputs
//
//   - CleanupResult: Summary of the cleanup cycle.
//   - error: Non-nil if the cycle fails.
//
// # Limitations
//
//   - Does not affect scheduled cleanup timing.
//   - Subject to the same batch size limits as scheduled cleanup.
func (s *retentionScheduler) RunNow(ctx context.Context) (CleanupResult, error) {
	return s.runCleanupCycle(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

// runLoop is the main scheduler goroutine.
//
// # Description
//
// Runs cleanup cycles at the configured interval until stopped. Handles
// context cancellation and done channel signals.
func (s *retentionScheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run an initial cleanup immediately on start
	s.executeCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Export retention scheduler stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("Export retention scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeCleanup(ctx)
		}
	}
}

// executeCleanup runs a single cleanup cycle with error handling.
//
// # Description
//
// Wraps runCleanupCycle with logging and error handling. Ensures that
// cleanup errors don't crash the scheduler.
func (s *retentionScheduler) executeCleanup(ctx context.Context) {
	result, err := s.runCleanupCycle(ctx)
	if err != nil {
		slog.Error("Export retention cycle failed", "error", err)
		if s.logger != nil {
			_ = s.logger.LogError(err, "cleanup_cycle")
		}
		return
	}

	// Only log if something was found or purged
	if result.ExportsFound > 0 || result.OrphansFound > 0 {
		slog.Info("Export retention cycle completed",
			"exports_found", result.ExportsFound,
			"exports_purged", result.ExportsPurged,
			"orphans_found", result.OrphansFound,
			"orphans_purged", result.OrphansPurged,
			"duration_ms", result.DurationMs(),
			"errors", len(result.Errors),
		)
	} else {
		slog.Debug("Export retention cycle completed (nothing expired)")
	}

	// Write to dedicated audit log
	if s.logger != nil {
		_ = s.logger.LogCleanup(result)
	}
}

// runCleanupCycle performs a single cleanup operation.
//
// # Description
//
// Purges expired exports first, then orphaned files. The orphan scan runs
// after the export purge so files belonging to just-purged jobs are already
// gone and never double-counted as orphans.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//
// # Outputs
//
//   - CleanupResult: Summary combining both phases.
//   - error: Non-nil if a phase fails catastrophically.
func (s *retentionScheduler) runCleanupCycle(ctx context.Context) (CleanupResult, error) {
	combined := CleanupResult{
		StartTime: time.Now(),
		Errors:    make([]CleanupError, 0),
	}

	// Phase 1: Purge expired exports
	exportResult, err := s.purgeExpiredExports(ctx)
	if err != nil {
		return combined, fmt.Errorf("export purge failed: %w", err)
	}
	combined.merge(exportResult)

	// Phase 2: Remove orphaned files
	orphanResult, err := s.purgeOrphanedFiles(ctx)
	if err != nil {
		return combined, fmt.Errorf("orphan removal failed: %w", err)
	}
	combined.merge(orphanResult)

	combined.EndTime = time.Now()
	return combined, nil
}

// purgeExpiredExports queries and purges expired exports.
func (s *retentionScheduler) purgeExpiredExports(ctx context.Context) (CleanupResult, error) {
	expired, err := s.service.GetExpiredExports(ctx, s.config.ExportBatchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("failed to query expired exports: %w", err)
	}

	if len(expired) == 0 {
		return CleanupResult{
			StartTime: time.Now(),
			EndTime:   time.Now(),
		}, nil
	}

	slog.Debug("Found expired exports", "count", len(expired))

	result, err := s.service.PurgeExportBatch(ctx, expired)
	if err != nil {
		return result, fmt.Errorf("failed to purge expired exports: %w", err)
	}

	return result, nil
}

// purgeOrphanedFiles queries and removes orphaned export files.
func (s *retentionScheduler) purgeOrphanedFiles(ctx context.Context) (CleanupResult, error) {
	orphans, err := s.service.GetOrphanedFiles(ctx, s.config.OrphanBatchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("failed to query orphaned files: %w", err)
	}

	if len(orphans) == 0 {
		return CleanupResult{
			StartTime: time.Now(),
			EndTime:   time.Now(),
		}, nil
	}

	slog.Debug("Found orphaned export files", "count", len(orphans))

	result, err := s.service.PurgeOrphanBatch(ctx, orphans)
	if err != nil {
		return result, fmt.Errorf("failed to remove orphaned files: %w", err)
	}

	return result, nil
}
