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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/exportstore"
)

// =============================================================================
// Purge Verification
// =============================================================================

// FileExistsFunc checks whether a file still exists in the export store.
//
// # Description
//
// This function type decouples the verifier from the concrete store,
// allowing unit tests to inject implementations without a real backend.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - name: Export file name.
//
// # Outputs
//
//   - bool: True if the file exists.
//   - error: Non-nil if the check itself fails.
type FileExistsFunc func(ctx context.Context, name string) (bool, error)

// JobExistsFunc checks whether a job entry still exists in the registry.
type JobExistsFunc func(ctx context.Context, jobID string) (bool, error)

// purgeVerifier implements PurgeVerifier with configurable retry behavior.
//
// # Description
//
// Performs read-after-delete checks with retry logic. Object stores can
// acknowledge a delete while the object is still briefly readable, so the
// first check finding the item waits retryDelay before trying again, up
// to maxRetries attempts.
//
// # Fields
//
//   - fileExists: Function to check file existence (injectable for testing).
//   - jobExists: Function to check registry entry existence.
//   - retryDelay: Time to wait between retry attempts.
//   - maxRetries: Maximum number of verification attempts.
//
// # Thread Safety
//
// Stateless; safe for concurrent use.
type purgeVerifier struct {
	fileExists FileExistsFunc
	jobExists  JobExistsFunc
	retryDelay time.Duration
	maxRetries int
}

var _ PurgeVerifier = (*purgeVerifier)(nil)

// NewPurgeVerifier creates a verifier with injectable existence checks.
//
// # Description
//
// Zero values for retryDelay and maxRetries fall back to 100ms and 3.
//
// # Inputs
//
//   - fileExists: File existence check.
//   - jobExists: Registry entry existence check.
//   - retryDelay: Time to wait between attempts.
//   - maxRetries: Maximum verification attempts.
//
// # Outputs
//
//   - PurgeVerifier: Ready-to-use verifier.
//
// # Limitations
//
//   - Adds latency to purge operations (retryDelay x maxRetries in the worst case).
//   - Cannot distinguish "never existed" from "was deleted".
func NewPurgeVerifier(fileExists FileExistsFunc, jobExists JobExistsFunc, retryDelay time.Duration, maxRetries int) PurgeVerifier {
	if retryDelay == 0 {
		retryDelay = 100 * time.Millisecond
	}
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &purgeVerifier{
		fileExists: fileExists,
		jobExists:  jobExists,
		retryDelay: retryDelay,
		maxRetries: maxRetries,
	}
}

// FileOpener is the slice of the export store the verifier reads from.
type FileOpener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// JobGetter is the slice of the job registry the verifier reads from.
type JobGetter interface {
	GetJob(ctx context.Context, jobID string) (*datatypes.ExportJob, error)
}

// NewStoreVerifier creates a verifier backed by the export store and registry.
//
// # Description
//
// Builds the existence checks from the store's Open and the registry's
// GetJob: a not-found sentinel means confirmed gone, any other error means
// the check itself failed.
//
// # Inputs
//
//   - store: Export file store.
//   - registry: Export job registry.
//
// # Outputs
//
//   - PurgeVerifier: Verifier with default retry behavior.
func NewStoreVerifier(store FileOpener, registry JobGetter) PurgeVerifier {
	fileExists := func(ctx context.Context, name string) (bool, error) {
		reader, err := store.Open(ctx, name)
		if err != nil {
			if errors.Is(err, exportstore.ErrFileNotFound) {
				return false, nil
			}
			return false, err
		}
		reader.Close()
		return true, nil
	}
	jobExists := func(ctx context.Context, jobID string) (bool, error) {
		_, err := registry.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, exportstore.ErrJobNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	return NewPurgeVerifier(fileExists, jobExists, 0, 0)
}

// VerifyFileDeleted confirms a file no longer exists in the export store.
//
// # Description
//
// Attempts to read the file by name. If not found, the purge is confirmed.
// Retries with the configured delay to ride out delete acknowledgement lag.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - name: Name of the file to verify.
//
// # Outputs
//
//   - bool: True if the file is confirmed gone after all attempts.
//   - error: Non-nil if the file still exists after retries, or the check
//     itself kept failing, or the context was cancelled.
func (v *purgeVerifier) VerifyFileDeleted(ctx context.Context, name string) (bool, error) {
	return v.verifyGone(ctx, "file", name, v.fileExists)
}

// VerifyJobDeleted confirms a job entry no longer exists in the registry.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - jobID: ID of the job to verify.
//
// # Outputs
//
//   - bool: True if the entry is confirmed gone after all attempts.
//   - error: Non-nil if the entry still exists after retries, or the check
//     itself kept failing, or the context was cancelled.
func (v *purgeVerifier) VerifyJobDeleted(ctx context.Context, jobID string) (bool, error) {
	return v.verifyGone(ctx, "job", jobID, v.jobExists)
}

// verifyGone is the shared implementation for file and job verification.
//
// # Description
//
// Performs read-after-delete with retry logic. On each attempt:
//  1. Calls the existence check
//  2. If not found (exists=false, err=nil), returns true (confirmed gone)
//  3. If the check errors, logs and retries
//  4. If the item still exists, waits retryDelay and retries
func (v *purgeVerifier) verifyGone(ctx context.Context, kind, id string, exists func(context.Context, string) (bool, error)) (bool, error) {
	var lastErr error

	for attempt := 0; attempt < v.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(v.retryDelay):
			}
		}

		found, err := exists(ctx, id)
		if err != nil {
			lastErr = err
			slog.Debug("ttl.verifier: existence check error, retrying",
				"kind", kind,
				"id", id,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		if !found {
			return true, nil // Confirmed gone
		}

		slog.Debug("ttl.verifier: item still exists, retrying",
			"kind", kind,
			"id", id,
			"attempt", attempt+1,
		)
	}

	if lastErr != nil {
		return false, fmt.Errorf("verification failed for %s %s after %d attempts: %w",
			kind, id, v.maxRetries, lastErr)
	}
	return false, fmt.Errorf("%s %s still exists after %d verification attempts",
		kind, id, v.maxRetries)
}

// NewNoopPurgeVerifier creates a verifier that always confirms the purge.
//
// # Description
//
// Returns a no-op verifier that always reports success. Use when
// read-after-delete verification is not needed.
//
// # Outputs
//
//   - PurgeVerifier: Always returns (true, nil) for all checks.
func NewNoopPurgeVerifier() PurgeVerifier {
	return &noopPurgeVerifier{}
}

// noopPurgeVerifier always confirms the purge without checking.
type noopPurgeVerifier struct{}

func (v *noopPurgeVerifier) VerifyFileDeleted(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (v *noopPurgeVerifier) VerifyJobDeleted(_ context.Context, _ string) (bool, error) {
	return true, nil
}
