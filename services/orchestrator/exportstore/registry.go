// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package exportstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// ErrJobNotFound indicates no job record exists for the given ID.
var ErrJobNotFound = errors.New("export job not found")

// jobKeyPrefix namespaces job records inside the database.
const jobKeyPrefix = "export:job:"

// JobRegistry persists export job records in an embedded BadgerDB.
//
// # Description
//
// Job records outlive the chat turn that created them: the download route
// looks jobs up later, and the retention sweeper prunes them together with
// their files. BadgerDB gives local, low-latency persistence without an
// external database.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions provide isolation.
type JobRegistry struct {
	db *badger.DB
}

var _ agent.JobRegistry = (*JobRegistry)(nil)

// NewJobRegistry opens a persistent job registry at the given directory.
//
// # Inputs
//
//   - path: Directory for database files. Created if it doesn't exist.
//
// # Outputs
//
//   - *JobRegistry: The opened registry. Caller must Close() when done.
//   - error: Non-nil if the database cannot be opened.
func NewJobRegistry(path string) (*JobRegistry, error) {
	if path == "" {
		return nil, errors.New("path is required for persistent registry")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create registry directory %s: %w", path, err)
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	return &JobRegistry{db: db}, nil
}

// NewInMemoryJobRegistry opens a registry that loses its data on Close.
// Useful for testing and single-shot deployments.
func NewInMemoryJobRegistry() (*JobRegistry, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory registry: %w", err)
	}
	return &JobRegistry{db: db}, nil
}

// SaveJob writes or replaces one job record.
func (r *JobRegistry) SaveJob(ctx context.Context, job *datatypes.ExportJob) error {
	if job == nil || job.JobID == "" {
		return errors.New("job must have an ID")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.JobID, err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job.JobID), data)
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob loads one job record. Returns ErrJobNotFound for unknown IDs.
func (r *JobRegistry) GetJob(ctx context.Context, jobID string) (*datatypes.ExportJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var job datatypes.ExportJob
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListJobs returns all job records. The retention sweeper and the admin CLI
// iterate the full set; the registry is small enough that no paging is
// needed.
func (r *JobRegistry) ListJobs(ctx context.Context) ([]*datatypes.ExportJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var jobs []*datatypes.ExportJob
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var job datatypes.ExportJob
				if err := json.Unmarshal(val, &job); err != nil {
					return err
				}
				jobs = append(jobs, &job)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes one job record. Deleting a missing job is not an error.
func (r *JobRegistry) DeleteJob(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(jobID))
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// GC runs one value-log garbage collection pass. The retention sweeper
// calls this after pruning; ErrNoRewrite (nothing to collect) is not an
// error.
func (r *JobRegistry) GC() error {
	err := r.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("registry GC: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *JobRegistry) Close() error {
	return r.db.Close()
}

func jobKey(jobID string) []byte {
	return []byte(jobKeyPrefix + jobID)
}
