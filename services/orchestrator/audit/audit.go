// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit persists the per-round audit trail the agent loop emits.
//
// Two sink implementations are provided: an append-only JSONL file for
// single-node deployments, and a Postgres table for installations that
// already run a database. The loop calls sinks asynchronously and treats
// failures as log-and-continue, so neither sink is on the response path.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// FileSink appends one JSON line per audit round to a local file.
//
// # Thread Safety
//
// Safe for concurrent use. Writes are serialized by a mutex so concurrent
// rounds never interleave lines.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

var _ agent.AuditSink = (*FileSink)(nil)

// NewFileSink opens (or creates) the audit file for appending.
//
// # Inputs
//
//   - path: Audit file path. Parent directory is created if missing.
//
// # Outputs
//
//   - *FileSink: The opened sink. Caller must Close() when done.
//   - error: Non-nil if the file cannot be opened.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("audit file path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create audit directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	return &FileSink{file: file, path: path}, nil
}

// RecordRound appends one audit record as a JSON line.
func (s *FileSink) RecordRound(ctx context.Context, round datatypes.AuditRound) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("encode audit round: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("audit sink is closed")
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("write audit round: %w", err)
	}
	return nil
}

// Path returns the audit file path.
func (s *FileSink) Path() string {
	return s.path
}

// Reopen closes and reopens the audit file for rotation support.
//
// Typically called from a SIGHUP handler after logrotate has moved the old
// file. If reopen fails the sink is left closed and subsequent writes error.
func (s *FileSink) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			slog.Warn("audit: error closing old file during rotation",
				"path", s.path, "error", err)
		}
		s.file = nil
	}

	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("reopen audit file %s: %w", s.path, err)
	}
	s.file = file
	return nil
}

// Close flushes and closes the audit file. Safe to call multiple times.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
