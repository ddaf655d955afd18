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
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// =============================================================================
// Purge Logger Implementation
// =============================================================================

// GenesisHash is the initial hash value for the first record in the chain.
// This allows verification that the chain starts from a known state.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// auditLogFileMode restricts read/write to owner only (0600).
//
// # Security Rationale
//
// The purge log records which exports existed, which sessions requested
// them, and when they were removed. That metadata reveals what customer
// data was extracted and by whom, which is itself sensitive. Restricting
// to owner-only access keeps other system users from reading it.
const auditLogFileMode = 0600

// purgeLogger implements PurgeLogger with dual output and hash chain integrity.
//
// # Description
//
// Structured logs go to slog (stdout/JSON) for general monitoring. Purge
// records with chain linkage go to a dedicated audit file.
//
// # Fields
//
//   - logFile: Handle to the dedicated audit log file.
//   - logPath: Path the file was opened at, for rotation reopen.
//   - fileMu: Mutex protecting file writes.
//   - sequence: Monotonically increasing sequence number.
//   - prevHash: Hash of the previous entry (for chain linking).
//
// # Thread Safety
//
// All methods are thread-safe. File writes are serialized via mutex.
type purgeLogger struct {
	logFile  *os.File
	logPath  string
	fileMu   sync.Mutex
	sequence int64
	prevHash string
}

// NewPurgeLogger creates a logger that writes to both slog and a dedicated file.
//
// # Description
//
// Creates a dual-output logger for purge audit compliance. The logger
// initializes the hash chain by reading the last entry from an existing
// file, or starts fresh with the genesis hash.
//
// # Inputs
//
//   - logPath: Path to the dedicated log file. Created if not exists.
//
// # Outputs
//
//   - PurgeLogger: Ready to use logger.
//   - error: Non-nil if file creation or chain initialization fails.
//
// # Examples
//
//	logger, err := NewPurgeLogger("/var/log/aleutian/export_purges.log")
//	if err != nil {
//	    return fmt.Errorf("failed to create purge logger: %w", err)
//	}
//	defer logger.Close()
//
// # Limitations
//
//   - Log rotation must be handled externally (e.g., logrotate).
//   - File is opened in append mode.
//   - Chain verification after rotation requires preserving old files.
func NewPurgeLogger(logPath string) (PurgeLogger, error) {
	// Open in append mode with restricted permissions (0600)
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open purge log file: %w", err)
	}

	logger := &purgeLogger{
		logFile:  file,
		logPath:  logPath,
		prevHash: GenesisHash,
		sequence: 0,
	}

	if err := logger.initializeChainState(logPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to initialize chain state: %w", err)
	}

	slog.Info("Purge audit logger initialized",
		"log_path", logPath,
		"starting_sequence", logger.sequence,
		"chain_initialized", true,
	)

	return logger, nil
}

// LogPurge records a purge with chain linkage.
//
// # Description
//
// Creates a PurgeRecord with the content hash of the purged registry record,
// links it to the previous record in the hash chain, and writes it to both
// slog and the audit file.
//
// # Inputs
//
//   - content: The record that was purged (nil hashes to the empty-content hash).
//   - target: Job ID or file name of the purged item.
//   - operation: Type of purge ("purge_export" or "purge_orphan_file").
//   - metadata: Additional fields (session ID, file name, final status).
//
// # Outputs
//
//   - PurgeRecord: The record that was created and logged.
//   - error: Non-nil if logging fails.
//
// # Limitations
//
//   - File writes are synchronous; may impact performance on slow disks.
func (l *purgeLogger) LogPurge(content []byte, target string, operation string, metadata PurgeMetadata) (PurgeRecord, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	l.sequence++

	record := PurgeRecord{
		Sequence:    l.sequence,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Operation:   operation,
		ContentHash: computeSHA256(content),
		Target:      target,
		SessionID:   metadata.SessionID,
		FileName:    metadata.FileName,
		Status:      metadata.Status,
		PrevHash:    l.prevHash,
	}

	record.EntryHash = computeRecordHash(record)

	if err := l.writeRecord(record); err != nil {
		return PurgeRecord{}, fmt.Errorf("failed to write purge record: %w", err)
	}

	l.prevHash = record.EntryHash

	slog.Info("ttl.purge.logged",
		"sequence", record.Sequence,
		"operation", record.Operation,
		"target", record.Target,
		"content_hash", record.ContentHash[:16]+"...",
	)

	return record, nil
}

// LogCleanup records a cleanup cycle summary to the audit log.
//
// # Description
//
// Writes a structured entry containing the cycle result to the audit file.
// Summary records are not part of the hash chain (separate format).
//
// # Inputs
//
//   - result: CleanupResult containing cycle details.
//
// # Outputs
//
//   - error: Non-nil if logging fails.
func (l *purgeLogger) LogCleanup(result CleanupResult) error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	summary := cleanupSummaryRecord{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Operation:     "cleanup_cycle",
		ExportsFound:  result.ExportsFound,
		ExportsPurged: result.ExportsPurged,
		OrphansFound:  result.OrphansFound,
		OrphansPurged: result.OrphansPurged,
		DurationMs:    result.DurationMs(),
		ErrorCount:    len(result.Errors),
	}

	jsonBytes, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal cleanup summary: %w", err)
	}

	if _, err := l.logFile.Write(append(jsonBytes, '\n')); err != nil {
		return fmt.Errorf("failed to write cleanup summary: %w", err)
	}

	return nil
}

// LogError records a cleanup error to the audit log.
//
// # Description
//
// Writes an error entry to both slog and the audit file. Error records are
// not part of the hash chain.
//
// # Inputs
//
//   - err: The error that occurred.
//   - context: Description of what operation was being performed.
//
// # Outputs
//
//   - error: Non-nil if logging fails.
func (l *purgeLogger) LogError(err error, context string) error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	errorRecord := errorLogRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Operation: "error",
		Context:   context,
		Error:     err.Error(),
	}

	jsonBytes, marshalErr := json.Marshal(errorRecord)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal error record: %w", marshalErr)
	}

	if _, writeErr := l.logFile.Write(append(jsonBytes, '\n')); writeErr != nil {
		return fmt.Errorf("failed to write error record: %w", writeErr)
	}

	slog.Error("ttl.cleanup.error",
		"context", context,
		"error", err.Error(),
	)

	return nil
}

// VerifyChain verifies the integrity of the hash chain.
//
// # Description
//
// Reads all purge records and verifies that each record's PrevHash matches
// the previous record's EntryHash and that each EntryHash matches its
// recomputed value.
//
// # Outputs
//
//   - valid: True if the entire chain is valid.
//   - breakIndex: Index of first broken link (-1 if valid).
//   - error: Non-nil if verification fails to complete.
//
// # Limitations
//
//   - Requires reading the entire log file.
//   - Non-purge records (cleanup summaries, errors) are skipped.
func (l *purgeLogger) VerifyChain() (valid bool, breakIndex int64, err error) {
	l.fileMu.Lock()
	logPath := l.logPath
	l.fileMu.Unlock()

	// Open for reading with a separate handle
	file, err := os.Open(logPath)
	if err != nil {
		return false, -1, fmt.Errorf("failed to open log file for verification: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var prevHash = GenesisHash
	var recordIndex int64 = 0

	for scanner.Scan() {
		line := scanner.Bytes()

		var record PurgeRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue // Skip non-purge records
		}
		if record.Sequence == 0 {
			continue // Skip summary/error records
		}

		if record.PrevHash != prevHash {
			return false, recordIndex, nil
		}

		computedHash := computeRecordHash(record)
		if computedHash != record.EntryHash {
			return false, recordIndex, nil
		}

		prevHash = record.EntryHash
		recordIndex++
	}

	if err := scanner.Err(); err != nil {
		return false, -1, fmt.Errorf("error reading log file: %w", err)
	}

	return true, -1, nil
}

// GetEntryCount returns the number of purge records in the audit log.
//
// # Description
//
// Counts all purge records (entries with Sequence > 0) in the log file.
// Used by `crmctl exports audit` for basic health reporting.
//
// # Outputs
//
//   - count: Number of purge records in the log.
//   - error: Non-nil if reading fails.
func (l *purgeLogger) GetEntryCount() (int64, error) {
	l.fileMu.Lock()
	logPath := l.logPath
	l.fileMu.Unlock()

	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var count int64 = 0

	for scanner.Scan() {
		line := scanner.Bytes()
		var record PurgeRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if record.Sequence > 0 {
			count++
		}
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading log file: %w", err)
	}

	return count, nil
}

// GetLastEntry returns the most recent purge record from the audit log.
//
// # Outputs
//
//   - record: The most recent PurgeRecord (nil if the log is empty).
//   - error: Non-nil if reading fails.
func (l *purgeLogger) GetLastEntry() (*PurgeRecord, error) {
	l.fileMu.Lock()
	logPath := l.logPath
	l.fileMu.Unlock()

	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lastRecord *PurgeRecord

	for scanner.Scan() {
		line := scanner.Bytes()
		var record PurgeRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if record.Sequence > 0 {
			recordCopy := record
			lastRecord = &recordCopy
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}

	return lastRecord, nil
}

// ReopenLogFile closes and reopens the log file for rotation support.
//
// # Description
//
// Supports external log rotation by closing the current file handle and
// opening a new one at the same path. The hash chain state (sequence,
// previous hash) is preserved in memory, so the chain continues seamlessly
// across the rotation boundary.
//
// # Usage
//
// Typically called from a SIGHUP signal handler after logrotate has moved
// the old file:
//
//	sigs := make(chan os.Signal, 1)
//	signal.Notify(sigs, syscall.SIGHUP)
//	go func() {
//	    for range sigs {
//	        if err := logger.ReopenLogFile(); err != nil {
//	            slog.Error("Failed to reopen purge log", "error", err)
//	        }
//	    }
//	}()
//
// # Outputs
//
//   - error: Non-nil if reopen fails.
//
// # Limitations
//
//   - After rotation, the new file will not contain previous records.
//   - If reopen fails, the logger is left in a closed state.
func (l *purgeLogger) ReopenLogFile() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			slog.Warn("ttl.logger: error closing old log file during rotation",
				"path", l.logPath,
				"error", err,
			)
		}
		l.logFile = nil
	}

	file, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return fmt.Errorf("failed to reopen log file: %w", err)
	}

	l.logFile = file

	slog.Info("ttl.logger: reopened purge audit log",
		"path", l.logPath,
		"sequence", l.sequence,
	)

	return nil
}

// CheckLogSize returns the current log file size in bytes.
//
// # Description
//
// Returns the size of the audit log file for operational monitoring. Can be
// used to trigger warnings when the file grows beyond an expected threshold,
// indicating rotation may not be working.
//
// # Outputs
//
//   - int64: File size in bytes.
//   - error: Non-nil if stat fails or the file is not open.
func (l *purgeLogger) CheckLogSize() (int64, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile == nil {
		return 0, fmt.Errorf("log file is not open")
	}

	info, err := l.logFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat audit log: %w", err)
	}

	return info.Size(), nil
}

// VerifyFilePermissions checks that the audit log file is owner-only.
//
// # Description
//
// Verifies that the file permissions have not been changed from the
// expected restricted mode (0600). This detects external tampering or
// misconfiguration that could expose purge metadata.
//
// # Outputs
//
//   - error: Non-nil if permissions are incorrect or verification fails.
//
// # Limitations
//
//   - Only checks Unix permission bits, not ACLs.
//   - Does not verify ownership (use OS-level tools for that).
func (l *purgeLogger) VerifyFilePermissions() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile == nil {
		return fmt.Errorf("log file is not open")
	}

	info, err := l.logFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}

	mode := info.Mode().Perm()
	if mode != auditLogFileMode {
		return fmt.Errorf("audit log permissions changed: expected %04o, got %04o", auditLogFileMode, mode)
	}

	return nil
}

// Close closes the audit log file.
//
// # Description
//
// Flushes pending writes and closes the file handle. Should be called
// during graceful shutdown.
//
// # Outputs
//
//   - error: Non-nil if close fails.
func (l *purgeLogger) Close() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		l.logFile = nil
	}
	return nil
}

// =============================================================================
// Internal Types and Functions
// =============================================================================

// cleanupSummaryRecord represents a cleanup cycle summary (not part of hash chain).
type cleanupSummaryRecord struct {
	Timestamp     string `json:"timestamp"`
	Operation     string `json:"operation"`
	ExportsFound  int    `json:"exports_found"`
	ExportsPurged int    `json:"exports_purged"`
	OrphansFound  int    `json:"orphans_found"`
	OrphansPurged int    `json:"orphans_purged"`
	DurationMs    int64  `json:"duration_ms"`
	ErrorCount    int    `json:"error_count"`
}

// errorLogRecord represents an error entry (not part of hash chain).
type errorLogRecord struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Context   string `json:"context"`
	Error     string `json:"error"`
}

// initializeChainState reads the existing log file to find the last sequence
// and hash.
//
// # Description
//
// Called during logger initialization to continue the hash chain from where
// it left off. If the file is empty or doesn't exist, starts with genesis
// values.
func (l *purgeLogger) initializeChainState(logPath string) error {
	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open log file for reading: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lastRecord PurgeRecord

	for scanner.Scan() {
		line := scanner.Bytes()
		var record PurgeRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		// Only purge records participate in the chain
		if record.Sequence > 0 {
			lastRecord = record
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if lastRecord.Sequence > 0 {
		l.sequence = lastRecord.Sequence
		l.prevHash = lastRecord.EntryHash
	}

	return nil
}

// writeRecord writes a PurgeRecord to the audit file as JSON.
func (l *purgeLogger) writeRecord(record PurgeRecord) error {
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if _, err := l.logFile.Write(append(jsonBytes, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	return nil
}

// computeSHA256 computes the SHA-256 hash of content and returns a hex string.
func computeSHA256(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// computeRecordHash computes the hash of a PurgeRecord for chain linking.
//
// # Description
//
// Hashes the record's fields (excluding EntryHash) in a stable order to
// produce a deterministic hash for chain verification.
func computeRecordHash(record PurgeRecord) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s",
		record.Sequence,
		record.Timestamp,
		record.Operation,
		record.ContentHash,
		record.Target,
		record.SessionID,
		record.FileName,
		record.Status,
		record.PrevHash,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
