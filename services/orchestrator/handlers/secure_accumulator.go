// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the orchestrator service.
//
// This file implements secure answer accumulation for streamed assistant
// responses. Answers routinely contain CRM record data (contact emails,
// deal amounts, support ticket text), so accumulated text is stored in
// mlocked memory to prevent swapping to disk and is incrementally hashed
// for the chain-of-custody digest that rides on the complete event.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SecureBufferSize is the size of the mlocked buffer for answer accumulation.
	// 512 KB provides ample room for long assistant responses with metadata
	// overhead.
	//
	// Capacity:
	//   - 512 KB = 524,288 bytes
	//   - ~131,000 tokens (at 4 bytes/token average)
	//
	// System must be configured with adequate mlock limits.
	// See docs/deployment/memory_security.md for configuration.
	SecureBufferSize = 512 * 1024 // 512 KB (kilobytes)

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 512
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient is set during initialization to indicate if secure memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// AnswerAccumulator defines the contract for accumulating streamed answer text.
//
// # Description
//
// AnswerAccumulator abstracts answer storage during assistant streaming,
// allowing different implementations (secure/insecure) based on system
// capabilities. Text is hashed incrementally as it arrives; the final
// digest is reported to the client on the complete event so the full
// answer can be verified against what was streamed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Security
//
// Implementations should securely handle answer data and support memory wiping.
//
// # Examples
//
//	acc, err := NewSecureAnswerAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//
//	acc.Write("The Acme deal ")
//	acc.Write("closed at $42,000.")
//	answer, hash, _ := acc.Finalize()
//
// # Limitations
//
//   - Buffer size is fixed (cannot grow dynamically)
//   - Accumulator cannot be reused after Finalize() or Destroy()
//
// # Assumptions
//
//   - Text deltas are valid UTF-8 strings
//   - System is configured with adequate mlock limits for secure mode
type AnswerAccumulator interface {
	// Write appends a text delta to the accumulator.
	//
	// # Description
	//
	// Copies the delta's bytes into the buffer and updates the incremental
	// hash. Text is hashed as it arrives, never sitting unhashed.
	//
	// # Inputs
	//
	//   - text: Text delta to append (must be valid UTF-8)
	//
	// # Outputs
	//
	//   - error: Non-nil if accumulation failed (e.g. buffer overflow)
	//
	// # Limitations
	//
	//   - Cannot write after Destroy() or Finalize()
	//   - Cannot recover from overflow
	Write(text string) error

	// Finalize returns the accumulated answer and its hash, then wipes memory.
	//
	// # Description
	//
	// Extracts the complete answer string and SHA-256 hash, then securely
	// wipes the buffer. After calling Finalize(), the accumulator cannot
	// be reused.
	//
	// # Outputs
	//
	//   - answer: Complete accumulated answer string
	//   - hash: SHA-256 hash of the answer (hex encoded, 64 characters)
	//   - error: Non-nil if finalization failed
	//
	// # Limitations
	//
	//   - Can only be called once
	//   - Accumulator is unusable after this call
	//
	// # Assumptions
	//
	//   - Caller will handle the returned strings securely
	Finalize() (answer string, hash string, err error)

	// Destroy wipes memory without returning data.
	//
	// # Description
	//
	// Use this to clean up on error paths where the accumulated data is
	// not needed. Safe to call multiple times (idempotent).
	//
	// # Examples
	//
	//	acc, _ := NewSecureAnswerAccumulator()
	//	defer acc.Destroy() // Always clean up
	Destroy()

	// ID returns a unique identifier for this accumulator instance,
	// used for logging and debugging.
	ID() string

	// CreatedAt returns when this accumulator was created. Useful for
	// tracking accumulator lifetime.
	CreatedAt() time.Time
}

// =============================================================================
// Structs: Secure Implementation
// =============================================================================

// secureAnswerAccumulator stores answer text in mlocked memory with
// incremental hashing.
//
// # Description
//
// Uses memguard LockedBuffer for secure in-memory storage of assistant
// answer text. Memory protections include:
//   - Locked (mlock) to prevent swapping to disk
//   - Guard pages to detect buffer overflows
//   - Canary values to detect buffer underflows
//   - Explicit zeroing on Destroy() to prevent memory forensics
//   - Incremental SHA-256 hashing as text arrives
//
// # Fields
//
//   - id: Unique identifier for this accumulator instance
//   - createdAt: When the accumulator was created
//   - mu: Mutex for thread safety
//   - buffer: memguard LockedBuffer for secure storage
//   - offset: Current write position in buffer
//   - hasher: Incremental SHA-256 hasher
//   - overflow: Set if buffer capacity exceeded
//   - destroyed: Set after Destroy() or Finalize() called
//
// # Thread Safety
//
// Safe for concurrent use. Uses mutex to protect internal state.
//
// # System Requirements
//
// Requires mlock limit >= SecureBufferSize (512 KB).
// See docs/deployment/memory_security.md for configuration.
type secureAnswerAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Structs: Insecure Fallback Implementation
// =============================================================================

// insecureAnswerAccumulator is a fallback for systems without sufficient mlock.
//
// # Description
//
// Provides the same interface as secureAnswerAccumulator but uses standard
// Go memory ([]byte). This is used when:
//   - mlock limits are insufficient
//   - ALEUTIAN_INSECURE_MEMORY=true is set
//
// # Security Warning
//
// This implementation does NOT provide the security guarantees of the
// secure version. Data may be swapped to disk and is not protected by
// guard pages.
//
// # Thread Safety
//
// Safe for concurrent use.
type insecureAnswerAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewSecureAnswerAccumulator creates a new secure answer accumulator.
//
// # Description
//
// Allocates a mlocked buffer of SecureBufferSize bytes for storing answer
// text. If the mlock limit is insufficient and ALEUTIAN_INSECURE_MEMORY is
// not set, returns an error. If ALEUTIAN_INSECURE_MEMORY=true, falls back
// to the insecure accumulator with a warning.
//
// # Outputs
//
//   - AnswerAccumulator: Ready for use (secure or insecure based on system)
//   - error: Non-nil if allocation failed and no fallback available
//
// # Examples
//
//	acc, err := NewSecureAnswerAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//
// # Limitations
//
//   - May return insecure accumulator if mlock limits insufficient
//
// # Assumptions
//
//   - System is properly configured (see deployment docs)
func NewSecureAnswerAccumulator() (AnswerAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("ALEUTIAN_INSECURE_MEMORY") == "true" {
			slog.Warn("Using insecure answer accumulator due to mlock limits",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
			return newInsecureAnswerAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. "+
				"Configure system limits or set ALEUTIAN_INSECURE_MEMORY=true",
			currentMlockLimitKB, MinMlockLimitKB,
		)
	}

	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()

	slog.Debug("Created secure answer accumulator",
		"accumulator_id", accID,
		"buffer_size", SecureBufferSize,
	)

	return &secureAnswerAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

// newInsecureAnswerAccumulator creates an insecure fallback accumulator.
//
// Used when secure memory is unavailable and the operator has acknowledged
// the risk via ALEUTIAN_INSECURE_MEMORY=true.
func newInsecureAnswerAccumulator() AnswerAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created INSECURE answer accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureAnswerAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// secureAnswerAccumulator Methods
// =============================================================================

// Write appends a text delta to the secure buffer.
//
// # Description
//
// Copies the delta's bytes into the mlocked buffer and updates the
// incremental hash. If the buffer would overflow, sets the overflow flag
// and returns an error; the accumulator cannot recover from overflow.
//
// # Inputs
//
//   - text: Text delta to append
//
// # Outputs
//
//   - error: Non-nil if overflow would occur or accumulator destroyed
func (a *secureAnswerAccumulator) Write(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}

	textBytes := []byte(text)
	if a.offset+len(textBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(textBytes), SecureBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], textBytes)
	a.offset += len(textBytes)
	a.hasher.Write(textBytes)

	return nil
}

// Finalize returns the accumulated answer and its hash, then wipes the buffer.
//
// # Description
//
// Extracts the complete answer string and SHA-256 hash from the secure
// buffer, then securely wipes the buffer memory. After calling Finalize(),
// the accumulator cannot be reused.
//
// # Outputs
//
//   - answer: Complete accumulated answer (copy of secure buffer contents)
//   - hash: SHA-256 hash of the answer (hex encoded, 64 characters)
//   - error: Non-nil if overflow occurred or accumulator already destroyed
//
// # Assumptions
//
//   - Caller will handle the returned strings securely
func (a *secureAnswerAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeBuffer()

	slog.Debug("Finalized secure answer accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
		"hash", hashStr[:16]+"...",
	)

	return answer, hashStr, nil
}

// Destroy wipes the buffer without returning data. Idempotent.
func (a *secureAnswerAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeBuffer()
	slog.Debug("Destroyed secure answer accumulator", "accumulator_id", a.id)
}

// ID returns the unique identifier for this accumulator instance.
func (a *secureAnswerAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when this accumulator was created.
func (a *secureAnswerAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// wipeBuffer destroys the secure buffer and marks the accumulator destroyed.
func (a *secureAnswerAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// insecureAnswerAccumulator Methods
// =============================================================================

// Write appends a text delta to the insecure buffer.
//
// Same semantics as the secure variant, including the fixed capacity,
// but the data is NOT protected by mlock.
func (a *insecureAnswerAccumulator) Write(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}

	textBytes := []byte(text)
	if len(a.data)+len(textBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(textBytes), SecureBufferSize-len(a.data))
	}

	a.data = append(a.data, textBytes...)
	a.hasher.Write(textBytes)

	return nil
}

// Finalize returns the accumulated answer and hash, attempting to zero memory.
//
// Memory wiping is best-effort only: due to Go's garbage collector,
// copies of the data may remain in memory.
func (a *insecureAnswerAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeData()

	slog.Debug("Finalized insecure answer accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
	)

	return answer, hashStr, nil
}

// Destroy attempts to wipe memory (best effort). Idempotent.
func (a *insecureAnswerAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeData()
	slog.Debug("Destroyed insecure answer accumulator", "accumulator_id", a.id)
}

// ID returns the unique identifier for this accumulator instance.
func (a *insecureAnswerAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when this accumulator was created.
func (a *insecureAnswerAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// wipeData zeros the data slice (best effort) and marks the accumulator
// destroyed.
func (a *insecureAnswerAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization Functions
// =============================================================================

// initMemguard initializes the memguard library and checks mlock limits.
//
// # Description
//
// Performs one-time initialization of memguard and validates that the
// system has sufficient mlock limits for secure memory operations. Called
// automatically when creating the first accumulator.
//
// # Outputs
//
// None. Sets package-level variables mlockSufficient and currentMlockLimitKB.
//
// # Limitations
//
//   - Only initializes once (subsequent calls are no-ops)
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit checks if the system has sufficient mlock limits.
//
// # Description
//
// Queries the kernel for the current mlock resource limit and compares it
// against the minimum required for secure answer accumulation.
//
// # Outputs
//
//   - bool: True if limit is sufficient (>= MinMlockLimitKB)
//   - int64: Current limit in kilobytes (-1 if unlimited)
//
// # Limitations
//
//   - Only works on Unix-like systems (Linux, macOS, BSD)
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// logMlockStatus logs the current mlock status.
func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
		return
	}

	if os.Getenv("ALEUTIAN_INSECURE_MEMORY") == "true" {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", "ALEUTIAN_INSECURE_MEMORY=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "See docs/deployment/memory_security.md or set ALEUTIAN_INSECURE_MEMORY=true",
		)
	}
}

// =============================================================================
// Utility Functions
// =============================================================================

// IsMlockAvailable returns whether secure memory is available on this system.
//
// # Description
//
// Checks if the system has sufficient mlock limits for secure answer
// accumulation. Can be used to inform operators about security status.
//
// # Outputs
//
//   - bool: True if secure memory is available
//   - int64: Current mlock limit in KB (-1 if unlimited)
//
// # Limitations
//
//   - Result may change if system limits are modified
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory.
//
// # Description
//
// Should be called during graceful shutdown to ensure all sensitive data
// is wiped from memory. This is automatically called on SIGINT/SIGTERM
// if memguard.CatchInterrupt() was called.
//
// # Examples
//
//	defer PurgeAllSecureMemory()
//
// # Limitations
//
//   - After calling this, all existing LockedBuffers are invalid
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
