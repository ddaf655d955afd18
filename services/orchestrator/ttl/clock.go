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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Clock Sanity Checking
// =============================================================================

// ClockChecker provides sanity checking for system time.
//
// # Description
//
// Validates that the system clock is within acceptable bounds before expiry
// math runs. A clock set to the future purges exports prematurely; a clock
// set to the past keeps them forever. Either way the retention guarantee is
// broken, so a failed check aborts the cleanup cycle instead.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ClockChecker interface {
	// CheckClockSanity verifies the system clock is reasonable.
	//
	// # Description
	//
	// Validates that the current time is inside the configured bounds and
	// has not jumped more than the allowed threshold since the last check.
	//
	// # Outputs
	//
	//   - error: Non-nil if the clock appears invalid.
	//
	// # Limitations
	//
	//   - Cannot detect slow drift within acceptable bounds.
	//   - First call after restart may flag legitimate time corrections.
	CheckClockSanity() error

	// CurrentTime returns the current time if the clock is sane.
	//
	// # Description
	//
	// Performs a clock sanity check and returns the current time only if
	// the check passes. Use this instead of time.Now() in expiry-sensitive
	// code paths.
	//
	// # Outputs
	//
	//   - time.Time: Current time.
	//   - error: Non-nil if the clock sanity check fails.
	CurrentTime() (time.Time, error)

	// ResetJumpDetection resets the jump detection baseline.
	//
	// # Description
	//
	// Call after a known legitimate time change (NTP sync, resume from
	// sleep) to prevent false positive jump detection.
	ResetJumpDetection()
}

// ClockConfig contains configuration for the clock checker.
//
// # Fields
//
//   - MinValidTime: Earliest acceptable time (default: 2025-01-01)
//   - MaxValidTime: Latest acceptable time (default: 2035-12-31)
//   - MaxBackwardJump: Maximum allowed backward time jump (default: 1 hour)
//   - MaxForwardJump: Maximum allowed forward time jump (default: 2 hours)
type ClockConfig struct {
	MinValidTime    time.Time
	MaxValidTime    time.Time
	MaxBackwardJump time.Duration
	MaxForwardJump  time.Duration
}

// DefaultClockConfig returns sensible default configuration.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2035, 12, 31, 23, 59, 59, 0, time.UTC),
		MaxBackwardJump: 1 * time.Hour,
		MaxForwardJump:  2 * time.Hour,
	}
}

// clockChecker implements ClockChecker.
//
// # Description
//
// Validates system time against configurable bounds and tracks time
// progression to detect suspicious jumps that might indicate clock
// manipulation or an unnoticed time correction.
//
// # Thread Safety
//
// All methods are thread-safe via mutex protection.
type clockChecker struct {
	config            ClockConfig
	lastKnownGoodTime time.Time
	mu                sync.RWMutex
	checkCount        int64
}

// NewClockChecker creates a clock checker with default configuration.
func NewClockChecker() ClockChecker {
	return NewClockCheckerWithConfig(DefaultClockConfig())
}

// NewClockCheckerWithConfig creates a clock checker with custom bounds.
//
// # Inputs
//
//   - config: Custom clock validation configuration.
//
// # Outputs
//
//   - ClockChecker: Ready to validate system time.
func NewClockCheckerWithConfig(config ClockConfig) ClockChecker {
	return &clockChecker{
		config:            config,
		lastKnownGoodTime: time.Now(),
		checkCount:        0,
	}
}

// CheckClockSanity verifies the system clock is reasonable.
//
// # Description
//
// Performs three validations:
//  1. Current time >= MinValidTime (not in distant past)
//  2. Current time <= MaxValidTime (not in distant future)
//  3. No suspicious jumps from the last known good time
//
// On the first call or after ResetJumpDetection(), jump detection is skipped.
func (c *clockChecker) CheckClockSanity() error {
	now := time.Now()

	if now.Before(c.config.MinValidTime) {
		return fmt.Errorf("clock sanity: time %v is before minimum valid time %v (possible clock set to past)",
			now.Format(time.RFC3339), c.config.MinValidTime.Format(time.RFC3339))
	}

	if now.After(c.config.MaxValidTime) {
		return fmt.Errorf("clock sanity: time %v is after maximum valid time %v (possible clock set to future)",
			now.Format(time.RFC3339), c.config.MaxValidTime.Format(time.RFC3339))
	}

	c.mu.RLock()
	lastGood := c.lastKnownGoodTime
	checkCount := c.checkCount
	c.mu.RUnlock()

	if checkCount > 0 {
		timeDiff := now.Sub(lastGood)

		if timeDiff < -c.config.MaxBackwardJump {
			return fmt.Errorf("clock sanity: suspicious backward jump of %v detected (max allowed: %v)",
				-timeDiff, c.config.MaxBackwardJump)
		}

		if timeDiff > c.config.MaxForwardJump {
			return fmt.Errorf("clock sanity: suspicious forward jump of %v detected (max allowed: %v)",
				timeDiff, c.config.MaxForwardJump)
		}
	}

	c.mu.Lock()
	c.lastKnownGoodTime = now
	c.checkCount++
	c.mu.Unlock()

	return nil
}

// CurrentTime returns the current time if the clock is sane.
func (c *clockChecker) CurrentTime() (time.Time, error) {
	if err := c.CheckClockSanity(); err != nil {
		slog.Warn("clock sanity check failed",
			"error", err,
		)
		return time.Time{}, err
	}
	return time.Now(), nil
}

// ResetJumpDetection resets the jump detection baseline.
func (c *clockChecker) ResetJumpDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastKnownGoodTime = time.Now()
	c.checkCount = 0

	slog.Info("clock checker: jump detection reset",
		"new_baseline", c.lastKnownGoodTime.Format(time.RFC3339),
	)
}

// =============================================================================
// No-op Clock Checker (for testing)
// =============================================================================

// noopClockChecker always passes sanity checks.
type noopClockChecker struct{}

// NewNoopClockChecker creates a clock checker that always passes.
//
// # Description
//
// Returns a checker that performs no validation. Use only in tests or when
// there are external guarantees about clock correctness.
func NewNoopClockChecker() ClockChecker {
	return &noopClockChecker{}
}

// CheckClockSanity always returns nil.
func (n *noopClockChecker) CheckClockSanity() error {
	return nil
}

// CurrentTime returns the current time without validation.
func (n *noopClockChecker) CurrentTime() (time.Time, error) {
	return time.Now(), nil
}

// ResetJumpDetection is a no-op.
func (n *noopClockChecker) ResetJumpDetection() {}
