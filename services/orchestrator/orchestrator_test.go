// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianCRM/pkg/extensions"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Config Tests
// =============================================================================

// TestApplyConfigDefaults_AllDefaults verifies default values are applied.
//
// # Description
//
// Tests that applyConfigDefaults correctly fills in missing values
// when an empty Config is provided.
func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	// Arrange
	cfg := Config{}

	// Act
	result := applyConfigDefaults(cfg)

	// Assert
	assert.Equal(t, 12210, result.Port, "default port should be 12210")
	assert.Equal(t, "anthropic", result.LLMBackend, "default model backend should be anthropic")
	assert.Equal(t, "aleutian-otel-collector:4317", result.OTelEndpoint,
		"default OTel endpoint should be aleutian-otel-collector:4317")
	assert.True(t, result.EnableMetrics, "metrics should be enabled by default")
	assert.Equal(t, 12, result.MaxRounds, "default round ceiling should be 12")
	assert.Equal(t, "./exports", result.ExportDir)
	assert.Equal(t, "/v1/exports/files", result.ExportBaseURL)
	assert.Equal(t, "./data/export_jobs", result.RegistryPath)
	assert.Equal(t, "./logs/audit_rounds.jsonl", result.AuditLogPath)
	assert.True(t, result.RetentionEnabled, "retention sweeper should be enabled by default")
	assert.Equal(t, 7*24*time.Hour, result.RetentionPeriod)
	assert.Equal(t, 24*time.Hour, result.StalePeriod)
	assert.Equal(t, 1*time.Hour, result.CleanupInterval)
	assert.Equal(t, "./logs/export_purges.log", result.PurgeLogPath)
}

// TestApplyConfigDefaults_PreservesCustomValues verifies custom values are not overwritten.
//
// # Description
//
// Tests that applyConfigDefaults does not overwrite user-provided values.
func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	// Arrange
	cfg := Config{
		Port:            8080,
		LLMBackend:      "openai",
		OTelEndpoint:    "custom-collector:4317",
		WeaviateURL:     "http://weaviate:8080",
		CRMBaseURL:      "https://crm.internal/api/data/v9.2",
		CRMAPIKey:       "test-key",
		MaxRounds:       6,
		RetentionPeriod: 48 * time.Hour,
	}

	// Act
	result := applyConfigDefaults(cfg)

	// Assert
	assert.Equal(t, 8080, result.Port, "custom port should be preserved")
	assert.Equal(t, "openai", result.LLMBackend, "custom model backend should be preserved")
	assert.Equal(t, "custom-collector:4317", result.OTelEndpoint,
		"custom OTel endpoint should be preserved")
	assert.Equal(t, "http://weaviate:8080", result.WeaviateURL,
		"custom Weaviate URL should be preserved")
	assert.Equal(t, "https://crm.internal/api/data/v9.2", result.CRMBaseURL,
		"CRM base URL should be preserved")
	assert.Equal(t, 6, result.MaxRounds, "custom round ceiling should be preserved")
	assert.Equal(t, 48*time.Hour, result.RetentionPeriod,
		"custom retention window should be preserved")
}

// TestApplyConfigDefaults_GCSPrefix verifies the bucket prefix default only
// applies when a bucket is configured.
func TestApplyConfigDefaults_GCSPrefix(t *testing.T) {
	t.Run("no bucket leaves prefix empty", func(t *testing.T) {
		result := applyConfigDefaults(Config{})
		assert.Empty(t, result.GCSPrefix)
	})

	t.Run("bucket without prefix gets default", func(t *testing.T) {
		result := applyConfigDefaults(Config{GCSBucket: "aleutian-exports"})
		assert.Equal(t, "exports", result.GCSPrefix)
	})

	t.Run("explicit prefix preserved", func(t *testing.T) {
		result := applyConfigDefaults(Config{GCSBucket: "aleutian-exports", GCSPrefix: "crm"})
		assert.Equal(t, "crm", result.GCSPrefix)
	})
}

// =============================================================================
// ServiceOptions Tests
// =============================================================================

// TestServiceOptions_WithNilUseDefaults verifies nil opts uses defaults.
//
// # Description
//
// Tests that when nil ServiceOptions is passed to New(), the default
// no-op implementations are used.
func TestServiceOptions_WithNilUseDefaults(t *testing.T) {
	// This test verifies the logic that would be used in New()
	// We can't call New() directly as it requires external services

	// Arrange
	var opts *extensions.ServiceOptions = nil

	// Act - simulate what New() does
	var actualOpts extensions.ServiceOptions
	if opts != nil {
		actualOpts = *opts
	} else {
		actualOpts = extensions.DefaultOptions()
	}

	// Assert
	assert.NotNil(t, actualOpts.AuthProvider, "default AuthProvider should be set")
	assert.NotNil(t, actualOpts.AuthzProvider, "default AuthzProvider should be set")
	assert.NotNil(t, actualOpts.AuditLogger, "default AuditLogger should be set")
	assert.NotNil(t, actualOpts.MessageFilter, "default MessageFilter should be set")

	// Verify they are the Nop implementations
	_, isNopAuth := actualOpts.AuthProvider.(*extensions.NopAuthProvider)
	assert.True(t, isNopAuth, "AuthProvider should be NopAuthProvider")

	_, isNopAuthz := actualOpts.AuthzProvider.(*extensions.NopAuthzProvider)
	assert.True(t, isNopAuthz, "AuthzProvider should be NopAuthzProvider")

	_, isNopAudit := actualOpts.AuditLogger.(*extensions.NopAuditLogger)
	assert.True(t, isNopAudit, "AuditLogger should be NopAuditLogger")

	_, isNopFilter := actualOpts.MessageFilter.(*extensions.NopMessageFilter)
	assert.True(t, isNopFilter, "MessageFilter should be NopMessageFilter")
}

// TestServiceOptions_WithCustomProviders verifies custom providers are used.
//
// # Description
//
// Tests that when custom ServiceOptions are provided, they are used
// instead of defaults.
func TestServiceOptions_WithCustomProviders(t *testing.T) {
	// Arrange
	customAuth := &mockAuthProvider{}
	customAudit := &mockAuditLogger{}

	opts := &extensions.ServiceOptions{
		AuthProvider: customAuth,
		AuditLogger:  customAudit,
		// Leave others nil
	}

	// Act - simulate what New() would do with partial custom opts
	var actualOpts extensions.ServiceOptions
	if opts != nil {
		actualOpts = *opts
	}

	// Assert - custom providers should be used
	assert.Same(t, customAuth, actualOpts.AuthProvider,
		"custom AuthProvider should be used")
	assert.Same(t, customAudit, actualOpts.AuditLogger,
		"custom AuditLogger should be used")

	// Nil fields remain nil (would need explicit handling in real code)
	assert.Nil(t, actualOpts.AuthzProvider,
		"unset AuthzProvider should be nil")
	assert.Nil(t, actualOpts.MessageFilter,
		"unset MessageFilter should be nil")
}

// =============================================================================
// Config Struct Tests
// =============================================================================

// TestConfig_ZeroValue verifies Config zero value is usable.
//
// # Description
//
// Tests that an uninitialized Config can be passed to applyConfigDefaults
// and results in valid configuration.
func TestConfig_ZeroValue(t *testing.T) {
	// Arrange
	var cfg Config

	// Act
	result := applyConfigDefaults(cfg)

	// Assert - should have valid defaults
	assert.Greater(t, result.Port, 0, "port should be positive")
	assert.NotEmpty(t, result.LLMBackend, "model backend should not be empty")
	assert.NotEmpty(t, result.OTelEndpoint, "OTel endpoint should not be empty")
	assert.Greater(t, result.MaxRounds, 0, "round ceiling should be positive")
	assert.Greater(t, result.RetentionPeriod, time.Duration(0),
		"retention window should be positive")
}

// =============================================================================
// Interface Compliance Tests
// =============================================================================

// TestServiceImplementsInterface verifies interface compliance.
//
// # Description
//
// Compile-time check that service implements Service interface.
// The actual var declaration is in orchestrator.go, but this test
// documents the requirement.
func TestServiceImplementsInterface(t *testing.T) {
	// This is a compile-time check - if it compiles, the test passes
	// The actual check is: var _ Service = (*service)(nil)
	// We verify by ensuring the interface methods exist

	var svc Service
	_ = svc // Use the variable to satisfy compiler
}

// =============================================================================
// Mock Implementations for Testing
// =============================================================================

// mockAuthProvider is a test double for AuthProvider.
type mockAuthProvider struct {
	extensions.NopAuthProvider
}

// mockAuditLogger is a test double for AuditLogger.
type mockAuditLogger struct {
	extensions.NopAuditLogger
}

// =============================================================================
// Integration Test (Skipped without services)
// =============================================================================

// TestNew_Integration tests the full constructor (requires services).
//
// # Description
//
// This test is skipped unless external services are available.
// It tests the full New() constructor with a real Config.
func TestNew_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	// This test would require:
	// - Running OTel collector (or mock)
	// - A CRM Web API (or mock)
	// - A model API key in the environment

	t.Skip("skipping: requires external services (OTel, CRM, model API)")
}

// =============================================================================
// Benchmark Tests
// =============================================================================

// BenchmarkApplyConfigDefaults measures config default application performance.
func BenchmarkApplyConfigDefaults(b *testing.B) {
	cfg := Config{Port: 8080}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = applyConfigDefaults(cfg)
	}
}

// =============================================================================
// Table-Driven Tests
// =============================================================================

// TestApplyConfigDefaults_TableDriven tests multiple config scenarios.
func TestApplyConfigDefaults_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		input    Config
		expected Config
	}{
		{
			name:  "empty config gets all defaults",
			input: Config{},
			expected: Config{
				Port:          12210,
				LLMBackend:    "anthropic",
				OTelEndpoint:  "aleutian-otel-collector:4317",
				EnableMetrics: true,
			},
		},
		{
			name: "custom port preserved",
			input: Config{
				Port: 8080,
			},
			expected: Config{
				Port:          8080,
				LLMBackend:    "anthropic",
				OTelEndpoint:  "aleutian-otel-collector:4317",
				EnableMetrics: true,
			},
		},
		{
			name: "custom backend preserved",
			input: Config{
				LLMBackend: "openai",
			},
			expected: Config{
				Port:          12210,
				LLMBackend:    "openai",
				OTelEndpoint:  "aleutian-otel-collector:4317",
				EnableMetrics: true,
			},
		},
		{
			name: "weaviate URL preserved (no default)",
			input: Config{
				WeaviateURL: "http://localhost:8080",
			},
			expected: Config{
				Port:          12210,
				LLMBackend:    "anthropic",
				WeaviateURL:   "http://localhost:8080",
				OTelEndpoint:  "aleutian-otel-collector:4317",
				EnableMetrics: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := applyConfigDefaults(tt.input)

			assert.Equal(t, tt.expected.Port, result.Port)
			assert.Equal(t, tt.expected.LLMBackend, result.LLMBackend)
			assert.Equal(t, tt.expected.WeaviateURL, result.WeaviateURL)
			assert.Equal(t, tt.expected.OTelEndpoint, result.OTelEndpoint)
			assert.Equal(t, tt.expected.EnableMetrics, result.EnableMetrics)
		})
	}
}

// =============================================================================
// Error Case Tests
// =============================================================================

// TestConfig_InvalidValues tests behavior with edge case values.
func TestConfig_InvalidValues(t *testing.T) {
	t.Run("negative port is preserved", func(t *testing.T) {
		// Arrange - negative port (invalid but should be preserved)
		cfg := Config{Port: -1}

		// Act
		result := applyConfigDefaults(cfg)

		// Assert - we preserve invalid values (validation is separate concern)
		assert.Equal(t, -1, result.Port,
			"negative port should be preserved (validation is caller's responsibility)")
	})

	t.Run("empty string backend uses default", func(t *testing.T) {
		// Arrange
		cfg := Config{LLMBackend: ""}

		// Act
		result := applyConfigDefaults(cfg)

		// Assert
		assert.Equal(t, "anthropic", result.LLMBackend,
			"empty backend should default to anthropic")
	})

	t.Run("negative round ceiling uses default", func(t *testing.T) {
		// Arrange
		cfg := Config{MaxRounds: -3}

		// Act
		result := applyConfigDefaults(cfg)

		// Assert
		assert.Equal(t, 12, result.MaxRounds,
			"non-positive round ceiling should fall back to 12")
	})
}
