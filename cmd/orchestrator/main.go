// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the AleutianCRM assistant HTTP server.
//
// This is the main entry point for the containerized orchestrator service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
// Core:
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - GIN_MODE: Gin framework mode - debug, release, test
//   - LLM_BACKEND_TYPE: Model provider - anthropic, claude, openai (default: anthropic)
//   - CRM_BASE_URL: Root of the CRM Web API (required)
//   - CRM_API_KEY: API key for the CRM Web API (required)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional; lexical fallback when unset)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//   - POLICY_PATH: Explicit policy file for role restrictions (optional)
//
// Agent loop:
//   - AGENT_MAX_ROUNDS: Model rounds per turn (default: 12)
//   - AGENT_PRIMARY_MODEL / AGENT_FALLBACK_MODEL: Model overrides (optional)
//
// Exports:
//   - EXPORT_DIR: Local export directory (default: ./exports)
//   - EXPORT_BASE_URL: Download URL prefix (default: /v1/exports/files)
//   - GCS_BUCKET / GCS_PREFIX / GCS_KEY_PATH: Switch export storage to GCS
//   - EXPORT_REGISTRY_PATH: Badger directory for the job registry (default: ./data/export_jobs)
//
// Audit and usage:
//   - AUDIT_POSTGRES_DSN: Route round audit to Postgres (optional)
//   - AUDIT_LOG_PATH: JSONL audit file (default: ./logs/audit_rounds.jsonl)
//   - AUDIT_DISABLED: Set to "true" to disable round auditing
//   - USAGE_INFLUX_URL / USAGE_INFLUX_TOKEN / USAGE_INFLUX_ORG / USAGE_INFLUX_BUCKET:
//     Per-round token usage recording to InfluxDB (optional)
//
// Retention:
//   - RETENTION_DISABLED: Set to "true" to disable the export sweeper
//   - RETENTION_PERIOD: Terminal job/file retention (default: 168h)
//   - RETENTION_STALE_PERIOD: Non-terminal job retention (default: 24h)
//   - RETENTION_CLEANUP_INTERVAL: Sweep interval (default: 1h)
//   - RETENTION_PURGE_LOG_PATH: Tamper-evident purge log (default: ./logs/export_purges.log)
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	CRM_BASE_URL=https://crm.example.com/api/data/v9.2 CRM_API_KEY=... ./orchestrator
//
//	# Or via container
//	podman-compose up orchestrator
//
// # Signals
//
// SIGHUP reopens the audit and purge log files so logrotate can move
// them without restarting the server.
package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := configFromEnv()

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"crm_base_url", cfg.CRMBaseURL,
		"weaviate_url", cfg.WeaviateURL,
		"max_rounds", cfg.MaxRounds,
		"retention_enabled", cfg.RetentionEnabled,
	)

	// Create the service with default (no-op) extension options.
	// Enterprise builds pass custom ServiceOptions here.
	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	go handleRotationSignals(svc)

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}

// configFromEnv builds the service configuration from environment variables.
func configFromEnv() orchestrator.Config {
	return orchestrator.Config{
		Port:          getEnvInt("ORCHESTRATOR_PORT", 12210),
		GinMode:       os.Getenv("GIN_MODE"),
		LLMBackend:    getEnvString("LLM_BACKEND_TYPE", "anthropic"),
		CRMBaseURL:    os.Getenv("CRM_BASE_URL"),
		CRMAPIKey:     os.Getenv("CRM_API_KEY"),
		WeaviateURL:   os.Getenv("WEAVIATE_SERVICE_URL"),
		OTelEndpoint:  getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
		EnableMetrics: true,
		PolicyPath:    os.Getenv("POLICY_PATH"),

		MaxRounds:     getEnvInt("AGENT_MAX_ROUNDS", 12),
		PrimaryModel:  os.Getenv("AGENT_PRIMARY_MODEL"),
		FallbackModel: os.Getenv("AGENT_FALLBACK_MODEL"),

		ExportDir:     getEnvString("EXPORT_DIR", "./exports"),
		ExportBaseURL: getEnvString("EXPORT_BASE_URL", "/v1/exports/files"),
		GCSBucket:     os.Getenv("GCS_BUCKET"),
		GCSPrefix:     getEnvString("GCS_PREFIX", "exports"),
		GCSKeyPath:    os.Getenv("GCS_KEY_PATH"),
		RegistryPath:  getEnvString("EXPORT_REGISTRY_PATH", "./data/export_jobs"),

		AuditPostgresDSN: os.Getenv("AUDIT_POSTGRES_DSN"),
		AuditLogPath:     getEnvString("AUDIT_LOG_PATH", "./logs/audit_rounds.jsonl"),
		AuditDisabled:    getEnvBool("AUDIT_DISABLED", false),

		UsageInfluxURL:    os.Getenv("USAGE_INFLUX_URL"),
		UsageInfluxToken:  os.Getenv("USAGE_INFLUX_TOKEN"),
		UsageInfluxOrg:    os.Getenv("USAGE_INFLUX_ORG"),
		UsageInfluxBucket: os.Getenv("USAGE_INFLUX_BUCKET"),

		RetentionEnabled: !getEnvBool("RETENTION_DISABLED", false),
		RetentionPeriod:  getEnvDuration("RETENTION_PERIOD", 168*time.Hour),
		StalePeriod:      getEnvDuration("RETENTION_STALE_PERIOD", 24*time.Hour),
		CleanupInterval:  getEnvDuration("RETENTION_CLEANUP_INTERVAL", time.Hour),
		PurgeLogPath:     getEnvString("RETENTION_PURGE_LOG_PATH", "./logs/export_purges.log"),
	}
}

// handleRotationSignals reopens audit files on SIGHUP.
//
// logrotate renames the live files, then sends SIGHUP; reopening makes
// the sinks create fresh files at the configured paths while the hash
// chains continue across the boundary.
func handleRotationSignals(svc orchestrator.Service) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	for range sigCh {
		slog.Info("SIGHUP received, reopening audit logs")
		if sink := svc.AuditSink(); sink != nil {
			if err := sink.Reopen(); err != nil {
				slog.Error("Failed to reopen round audit log", "error", err)
			}
		}
		if pl := svc.PurgeLogger(); pl != nil {
			if err := pl.ReopenLogFile(); err != nil {
				slog.Error("Failed to reopen purge log", "error", err)
			}
		}
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
