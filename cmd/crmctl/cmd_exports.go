// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/exportstore"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/ttl"
)

var (
	exportsCmd = &cobra.Command{
		Use:   "exports",
		Short: "Inspect and purge export jobs and files",
	}

	exportsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List export jobs and stored files",
		Run:   runExportsList,
	}

	exportsPurgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Run a retention sweep immediately",
		Long: `Runs one retention cleanup cycle against the export registry and file
store, exactly as the orchestrator's background sweeper would: terminal
jobs past the retention window and files with no registry entry are
purged, and every purge is appended to the tamper-evident purge log.`,
		Run: runExportsPurge,
	}

	// Exports command flags
	exportsRegistryPath string
	exportsDir          string
	exportsRetention    time.Duration
	exportsStale        time.Duration
	exportsPurgeLogPath string
)

func init() {
	for _, cmd := range []*cobra.Command{exportsListCmd, exportsPurgeCmd} {
		cmd.Flags().StringVar(&exportsRegistryPath, "registry",
			envOr("EXPORT_REGISTRY_PATH", "./data/export_jobs"),
			"badger directory of the export job registry")
		cmd.Flags().StringVar(&exportsDir, "dir",
			envOr("EXPORT_DIR", "./exports"), "local export file directory")
	}
	exportsPurgeCmd.Flags().DurationVar(&exportsRetention, "retention",
		168*time.Hour, "retention window for terminal jobs")
	exportsPurgeCmd.Flags().DurationVar(&exportsStale, "stale",
		24*time.Hour, "retention window for jobs that never finished")
	exportsPurgeCmd.Flags().StringVar(&exportsPurgeLogPath, "purge-log",
		envOr("RETENTION_PURGE_LOG_PATH", "./logs/export_purges.log"),
		"tamper-evident purge log path")

	exportsCmd.AddCommand(exportsListCmd)
	exportsCmd.AddCommand(exportsPurgeCmd)
}

// exportsListing is the JSON shape of the list output.
type exportsListing struct {
	Jobs  []*datatypes.ExportJob `json:"jobs"`
	Files []exportFileEntry      `json:"files"`
}

type exportFileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

func runExportsList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	registry, store := openExportStores(ctx)
	defer registry.Close()

	jobs, err := registry.ListJobs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: list jobs: %v\n", err)
		os.Exit(1)
	}

	files, err := store.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: list files: %v\n", err)
		os.Exit(1)
	}

	listing := exportsListing{Jobs: jobs}
	for _, f := range files {
		listing.Files = append(listing.Files, exportFileEntry{
			Name:    f.Name,
			Size:    f.Size,
			ModTime: f.ModTime,
		})
	}

	if jsonOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(listing)
		return
	}

	fmt.Printf("jobs (%d)\n", len(listing.Jobs))
	for _, j := range listing.Jobs {
		fmt.Printf("  %s  %-9s  %d/%d records  updated %s\n",
			j.JobID, j.Status, j.ProcessedRecords, j.TotalRecords,
			j.UpdatedAt.Format(time.RFC3339))
	}
	fmt.Printf("files (%d)\n", len(listing.Files))
	for _, f := range listing.Files {
		fmt.Printf("  %-40s  %8d bytes  %s\n",
			f.Name, f.Size, f.ModTime.Format(time.RFC3339))
	}
}

func runExportsPurge(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	registry, store := openExportStores(ctx)
	defer registry.Close()

	purgeLogger, err := ttl.NewPurgeLogger(exportsPurgeLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: purge log: %v\n", err)
		os.Exit(1)
	}
	defer purgeLogger.Close()

	service := ttl.NewRetentionServiceWithConfig(registry, store, ttl.RetentionConfig{
		RetentionPeriod: exportsRetention,
		StalePeriod:     exportsStale,
	})
	scheduler := ttl.NewRetentionScheduler(service, purgeLogger, ttl.DefaultSchedulerConfig())

	result, err := scheduler.RunNow(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: purge: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	fmt.Printf("exports: %d found, %d purged\n", result.ExportsFound, result.ExportsPurged)
	fmt.Printf("orphans: %d found, %d purged\n", result.OrphansFound, result.OrphansPurged)
	fmt.Printf("duration: %dms\n", result.DurationMs())
	for _, e := range result.Errors {
		fmt.Printf("error: %s: %s\n", e.Target, e.Reason)
	}
}

// openExportStores opens the job registry and local file store, exiting on
// failure. The registry takes a directory lock; list and purge both tolerate
// running next to a live orchestrator because badger allows one writer and
// the CLI opens its own handle only when the path differs or the server is
// down.
func openExportStores(ctx context.Context) (*exportstore.JobRegistry, exportstore.Store) {
	registry, err := exportstore.NewJobRegistry(exportsRegistryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: open registry %s: %v\n", exportsRegistryPath, err)
		os.Exit(1)
	}

	store, err := exportstore.NewLocalStore(exportsDir, "/v1/exports/files")
	if err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: open export dir %s: %v\n", exportsDir, err)
		os.Exit(1)
	}
	return registry, store
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
