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
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/resolution"
)

var (
	indexCmd = &cobra.Command{
		Use:   "index",
		Short: "Rebuild the semantic indexes backing entity resolution",
		Long: `Rebuilds the Weaviate indexes the assistant uses to turn customer
names in questions into CRM record IDs, and to search across note text.
Run after bulk CRM imports or when resolution quality degrades.`,
	}

	indexEntitiesCmd = &cobra.Command{
		Use:   "entities [type]",
		Short: "Rebuild name cards for one entity type, or all types",
		Long: `Reads records from the CRM Web API and rebuilds their name cards in
Weaviate. With no argument every indexable type is rebuilt: company,
contact, activity, opportunity.`,
		Args: cobra.MaximumNArgs(1),
		Run:  runIndexEntities,
	}

	indexNotesCmd = &cobra.Command{
		Use:   "notes",
		Short: "Rebuild the note chunk index",
		Run:   runIndexNotes,
	}

	// Index command flags
	indexWeaviateURL string
	indexCRMBaseURL  string
	indexCRMAPIKey   string
	indexTimeout     time.Duration
)

func init() {
	for _, cmd := range []*cobra.Command{indexEntitiesCmd, indexNotesCmd} {
		cmd.Flags().StringVar(&indexWeaviateURL, "weaviate-url",
			os.Getenv("WEAVIATE_SERVICE_URL"), "Weaviate URL (env: WEAVIATE_SERVICE_URL)")
		cmd.Flags().StringVar(&indexCRMBaseURL, "crm-base-url",
			os.Getenv("CRM_BASE_URL"), "CRM Web API root (env: CRM_BASE_URL)")
		cmd.Flags().StringVar(&indexCRMAPIKey, "crm-api-key",
			os.Getenv("CRM_API_KEY"), "CRM Web API key (env: CRM_API_KEY)")
		cmd.Flags().DurationVar(&indexTimeout, "timeout", 30*time.Minute,
			"overall reindex deadline")
	}
	indexCmd.AddCommand(indexEntitiesCmd)
	indexCmd.AddCommand(indexNotesCmd)
}

// indexableTypes are the entity families that carry name cards. Notes are
// indexed as chunks by the notes subcommand instead.
var indexableTypes = []datatypes.EntityType{
	datatypes.EntityCompany,
	datatypes.EntityContact,
	datatypes.EntityActivity,
	datatypes.EntityOpportunity,
}

// indexReport is the JSON shape of one index rebuild.
type indexReport struct {
	Target  string `json:"target"`
	Fetched int    `json:"fetched"`
	Objects int    `json:"objects"`
	Indexed int    `json:"indexed"`
}

func runIndexEntities(cmd *cobra.Command, args []string) {
	targets := indexableTypes
	if len(args) == 1 {
		et := datatypes.EntityType(args[0])
		if !et.IsValid() || et == datatypes.EntityNote {
			fmt.Fprintf(os.Stderr, "crmctl: unknown entity type %q\n", args[0])
			os.Exit(2)
		}
		targets = []datatypes.EntityType{et}
	}

	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()

	indexer := buildIndexer(ctx)

	var reports []indexReport
	for _, et := range targets {
		logger.Info("reindex started", "entity_type", string(et))
		stats, err := indexer.IndexEntities(ctx, et)
		if err != nil {
			logger.Error("reindex failed", "entity_type", string(et), "error", err)
			fmt.Fprintf(os.Stderr, "crmctl: reindex %s: %v\n", et, err)
			os.Exit(1)
		}
		reports = append(reports, indexReport{
			Target:  string(et),
			Fetched: stats.Fetched,
			Objects: stats.Objects,
			Indexed: stats.Indexed,
		})
	}

	printIndexReports(reports)
}

func runIndexNotes(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()

	indexer := buildIndexer(ctx)

	logger.Info("note reindex started")
	stats, err := indexer.IndexNotes(ctx)
	if err != nil {
		logger.Error("note reindex failed", "error", err)
		fmt.Fprintf(os.Stderr, "crmctl: reindex notes: %v\n", err)
		os.Exit(1)
	}

	printIndexReports([]indexReport{{
		Target:  "notes",
		Fetched: stats.Fetched,
		Objects: stats.Objects,
		Indexed: stats.Indexed,
	}})
}

// buildIndexer wires the Weaviate and CRM clients into an indexer, exiting
// with a usage error when required connection settings are missing.
func buildIndexer(ctx context.Context) *resolution.Indexer {
	if indexWeaviateURL == "" || indexCRMBaseURL == "" || indexCRMAPIKey == "" {
		fmt.Fprintln(os.Stderr, "crmctl: --weaviate-url, --crm-base-url, and --crm-api-key are required")
		os.Exit(2)
	}

	parsed, err := url.Parse(indexWeaviateURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		fmt.Fprintf(os.Stderr, "crmctl: invalid Weaviate URL %q\n", indexWeaviateURL)
		os.Exit(2)
	}

	weaviateClient, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: weaviate client: %v\n", err)
		os.Exit(1)
	}

	if err := resolution.EnsureSchema(ctx, weaviateClient); err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: ensure schema: %v\n", err)
		os.Exit(1)
	}

	crmClient, err := crm.NewWebAPIClient(crm.Config{
		BaseURL: indexCRMBaseURL,
		APIKey:  indexCRMAPIKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: crm client: %v\n", err)
		os.Exit(1)
	}

	indexer, err := resolution.NewIndexer(weaviateClient, crmClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crmctl: indexer: %v\n", err)
		os.Exit(1)
	}
	return indexer
}

func printIndexReports(reports []indexReport) {
	if jsonOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(reports)
		return
	}
	for _, r := range reports {
		fmt.Printf("%-12s fetched=%d objects=%d indexed=%d\n",
			r.Target, r.Fetched, r.Objects, r.Indexed)
	}
}
