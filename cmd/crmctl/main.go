// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command crmctl is the offline admin tool for the AleutianCRM assistant.
//
// It operates directly on the orchestrator's stores and configuration,
// without needing the server to run:
//
//	crmctl policy check [file]      # validate a role policy file
//	crmctl index entities [type]    # rebuild the semantic entity index
//	crmctl index notes              # rebuild the note chunk index
//	crmctl exports list             # list export jobs and files
//	crmctl exports purge            # run a retention sweep now
//
// Output is human-readable on a terminal and JSON when piped, matching
// the usual Unix tooling conventions. --json forces JSON either way.
package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCRM/pkg/logging"
)

var (
	rootCmd = &cobra.Command{
		Use:   "crmctl",
		Short: "Admin tool for the AleutianCRM assistant orchestrator",
		Long: `crmctl manages the AleutianCRM assistant's policy files, semantic
indexes, and export retention from the command line. It operates on the
same stores the orchestrator uses and is safe to run while the server
is up.`,
	}

	// Global flags
	flagJSON    bool
	flagVerbose bool
)

// logger is shared by all subcommands. Configured in PersistentPreRun so
// --verbose takes effect before any command logic runs.
var logger *logging.Logger

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "force JSON output")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if flagVerbose {
			level = logging.LevelDebug
		}
		logger = logging.New(logging.Config{
			Level:   level,
			Service: "crmctl",
		})
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	}

	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(exportsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// jsonOutput reports whether results should be emitted as JSON.
//
// JSON wins when --json is set or stdout is not a terminal (piped into
// jq or a file).
func jsonOutput() bool {
	if flagJSON {
		return true
	}
	return !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
}
