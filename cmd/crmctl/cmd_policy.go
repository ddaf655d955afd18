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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/policy_engine"
)

// Exit codes for policy check.
const (
	policyCheckExitSuccess = 0
	policyCheckExitInvalid = 1
	policyCheckExitError   = 2
)

var (
	policyCmd = &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate role policy files",
	}

	policyCheckCmd = &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a role policy file and show resolved restrictions",
		Long: `Loads a role policy file the same way the orchestrator does, resolves
every role's restrictions through the inheritance chain, and prints the
result. Exits 1 when the file fails to load or a role fails to resolve,
so it can gate a deploy in CI.`,
		Args: cobra.ExactArgs(1),
		Run:  runPolicyCheck,
	}
)

func init() {
	policyCmd.AddCommand(policyCheckCmd)
}

// policyCheckReport is the JSON shape of a policy check result.
type policyCheckReport struct {
	File        string             `json:"file"`
	DefaultRole string             `json:"default_role"`
	Roles       []policyRoleReport `json:"roles"`
	Errors      []string           `json:"errors,omitempty"`
}

type policyRoleReport struct {
	Role         string                  `json:"role"`
	Restrictions []datatypes.Restriction `json:"restrictions"`
}

func runPolicyCheck(cmd *cobra.Command, args []string) {
	path := args[0]

	engine, err := policy_engine.NewPolicyEngineFromFile(path)
	if err != nil {
		logger.Error("policy file failed to load", "file", path, "error", err)
		fmt.Fprintf(os.Stderr, "crmctl: %s: %v\n", path, err)
		os.Exit(policyCheckExitError)
	}

	report := buildPolicyReport(path, engine)

	if jsonOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		fmt.Printf("policy file: %s\n", path)
		fmt.Printf("default role: %s\n\n", report.DefaultRole)
		for _, role := range report.Roles {
			fmt.Printf("%s (%d restrictions)\n", role.Role, len(role.Restrictions))
			for _, r := range role.Restrictions {
				if r.IsTableLevel() {
					fmt.Printf("  - %s (entire table)\n", r.TableName)
				} else {
					fmt.Printf("  - %s.%s\n", r.TableName, r.FieldName)
				}
			}
		}
		for _, e := range report.Errors {
			fmt.Printf("error: %s\n", e)
		}
	}

	if len(report.Errors) > 0 {
		os.Exit(policyCheckExitInvalid)
	}
	os.Exit(policyCheckExitSuccess)
}

// buildPolicyReport resolves every role in the engine into a report.
func buildPolicyReport(path string, engine *policy_engine.PolicyEngine) policyCheckReport {
	report := policyCheckReport{
		File:        path,
		DefaultRole: engine.DefaultRole(),
	}

	for _, role := range engine.Roles() {
		restrictions, err := engine.ResolveRestrictions(role)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("role %q: %v", role, err))
			continue
		}
		report.Roles = append(report.Roles, policyRoleReport{
			Role:         role,
			Restrictions: restrictions,
		})
	}
	return report
}
