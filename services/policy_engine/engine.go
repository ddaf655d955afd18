// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCRM/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// ErrUnknownRole is returned when a role is not defined in the policy and no
// default role exists to fall back to.
var ErrUnknownRole = errors.New("role not defined in access policy")

// PolicyEngine serves as the main entry point for access-policy decisions.
// It holds the flattened role restrictions and the internal-field patterns,
// and answers the two questions the request path asks: "what is this role
// forbidden to see?" and "is this field internal plumbing?".
type PolicyEngine struct {
	mu             sync.RWMutex
	defaultRole    string
	restrictions   map[string][]datatypes.Restriction
	internalFields []InternalFieldRule
}

// NewPolicyEngine initializes a new instance of the PolicyEngine.
//
// It automatically loads the policy definitions embedded in the binary via
// the enforcement package and performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all internal-field regex patterns.
// 3. Validates role names and inheritance, then flattens inherited restrictions.
//
// Returns an error if the embedded YAML is malformed, contains an invalid
// regex, or defines an inconsistent role graph.
func NewPolicyEngine() (*PolicyEngine, error) {
	engine := &PolicyEngine{}
	if err := engine.loadBytes(enforcement.RoleRestrictionPolicy); err != nil {
		return nil, fmt.Errorf("embedded policy: %w", err)
	}
	return engine, nil
}

// NewPolicyEngineFromFile initializes a PolicyEngine from a site-specific
// policy file, replacing the embedded defaults entirely.
//
// The file must carry the same schema as the embedded role_restrictions.yaml.
// Operators who want the defaults plus local additions copy the embedded file
// and extend it; partial overlays are deliberately not supported, so the file
// on disk is always the complete effective policy.
func NewPolicyEngineFromFile(path string) (*PolicyEngine, error) {
	engine := &PolicyEngine{}
	if err := engine.Reload(path); err != nil {
		return nil, err
	}
	return engine, nil
}

// Reload re-reads the policy file at path and atomically swaps the engine's
// state. On any error the previous policy stays in effect.
func (e *PolicyEngine) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	if err := e.loadBytes(data); err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	return nil
}

// loadBytes parses, validates, and installs a policy. The swap happens under
// the write lock only after every fallible step has succeeded.
func (e *PolicyEngine) loadBytes(data []byte) error {
	var file RolePolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return fmt.Errorf("failed to compile a pattern: %w", err)
	}
	if err := file.Validate(); err != nil {
		return err
	}
	flat := file.Flatten()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultRole = file.DefaultRole
	e.restrictions = flat
	e.internalFields = file.InternalFields
	return nil
}

// ResolveRestrictions returns the flattened restriction list for a role.
//
// An unknown role falls back to the policy's default role, on the reasoning
// that a misconfigured caller should get the baseline policy rather than
// either full access or a hard failure. When the policy defines no default
// role the lookup fails with ErrUnknownRole instead.
//
// The returned slice is a copy; callers may append per-request restrictions
// to it freely.
func (e *PolicyEngine) ResolveRestrictions(role string) ([]datatypes.Restriction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list, ok := e.restrictions[role]
	if !ok {
		if e.defaultRole == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		list = e.restrictions[e.defaultRole]
	}
	out := make([]datatypes.Restriction, len(list))
	copy(out, list)
	return out, nil
}

// IsInternalField reports whether a record field is internal plumbing that
// should never reach the model, regardless of role.
func (e *PolicyEngine) IsInternalField(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rule := range e.internalFields {
		if rule.compiledPattern != nil && rule.compiledPattern.MatchString(name) {
			return true
		}
	}
	return false
}

// DefaultRole returns the role applied to callers whose role is not defined.
func (e *PolicyEngine) DefaultRole() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultRole
}

// Roles returns the defined role names in sorted order, for diagnostics.
func (e *PolicyEngine) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.restrictions))
	for name := range e.restrictions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
