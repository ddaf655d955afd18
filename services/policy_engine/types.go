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
	"fmt"
	"regexp"

	"github.com/AleutianAI/AleutianCRM/services/orchestrator/datatypes"
)

// RolePolicyFile mirrors the structure of role_restrictions.yaml.
type RolePolicyFile struct {
	Version        int                 `yaml:"version"`
	DefaultRole    string              `yaml:"default_role"`
	InternalFields []InternalFieldRule `yaml:"internal_fields"`
	Roles          []RolePolicy        `yaml:"roles"`
}

// RolePolicy binds one role name to its restrictions. A role may inherit
// another role's restrictions; inheritance is additive and single-parent.
type RolePolicy struct {
	Role         string                  `yaml:"role"`
	Description  string                  `yaml:"description"`
	Inherits     string                  `yaml:"inherits,omitempty"`
	Restrictions []datatypes.Restriction `yaml:"restrictions"`
}

// InternalFieldRule identifies plumbing fields by regex. Matching fields are
// stripped from every record for every role.
type InternalFieldRule struct {
	Id              string         `yaml:"id"`
	Description     string         `yaml:"description"`
	Pattern         string         `yaml:"pattern"`
	compiledPattern *regexp.Regexp `yaml:"-"`
}

// CompileRegexes compiles every internal-field pattern in the file.
//
// Patterns are compiled once at load time so the per-field checks on the hot
// path are plain regexp matches.
func (p *RolePolicyFile) CompileRegexes() error {
	for i := range p.InternalFields {
		rule := &p.InternalFields[i]
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("failed to compile the pattern %s: %w", rule.Pattern, err)
		}
		rule.compiledPattern = re
	}
	return nil
}

// Validate checks the file for the structural problems that would otherwise
// surface as confusing behavior at request time: duplicate or empty role
// names, restrictions without a table, dangling or cyclic inheritance.
func (p *RolePolicyFile) Validate() error {
	if len(p.Roles) == 0 {
		return fmt.Errorf("policy file defines no roles")
	}
	byName := make(map[string]*RolePolicy, len(p.Roles))
	for i := range p.Roles {
		role := &p.Roles[i]
		if role.Role == "" {
			return fmt.Errorf("policy file contains a role with no name")
		}
		if _, dup := byName[role.Role]; dup {
			return fmt.Errorf("role %q is defined twice", role.Role)
		}
		byName[role.Role] = role
		for _, r := range role.Restrictions {
			if r.TableName == "" {
				return fmt.Errorf("role %q has a restriction with no table_name", role.Role)
			}
		}
	}
	if p.DefaultRole != "" {
		if _, ok := byName[p.DefaultRole]; !ok {
			return fmt.Errorf("default_role %q is not a defined role", p.DefaultRole)
		}
	}
	// Walk each inheritance chain; a chain longer than the role count is a cycle.
	for _, role := range p.Roles {
		seen := 0
		for cur := role.Inherits; cur != ""; {
			parent, ok := byName[cur]
			if !ok {
				return fmt.Errorf("role %q inherits unknown role %q", role.Role, cur)
			}
			seen++
			if seen > len(p.Roles) {
				return fmt.Errorf("inheritance cycle involving role %q", role.Role)
			}
			cur = parent.Inherits
		}
	}
	return nil
}

// Flatten resolves inheritance into one restriction list per role.
//
// A child's own restrictions come after its ancestors' so the most specific
// reason text wins when the same table appears twice. Call Validate first;
// Flatten assumes the inheritance graph is acyclic.
func (p *RolePolicyFile) Flatten() map[string][]datatypes.Restriction {
	byName := make(map[string]*RolePolicy, len(p.Roles))
	for i := range p.Roles {
		byName[p.Roles[i].Role] = &p.Roles[i]
	}
	flat := make(map[string][]datatypes.Restriction, len(p.Roles))
	for _, role := range p.Roles {
		var chain []*RolePolicy
		for cur := &role; cur != nil; {
			chain = append(chain, cur)
			if cur.Inherits == "" {
				break
			}
			cur = byName[cur.Inherits]
		}
		var merged []datatypes.Restriction
		for i := len(chain) - 1; i >= 0; i-- {
			merged = append(merged, chain[i].Restrictions...)
		}
		flat[role.Role] = merged
	}
	return flat
}
