// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for enterprise functionality.
//
// This package provides extension points that allow AleutianEnterprise
// to add capabilities without modifying the core AleutianCRM codebase.
// The open source version uses no-op defaults for all interfaces.
//
// # Design Philosophy
//
// AleutianCRM is designed as a fully functional single-tenant assistant
// that runs against one CRM Web API without external identity or
// compliance infrastructure. Enterprise features are implemented by
// providing concrete implementations of these interfaces and injecting
// them via ServiceOptions.
//
// # Extension Categories
//
// The package is organized by domain:
//
//   - auth.go: Authentication and authorization (AuthProvider, AuthzProvider)
//   - audit.go: Compliance audit logging (AuditLogger)
//   - filter.go: Message transformation and PII redaction (MessageFilter)
//   - request_auditor.go: Raw request/response capture (RequestAuditor)
//
// # Usage in AleutianCRM (Open Source)
//
// The open source version uses no-op implementations:
//
//	opts := extensions.DefaultOptions()
//	svc, err := orchestrator.New(cfg, &opts)
//
// # Usage in AleutianEnterprise
//
// Enterprise provides concrete implementations:
//
//	opts := extensions.ServiceOptions{
//	    AuthProvider:  enterprise.NewOktaProvider(config),
//	    AuditLogger:   enterprise.NewSplunkAuditor(config),
//	    MessageFilter: enterprise.NewPIIFilter(policy),
//	}
//	svc, err := orchestrator.New(cfg, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to orchestrator.New to enable enterprise features. All fields
// are optional; nil values are replaced with no-op defaults when
// DefaultOptions() is called or when services check for nil.
//
// Example:
//
//	// Open source: use defaults
//	opts := extensions.DefaultOptions()
//
//	// Enterprise: inject implementations
//	opts := extensions.ServiceOptions{
//	    AuthProvider:  oktaProvider,
//	    AuditLogger:   splunkAuditor,
//	    MessageFilter: piiFilter,
//	}
type ServiceOptions struct {
	// AuthProvider validates authentication tokens and yields the
	// caller's roles and field restrictions.
	// Default: NopAuthProvider (always returns valid local user)
	AuthProvider AuthProvider

	// AuthzProvider checks authorization permissions per action.
	// Default: NopAuthzProvider (always allows all actions)
	AuthzProvider AuthzProvider

	// AuditLogger records security-relevant assistant events.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger

	// MessageFilter transforms user questions and assistant answers.
	// Default: NopMessageFilter (passes through unchanged)
	MessageFilter MessageFilter

	// RequestAuditor captures raw request/response pairs for
	// tamper-evident storage.
	// Default: NopRequestAuditor (captures nothing)
	RequestAuditor RequestAuditor
}

// DefaultOptions returns ServiceOptions with no-op defaults.
//
// This is the configuration used by the open source version.
// All operations are allowed, no audit trail, no filtering.
//
// Returns:
//   - ServiceOptions with all fields set to no-op implementations
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:   &NopAuthProvider{},
		AuthzProvider:  &NopAuthzProvider{},
		AuditLogger:    &NopAuditLogger{},
		MessageFilter:  &NopMessageFilter{},
		RequestAuditor: &NopRequestAuditor{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
// Useful for fluent configuration.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithFilter returns a copy of opts with the given MessageFilter.
func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.MessageFilter = filter
	return opts
}

// WithRequestAuditor returns a copy of opts with the given RequestAuditor.
func (opts ServiceOptions) WithRequestAuditor(auditor RequestAuditor) ServiceOptions {
	opts.RequestAuditor = auditor
	return opts
}
