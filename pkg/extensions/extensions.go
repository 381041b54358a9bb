// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable identity and audit hooks of the
// RAG orchestrator.
//
// Open source builds use the Nop implementations. Deployments that need real
// identity resolution or audit shipping pass their own implementations in
// ServiceOptions when constructing the orchestrator:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(myProvider).
//	    WithAudit(myAuditLogger)
//	svc, err := orchestrator.New(ctx, cfg, &opts)
package extensions

// ServiceOptions bundles the extension implementations used by the service.
type ServiceOptions struct {
	// AuthProvider resolves caller identity claims from a bearer token.
	AuthProvider AuthProvider

	// AuditLogger records completed exchanges.
	AuditLogger AuditLogger
}

// DefaultOptions returns options with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts using provider for identity resolution.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts using logger for audit events.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
