// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by AuthProvider.Validate when the presented
// token is missing required properties, expired or badly signed.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo describes the caller behind a bearer token.
//
// # Description
//
// Claims holds the raw identity claims (e.g. "oid", "groups") exactly as
// the identity provider issued them. The access-control gate derives the
// caller's allowed groups from these claims.
//
// # Thread Safety
//
// AuthInfo is created per request and must not be shared across requests.
type AuthInfo struct {
	// UserID is the stable object id of the caller, if known.
	UserID string

	// Email of the caller, if the provider supplies one.
	Email string

	// Roles granted to the caller.
	Roles []string

	// Claims are the identity claims keyed by claim name.
	Claims map[string]any
}

// ClaimsOrEmpty returns the claims map, never nil.
func (a *AuthInfo) ClaimsOrEmpty() map[string]any {
	if a == nil || a.Claims == nil {
		return map[string]any{}
	}
	return a.Claims
}

// AuthProvider validates a bearer token and resolves the caller identity.
//
// # Description
//
// The identity collaborator. Open source builds use NopAuthProvider; the
// orchestrator ships a JWT-backed implementation in the authgate package.
//
// # Inputs
//
//   - ctx: Request context.
//   - token: Bearer token without the "Bearer " prefix. May be empty.
//
// # Outputs
//
//   - *AuthInfo: Resolved identity. Never nil when err is nil.
//   - error: ErrUnauthorized (possibly wrapped) for rejected tokens, other
//     errors for provider failures.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as an anonymous local user with no
// identity claims.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
		Claims: map[string]any{},
	}, nil
}

var _ AuthProvider = (*NopAuthProvider)(nil)
