// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Claims Flow
//
// The claims middleware resolves the caller's identity claims once per
// request from the Authorization header and stores them in the Gin context.
// Handlers read them with GetClaims; claims sent in the request body are
// never trusted.
//
//	Request
//	   │
//	   ▼
//	RequestID ──► Claims
//	                │
//	                ├─► gate.ResolveClaims(ctx, headers)
//	                │     (errors degrade to empty claims)
//	                │
//	                └─► Store claims in context
//	                        │
//	                        ▼
//	                    Handler (GetClaims)
//
// Claims resolution never rejects a request. An anonymous caller simply
// sees public passages only.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

const claimsKey = "aleutian_auth_claims"

// ClaimsResolver resolves identity claims from request headers. It must not
// fail: problems are reported as empty claims.
type ClaimsResolver interface {
	ResolveClaims(ctx context.Context, headers http.Header) map[string]any
}

// =============================================================================
// Context Helpers
// =============================================================================

// SetClaims stores the caller's claims in the Gin context.
func SetClaims(c *gin.Context, claims map[string]any) {
	c.Set(claimsKey, claims)
}

// GetClaims returns the caller's claims, never nil.
func GetClaims(c *gin.Context) map[string]any {
	if v, exists := c.Get(claimsKey); exists {
		if claims, ok := v.(map[string]any); ok && claims != nil {
			return claims
		}
	}
	return map[string]any{}
}

// GetUserID returns the caller's object id, or "anonymous".
func GetUserID(c *gin.Context) string {
	claims := GetClaims(c)
	for _, key := range []string{"oid", "sub"} {
		if id, ok := claims[key].(string); ok && id != "" {
			return id
		}
	}
	return "anonymous"
}

// =============================================================================
// Claims Middleware
// =============================================================================

// Claims creates a middleware that resolves and stores the caller's claims.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func Claims(resolver ClaimsResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		SetClaims(c, resolver.ResolveClaims(c.Request.Context(), c.Request.Header))
		c.Next()
	}
}
