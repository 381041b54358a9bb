// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package authgate resolves caller identity claims and filters retrieved
// passages by the caller's allowed groups.
//
// # Description
//
// A passage is surfaced when its access tags are empty (public) or share at
// least one entry with the caller's allowed set. The allowed set is built
// from the "oid" claim and the "groups" claim. Claim resolution fails
// closed: any error yields an empty claims map, so restricted passages are
// excluded rather than exposed.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianRAG/pkg/extensions"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
)

// ErrClaimsResolution marks a claims resolution failure. It is logged and
// degraded to empty claims, never returned to callers.
var ErrClaimsResolution = errors.New("claims resolution failed")

const (
	claimOID    = "oid"
	claimGroups = "groups"
)

// Config configures a Gate.
type Config struct {
	// UseAuthentication resolves claims from the Authorization header.
	// When false every request has empty claims.
	UseAuthentication bool

	// EnforceAccessControl filters every request by both claim families.
	// When false, filtering applies only to requests that opt in through
	// the use_oid_security_filter or use_groups_security_filter overrides.
	EnforceAccessControl bool
}

// Gate evaluates caller identity against per-passage access tags.
//
// # Thread Safety
//
// Safe for concurrent use; a Gate holds no per-request state.
type Gate struct {
	provider extensions.AuthProvider
	cfg      Config
	metrics  *observability.Metrics
}

// New creates a Gate. provider resolves bearer tokens to claims and may be
// nil when authentication is disabled.
func New(provider extensions.AuthProvider, cfg Config, metrics *observability.Metrics) *Gate {
	if provider == nil {
		provider = &extensions.NopAuthProvider{}
	}
	return &Gate{provider: provider, cfg: cfg, metrics: metrics}
}

// AuthenticationEnabled reports whether claims are resolved from requests.
func (g *Gate) AuthenticationEnabled() bool {
	return g.cfg.UseAuthentication
}

// AccessControlEnforced reports whether every request is filtered.
func (g *Gate) AccessControlEnforced() bool {
	return g.cfg.EnforceAccessControl
}

// ResolveClaims returns the caller's identity claims from request headers.
// It never fails: a missing token means anonymous (empty claims) and a
// rejected token or provider error is logged and treated the same way.
func (g *Gate) ResolveClaims(ctx context.Context, headers http.Header) map[string]any {
	if !g.cfg.UseAuthentication {
		return map[string]any{}
	}
	token := ExtractBearerToken(headers.Get("Authorization"))
	if token == "" {
		return map[string]any{}
	}

	info, err := g.provider.Validate(ctx, token)
	if err != nil {
		slog.Warn("Proceeding with empty claims",
			"error", fmt.Errorf("%w: %w", ErrClaimsResolution, err))
		return map[string]any{}
	}
	return info.ClaimsOrEmpty()
}

// ExtractBearerToken returns the token of a "Bearer <token>" header value,
// or "".
func ExtractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// =============================================================================
// Security Scope
// =============================================================================

// SecurityScope is the access-control decision for one request.
type SecurityScope struct {
	// Enforce is false when passages pass through unfiltered.
	Enforce bool

	// AllowedGroups is the sorted, de-duplicated set of identifiers that
	// grant access to a restricted passage.
	AllowedGroups []string
}

// Scope derives the request's SecurityScope from its claims and overrides.
// Overrides can opt a request into filtering but never out of an enforced
// gate.
func (g *Gate) Scope(claims map[string]any, overrides datatypes.Overrides) SecurityScope {
	useOID := g.cfg.EnforceAccessControl || boolOr(overrides.UseOIDSecurityFilter, false)
	useGroups := g.cfg.EnforceAccessControl || boolOr(overrides.UseGroupsSecurityFilter, false)
	if !useOID && !useGroups {
		return SecurityScope{}
	}

	seen := map[string]struct{}{}
	if useOID {
		if oid, ok := claims[claimOID].(string); ok && oid != "" {
			seen[oid] = struct{}{}
		}
	}
	if useGroups {
		for _, group := range stringValues(claims[claimGroups]) {
			if group != "" {
				seen[group] = struct{}{}
			}
		}
	}

	allowed := make([]string, 0, len(seen))
	for id := range seen {
		allowed = append(allowed, id)
	}
	sort.Strings(allowed)
	return SecurityScope{Enforce: true, AllowedGroups: allowed}
}

// Permits reports whether a passage with the given access tags may be
// surfaced under the scope.
func (s SecurityScope) Permits(tags []string) bool {
	if !s.Enforce || len(tags) == 0 {
		return true
	}
	for _, tag := range tags {
		idx := sort.SearchStrings(s.AllowedGroups, tag)
		if idx < len(s.AllowedGroups) && s.AllowedGroups[idx] == tag {
			return true
		}
	}
	return false
}

// Filter returns the passages the scope permits, preserving order. The
// result is never nil.
func (g *Gate) Filter(passages []datatypes.RetrievedPassage, scope SecurityScope) []datatypes.RetrievedPassage {
	kept := make([]datatypes.RetrievedPassage, 0, len(passages))
	for _, p := range passages {
		if scope.Permits(p.AccessTags) {
			kept = append(kept, p)
		}
	}
	if dropped := len(passages) - len(kept); dropped > 0 {
		g.metrics.RecordPassagesDropped(dropped)
		slog.Debug("Access control removed passages", "dropped", dropped, "kept", len(kept))
	}
	return kept
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// stringValues accepts the shapes a JSON "groups" claim decodes to.
func stringValues(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vals == "" {
			return nil
		}
		return []string{vals}
	default:
		return nil
	}
}
