// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package authgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianRAG/pkg/extensions"
	"github.com/golang-jwt/jwt/v4"
)

// JWTConfig configures a JWTAuthProvider. Exactly one of SigningKey (HMAC)
// and PublicKeyPEM (RSA) must be set.
type JWTConfig struct {
	SigningKey   string
	PublicKeyPEM string

	// Issuer and Audience are verified when non-empty.
	Issuer   string
	Audience string
}

// JWTAuthProvider validates bearer JWTs and exposes their claims.
type JWTAuthProvider struct {
	key      any
	methods  []string
	issuer   string
	audience string
}

// NewJWTAuthProvider creates a provider from cfg.
func NewJWTAuthProvider(cfg JWTConfig) (*JWTAuthProvider, error) {
	p := &JWTAuthProvider{issuer: cfg.Issuer, audience: cfg.Audience}
	switch {
	case cfg.SigningKey != "" && cfg.PublicKeyPEM != "":
		return nil, errors.New("configure either a signing key or a public key, not both")
	case cfg.SigningKey != "":
		p.key = []byte(cfg.SigningKey)
		p.methods = []string{"HS256", "HS384", "HS512"}
	case cfg.PublicKeyPEM != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse RSA public key: %w", err)
		}
		p.key = key
		p.methods = []string{"RS256", "RS384", "RS512"}
	default:
		return nil, errors.New("a signing key or public key is required")
	}
	return p, nil
}

// Validate implements extensions.AuthProvider.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", extensions.ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return p.key, nil
	}, jwt.WithValidMethods(p.methods))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", extensions.ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", extensions.ErrUnauthorized)
	}
	if p.issuer != "" && !claims.VerifyIssuer(p.issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer", extensions.ErrUnauthorized)
	}
	if p.audience != "" && !claims.VerifyAudience(p.audience, true) {
		return nil, fmt.Errorf("%w: unexpected audience", extensions.ErrUnauthorized)
	}

	info := &extensions.AuthInfo{
		UserID: firstString(claims, "oid", "sub"),
		Email:  firstString(claims, "preferred_username", "email", "upn"),
		Roles:  stringValues(claims["roles"]),
		Claims: map[string]any(claims),
	}
	return info, nil
}

func firstString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

var _ extensions.AuthProvider = (*JWTAuthProvider)(nil)
