// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"net/http"
)

// BearerSource supplies the bearer credential for each outbound request.
// Implementations own caching and refresh; the transport never stores the
// token it receives.
type BearerSource interface {
	BearerToken(ctx context.Context) (string, error)
}

// bearerTransport sets the Authorization header of every request from a
// BearerSource.
type bearerTransport struct {
	source BearerSource
	base   http.RoundTripper
}

// NewBearerHTTPClient returns an http.Client whose requests carry a fresh
// bearer token from source. A nil base uses http.DefaultTransport.
func NewBearerHTTPClient(source BearerSource, base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{Transport: &bearerTransport{source: source, base: base}}
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.BearerToken(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("obtain bearer token: %w", err)
	}
	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(out)
}
