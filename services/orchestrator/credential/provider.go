// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// defaultTokenLifetime is assumed when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// ClientCredentialsProvider obtains credentials with the OAuth2 client
// credentials grant, as used for service principals.
type ClientCredentialsProvider struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	now          func() time.Time
}

// NewClientCredentialsProvider creates a provider for the given token
// endpoint. A nil httpClient uses http.DefaultClient.
func NewClientCredentialsProvider(clientID, clientSecret, tokenURL string, httpClient *http.Client) (*ClientCredentialsProvider, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("client id and secret are required")
	}
	if tokenURL == "" {
		return nil, errors.New("token url is required")
	}
	return &ClientCredentialsProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   httpClient,
		now:          time.Now,
	}, nil
}

// GetToken implements IdentityProvider. Every call performs a token request;
// caching is the Supplier's job.
func (p *ClientCredentialsProvider) GetToken(ctx context.Context, scope string) (Credential, error) {
	cfg := clientcredentials.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		TokenURL:     p.tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if scope != "" {
		cfg.Scopes = []string{scope}
	}
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("client credentials token request: %w", err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = p.now().Add(defaultTokenLifetime)
	}
	return Credential{Token: tok.AccessToken, ExpiresAt: expiry}, nil
}

var _ IdentityProvider = (*ClientCredentialsProvider)(nil)
