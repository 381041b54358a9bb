// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AuthSetupConfig is what the browser client needs to sign users in.
type AuthSetupConfig struct {
	UseLogin             bool
	RequireAccessControl bool
	ClientAppID          string
	ServerAppID          string
	Authority            string
}

// AuthSetup is the /auth_setup payload consumed by MSAL.js.
type AuthSetup struct {
	UseLogin             bool         `json:"useLogin"`
	RequireAccessControl bool         `json:"requireAccessControl"`
	MSALConfig           msalConfig   `json:"msalConfig"`
	LoginRequest         scopeRequest `json:"loginRequest"`
	TokenRequest         scopeRequest `json:"tokenRequest"`
}

type msalConfig struct {
	Auth  msalAuth  `json:"auth"`
	Cache msalCache `json:"cache"`
}

type msalAuth struct {
	ClientID                  string `json:"clientId"`
	Authority                 string `json:"authority"`
	RedirectURI               string `json:"redirectUri"`
	PostLogoutRedirectURI     string `json:"postLogoutRedirectUri"`
	NavigateToLoginRequestURL bool   `json:"navigateToLoginRequestUrl"`
}

type msalCache struct {
	CacheLocation          string `json:"cacheLocation"`
	StoreAuthStateInCookie bool   `json:"storeAuthStateInCookie"`
}

type scopeRequest struct {
	Scopes []string `json:"scopes"`
}

// NewAuthSetup builds the client login settings.
func NewAuthSetup(cfg AuthSetupConfig) AuthSetup {
	tokenScopes := []string{}
	if cfg.ServerAppID != "" {
		tokenScopes = append(tokenScopes, "api://"+cfg.ServerAppID+"/access_as_user")
	}
	return AuthSetup{
		UseLogin:             cfg.UseLogin,
		RequireAccessControl: cfg.RequireAccessControl,
		MSALConfig: msalConfig{
			Auth: msalAuth{
				ClientID:              cfg.ClientAppID,
				Authority:             cfg.Authority,
				RedirectURI:           "/redirect",
				PostLogoutRedirectURI: "/",
			},
			Cache: msalCache{CacheLocation: "sessionStorage"},
		},
		LoginRequest: scopeRequest{Scopes: []string{".default"}},
		TokenRequest: scopeRequest{Scopes: tokenScopes},
	}
}

// HandleAuthSetup serves the precomputed settings.
func HandleAuthSetup(setup AuthSetup) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, setup)
	}
}

// HandleRedirect serves the empty page MSAL redirects to after login.
func HandleRedirect(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte{})
}
