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
	"time"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/credential"
	"github.com/gin-gonic/gin"
)

// CredentialSource reports the held backend credential.
type CredentialSource interface {
	Current() (credential.Credential, bool)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status     string `json:"status"`
	Credential string `json:"credential"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

// Credential states reported by /health.
const (
	CredentialNotRequired = "not_required"
	CredentialPending     = "pending"
	CredentialValid       = "valid"
	CredentialExpired     = "expired"
)

// HandleHealth reports liveness. source may be nil when the backend uses a
// static key. The service stays "ok" with an expired credential since the
// next request refreshes it.
func HandleHealth(source CredentialSource, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		resp := HealthResponse{Status: "ok", Credential: CredentialNotRequired}
		if source != nil {
			cred, ok := source.Current()
			switch {
			case !ok:
				resp.Credential = CredentialPending
			case cred.ValidAt(now()):
				resp.Credential = CredentialValid
				resp.ExpiresAt = cred.ExpiresAt.UTC().Format(time.RFC3339)
			default:
				resp.Credential = CredentialExpired
				resp.ExpiresAt = cred.ExpiresAt.UTC().Format(time.RFC3339)
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
