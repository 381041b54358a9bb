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
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ServiceOptions Tests
// =============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, opts.AuditLogger)
}

func TestServiceOptions_WithMethodsCopy(t *testing.T) {
	base := DefaultOptions()
	audit := &SlogAuditLogger{}

	withAudit := base.WithAudit(audit)

	assert.Same(t, audit, withAudit.AuditLogger)
	assert.IsType(t, &NopAuditLogger{}, base.AuditLogger, "original options should be unchanged")

	provider := &NopAuthProvider{}
	withAuth := base.WithAuth(provider)
	assert.Same(t, provider, withAuth.AuthProvider)
}

// =============================================================================
// Auth Tests
// =============================================================================

func TestNopAuthProvider_Validate(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, "local-user", info.UserID)
	assert.Equal(t, []string{"admin"}, info.Roles)
	assert.Empty(t, info.Claims, "nop provider should carry no identity claims")
}

func TestAuthInfo_ClaimsOrEmpty(t *testing.T) {
	var nilInfo *AuthInfo
	assert.NotNil(t, nilInfo.ClaimsOrEmpty())
	assert.NotNil(t, (&AuthInfo{}).ClaimsOrEmpty())

	info := &AuthInfo{Claims: map[string]any{"oid": "u1"}}
	assert.Equal(t, "u1", info.ClaimsOrEmpty()["oid"])
}

// =============================================================================
// Audit Tests
// =============================================================================

func TestNopAuditLogger(t *testing.T) {
	l := &NopAuditLogger{}
	assert.NoError(t, l.Log(context.Background(), AuditEvent{EventType: "chat.answer"}))
	assert.NoError(t, l.Flush(context.Background()))
}

func TestSlogAuditLogger_WritesRecord(t *testing.T) {
	var buf bytes.Buffer
	l := &SlogAuditLogger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	err := l.Log(context.Background(), AuditEvent{
		EventType: "ask.answer",
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		UserID:    "u1",
		RequestID: "req-1",
		Outcome:   "success",
		Metadata:  map[string]any{"data_points": 2},
	})

	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, `"event_type":"ask.answer"`)
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"outcome":"success"`)
}
