// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/approaches"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoApproach answers with the oid claim it was given.
type echoApproach struct{}

func (echoApproach) Kind() approaches.Kind { return approaches.KindRetrieveThenRead }

func (echoApproach) Run(_ context.Context, req approaches.Request) (datatypes.AnswerEvent, error) {
	oid, _ := req.Context.AuthClaims["oid"].(string)
	return datatypes.NewAnswerEvent("oid="+oid, &datatypes.AnswerContext{DataPoints: []datatypes.RetrievedPassage{}}, nil), nil
}

func (e echoApproach) RunStream(ctx context.Context, req approaches.Request) (<-chan datatypes.AnswerEvent, error) {
	ev, _ := e.Run(ctx, req)
	out := make(chan datatypes.AnswerEvent, 1)
	out <- ev
	close(out)
	return out, nil
}

type headerResolver struct{}

func (headerResolver) ResolveClaims(_ context.Context, h http.Header) map[string]any {
	if oid := h.Get("X-Test-OID"); oid != "" {
		return map[string]any{"oid": oid}
	}
	return map[string]any{}
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	reg := observability.NewRegistry()
	metrics := observability.NewMetrics(reg)

	router := gin.New()
	SetupRoutes(router, Deps{
		RAG:       handlers.NewRAGHandler(echoApproach{}, echoApproach{}, nil, metrics),
		Content:   handlers.NewContentHandler(nil, metrics),
		AuthSetup: handlers.NewAuthSetup(handlers.AuthSetupConfig{ClientAppID: "client"}),
		Claims:    headerResolver{},
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return router
}

func TestSetupRoutes_RegistersRouteTable(t *testing.T) {
	router := newRouter(t)

	want := map[string]bool{
		"POST /ask":          false,
		"POST /chat":         false,
		"GET /content/*path": false,
		"GET /auth_setup":    false,
		"GET /redirect":      false,
		"GET /health":        false,
		"GET /metrics":       false,
	}
	for _, r := range router.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		assert.True(t, found, "route %s not registered", route)
	}
}

func TestSetupRoutes_ClaimsReachApproach(t *testing.T) {
	router := newRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(`{"messages":[{"role":"user","content":"q"}]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-OID", "user-7")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"answer":"oid=user-7"`)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestSetupRoutes_MetricsExposed(t *testing.T) {
	router := newRouter(t)

	ask := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(`{"messages":[{"role":"user","content":"q"}]}`))
	router.ServeHTTP(httptest.NewRecorder(), ask)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `aleutian_rag_requests_total{endpoint="ask",status="success"} 1`)
}

func TestSetupRoutes_HealthWithoutCredentials(t *testing.T) {
	router := newRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","credential":"not_required"}`, w.Body.String())
}
