// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRAG/pkg/config"
	"github.com/AleutianAI/AleutianRAG/pkg/extensions"
	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/authgate"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	newTokenCounter = func(string) llm.TokenCounter { return llm.ApproxCounter{} }
}

// =============================================================================
// Test Helpers
// =============================================================================

type fakeBackends struct {
	*httptest.Server
	embeddings atomic.Int32
}

// newFakeBackends starts one server standing in for both the OpenAI API and
// Weaviate. Completions always answer "Returns accepted [faq.pdf#p3]." and
// searches return one passage.
func newFakeBackends(t *testing.T) *fakeBackends {
	t.Helper()
	fb := &fakeBackends{}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/meta":
			_, _ = w.Write([]byte(`{"version":"1.35.2"}`))
		case r.URL.Path == "/v1/graphql":
			_, _ = w.Write([]byte(`{"data":{"Get":{"Passage":[{"content":"Returns accepted within 30 days","sourcepage":"faq.pdf#p3","category":"policy","access_tags":null,"_additional":{"id":"1","score":"0.9"}}]}}}`))
		case strings.HasSuffix(r.URL.Path, "/embeddings"):
			fb.embeddings.Add(1)
			_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],"model":"embed"}`))
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"chat","choices":[{"index":0,"message":{"role":"assistant","content":"Returns accepted [faq.pdf#p3]."},"finish_reason":"stop"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fb.Close)
	return fb
}

func testConfig(backendURL string) config.Config {
	cfg := config.Default()
	cfg.Server.GinMode = gin.TestMode
	cfg.Telemetry.Exporter = config.ExporterNone
	cfg.OpenAI.APIType = config.APITypeOpenAI
	cfg.OpenAI.APIKey = "sk-test"
	cfg.OpenAI.Endpoint = backendURL + "/openai/v1"
	cfg.Search.WeaviateURL = backendURL
	cfg.Search.DefaultMode = "text"
	return cfg
}

type memAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *memAudit) Log(_ context.Context, ev extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *memAudit) Flush(context.Context) error { return nil }

// =============================================================================
// Tests
// =============================================================================

func TestNew_AnswersEndToEnd(t *testing.T) {
	srv := newFakeBackends(t)
	audit := &memAudit{}
	opts := extensions.DefaultOptions().WithAudit(audit)

	svc, err := New(context.Background(), testConfig(srv.URL), &opts)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(`{"messages":[{"role":"user","content":"What is the return policy?"}]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Answer  string `json:"answer"`
		Context struct {
			DataPoints []struct {
				SourceID string `json:"source_id"`
			} `json:"data_points"`
		} `json:"context"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Returns accepted [faq.pdf#p3].", body.Answer)
	require.Len(t, body.Context.DataPoints, 1)
	assert.Equal(t, "faq.pdf#p3", body.Context.DataPoints[0].SourceID)

	require.Len(t, audit.events, 1)
	assert.Equal(t, "ask.answer", audit.events[0].EventType)
}

func TestNew_MetricsToggle(t *testing.T) {
	srv := newFakeBackends(t)

	cfg := testConfig(srv.URL)
	cfg.Telemetry.MetricsEnabled = false
	svc, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNew_AuditLogSwitch(t *testing.T) {
	srv := newFakeBackends(t)
	custom := &memAudit{}

	tests := []struct {
		name  string
		audit bool
		opts  *extensions.ServiceOptions
		check func(t *testing.T, got extensions.AuditLogger)
	}{
		{
			name: "off",
			check: func(t *testing.T, got extensions.AuditLogger) {
				assert.IsType(t, &extensions.NopAuditLogger{}, got)
			},
		},
		{
			name:  "on",
			audit: true,
			check: func(t *testing.T, got extensions.AuditLogger) {
				assert.IsType(t, &extensions.SlogAuditLogger{}, got)
			},
		},
		{
			name:  "custom logger wins",
			audit: true,
			opts:  &extensions.ServiceOptions{AuditLogger: custom},
			check: func(t *testing.T, got extensions.AuditLogger) {
				assert.Same(t, custom, got)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(srv.URL)
			cfg.Logging.Audit = tt.audit
			svc, err := New(context.Background(), cfg, tt.opts)
			require.NoError(t, err)
			tt.check(t, svc.opts.AuditLogger)
		})
	}
}

func TestNew_AuthSetupFollowsGate(t *testing.T) {
	srv := newFakeBackends(t)

	cfg := testConfig(srv.URL)
	cfg.Auth.Enabled = true
	cfg.Auth.EnforceAccessControl = true
	cfg.Auth.SigningKey = "test-signing-key"
	svc, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &authgate.JWTAuthProvider{}, svc.opts.AuthProvider)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth_setup", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"useLogin":true`)
	assert.Contains(t, w.Body.String(), `"requireAccessControl":true`)
}

func TestNew_ConfigurationErrors(t *testing.T) {
	srv := newFakeBackends(t)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "no weaviate url", mutate: func(c *config.Config) { c.Search.WeaviateURL = "" }},
		{name: "unknown retrieval mode", mutate: func(c *config.Config) { c.Search.DefaultMode = "semantic" }},
		{name: "auth without key", mutate: func(c *config.Config) { c.Auth.Enabled = true }},
		{name: "azure_ad without identity", mutate: func(c *config.Config) { c.OpenAI.APIType = config.APITypeAzureAD }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(srv.URL)
			tt.mutate(&cfg)
			_, err := New(context.Background(), cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestNew_AzureADReportsCredentialState(t *testing.T) {
	srv := newFakeBackends(t)

	cfg := testConfig(srv.URL)
	cfg.OpenAI.APIType = config.APITypeAzureAD
	cfg.OpenAI.APIKey = ""
	cfg.Identity.ClientID = "client"
	cfg.Identity.ClientSecret = "secret"
	cfg.Identity.TokenURL = srv.URL + "/token"

	svc, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"credential":"pending"`)
}

func TestCleanup_ClosesEmbeddingCache(t *testing.T) {
	srv := newFakeBackends(t)
	svc, err := New(context.Background(), testConfig(srv.URL), nil)
	require.NoError(t, err)
	require.NotNil(t, svc.embedder)
	ctx := context.Background()

	_, err = svc.embedder.Embed(ctx, "return policy")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		before := srv.embeddings.Load()
		_, err := svc.embedder.Embed(ctx, "return policy")
		return err == nil && srv.embeddings.Load() == before
	}, 2*time.Second, 10*time.Millisecond, "repeated query should be served from the cache")

	svc.cleanup(ctx)

	before := srv.embeddings.Load()
	for range 2 {
		_, err = svc.embedder.Embed(ctx, "return policy")
		require.NoError(t, err)
	}
	assert.Equal(t, before+2, srv.embeddings.Load(), "closed cache passes calls to the backend")
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv := newFakeBackends(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := testConfig(srv.URL)
	cfg.Server.Port = port
	svc, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
