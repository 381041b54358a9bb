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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type staticBearer struct {
	token string
	err   error
	calls int
	mu    sync.Mutex
}

func (s *staticBearer) BearerToken(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.token, s.err
}

// fakeOpenAI is an OpenAI-compatible test server recording what it received.
type fakeOpenAI struct {
	mu         sync.Mutex
	authHeader string
	bodies     []map[string]any
	handle     func(w http.ResponseWriter, path string, body map[string]any)
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.authHeader = r.Header.Get("Authorization")
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	f.handle(w, r.URL.Path, body)
}

func (f *fakeOpenAI) lastBody() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return nil
	}
	return f.bodies[len(f.bodies)-1]
}

func newFakeClient(t *testing.T, handle func(w http.ResponseWriter, path string, body map[string]any)) (*OpenAIClient, *fakeOpenAI, *staticBearer) {
	t.Helper()
	fake := &fakeOpenAI{handle: handle}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	bearer := &staticBearer{token: "tok-1"}
	client, err := NewOpenAIClient(OpenAIConfig{
		APIType:        "openai",
		BaseURL:        srv.URL + "/v1",
		ChatModel:      "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Bearer:         bearer,
	})
	require.NoError(t, err)
	return client, fake, bearer
}

func writeJSON(w http.ResponseWriter, status int, v string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, v)
}

func chatCompletion(content, finish string) string {
	b, _ := json.Marshal(content)
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",`+
		`"choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":%q}]}`, b, finish)
}

func streamChunk(content, finish string) string {
	b, _ := json.Marshal(content)
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini",`+
		`"choices":[{"index":0,"delta":{"content":%s},"finish_reason":%s}]}`, b, fr)
}

var userQuestion = []datatypes.Message{{Role: datatypes.RoleUser, Content: "What is the return policy?"}}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNewOpenAIClient_Validation(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	assert.Error(t, err, "chat model is required")

	_, err = NewOpenAIClient(OpenAIConfig{ChatModel: "m", APIType: "azure_ad", BaseURL: "https://x"})
	assert.Error(t, err, "azure_ad without bearer")

	_, err = NewOpenAIClient(OpenAIConfig{ChatModel: "m", APIType: "bedrock"})
	assert.Error(t, err)

	c, err := NewOpenAIClient(OpenAIConfig{ChatModel: "m", APIType: "azure", APIKey: "k", BaseURL: "https://x", RequestsPerSecond: 2})
	require.NoError(t, err)
	assert.NotNil(t, c.limiter)
}

// =============================================================================
// Chat Tests
// =============================================================================

func TestOpenAIClient_Chat(t *testing.T) {
	client, fake, bearer := newFakeClient(t, func(w http.ResponseWriter, path string, _ map[string]any) {
		assert.Equal(t, "/v1/chat/completions", path)
		writeJSON(w, http.StatusOK, chatCompletion("Returns accepted within 30 days [faq.pdf#p3]", "stop"))
	})

	temp := float32(0.3)
	answer, err := client.Chat(context.Background(), userQuestion, GenerationParams{Temperature: &temp})

	require.NoError(t, err)
	assert.Equal(t, "Returns accepted within 30 days [faq.pdf#p3]", answer)
	assert.Equal(t, "Bearer tok-1", fake.authHeader)
	assert.Equal(t, 1, bearer.calls)

	body := fake.lastBody()
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.InDelta(t, 0.3, body["temperature"], 1e-6)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestOpenAIClient_Chat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{
			name:   "content filter code",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"The response was filtered","type":null,"param":"prompt","code":"content_filter"}}`,
			want:   KindContentFilter,
		},
		{
			name:   "content filter finish reason",
			status: http.StatusOK,
			body:   chatCompletion("", "content_filter"),
			want:   KindContentFilter,
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"message":"slow down","type":"rate_limit","code":"429"}}`,
			want:   KindRateLimited,
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"error":{"message":"bad token","type":"invalid_request_error","code":"invalid_api_key"}}`,
			want:   KindAuth,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"error":{"message":"internal","type":"server_error","code":null}}`,
			want:   KindUnavailable,
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"context too long","type":"invalid_request_error","code":"context_length_exceeded"}}`,
			want:   KindInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, _ := newFakeClient(t, func(w http.ResponseWriter, _ string, _ map[string]any) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := client.Chat(context.Background(), userQuestion, GenerationParams{})

			require.Error(t, err)
			var be *BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.want, be.Kind)
			assert.Equal(t, tt.want == KindContentFilter, IsContentFilter(err))
		})
	}
}

func TestOpenAIClient_Chat_BearerFailure(t *testing.T) {
	client, fake, bearer := newFakeClient(t, func(w http.ResponseWriter, _ string, _ map[string]any) {
		writeJSON(w, http.StatusOK, chatCompletion("unreachable", "stop"))
	})
	sentinel := errors.New("identity provider down")
	bearer.err = sentinel

	_, err := client.Chat(context.Background(), userQuestion, GenerationParams{})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Nil(t, fake.lastBody(), "no request may reach the backend without a credential")
}

// =============================================================================
// Streaming Tests
// =============================================================================

func sseHandler(chunks ...string) func(w http.ResponseWriter, _ string, _ map[string]any) {
	return func(w http.ResponseWriter, _ string, _ map[string]any) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
}

func TestOpenAIClient_ChatStream(t *testing.T) {
	client, fake, _ := newFakeClient(t, sseHandler(
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[]}`,
		streamChunk("Returns ", ""),
		streamChunk("accepted ", ""),
		streamChunk("within 30 days", ""),
		streamChunk("", "stop"),
	))

	var tokens []string
	var done []StreamEvent
	err := client.ChatStream(context.Background(), userQuestion, GenerationParams{}, func(ev StreamEvent) error {
		switch ev.Type {
		case StreamEventToken:
			tokens = append(tokens, ev.Content)
		case StreamEventDone:
			done = append(done, ev)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Returns ", "accepted ", "within 30 days"}, tokens)
	require.Len(t, done, 1)
	assert.Equal(t, "stop", done[0].FinishReason)
	assert.Equal(t, true, fake.lastBody()["stream"])
}

func TestOpenAIClient_ChatStream_CallbackAbort(t *testing.T) {
	client, _, _ := newFakeClient(t, sseHandler(
		streamChunk("a", ""),
		streamChunk("b", ""),
		streamChunk("c", ""),
	))
	stop := errors.New("client went away")

	var got []string
	err := client.ChatStream(context.Background(), userQuestion, GenerationParams{}, func(ev StreamEvent) error {
		got = append(got, ev.Content)
		return stop
	})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a"}, got)
}

func TestOpenAIClient_ChatStream_ContentFilter(t *testing.T) {
	client, _, _ := newFakeClient(t, sseHandler(
		streamChunk("partial", ""),
		streamChunk("", "content_filter"),
	))

	var got []string
	err := client.ChatStream(context.Background(), userQuestion, GenerationParams{}, func(ev StreamEvent) error {
		got = append(got, ev.Content)
		return nil
	})

	assert.True(t, IsContentFilter(err))
	assert.Equal(t, []string{"partial"}, got)
}

// =============================================================================
// Query Rewrite Tests
// =============================================================================

func TestOpenAIClient_RewriteQuery(t *testing.T) {
	t.Run("tool called", func(t *testing.T) {
		client, fake, _ := newFakeClient(t, func(w http.ResponseWriter, _ string, _ map[string]any) {
			writeJSON(w, http.StatusOK, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
				"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,
				"tool_calls":[{"id":"call_1","type":"function","function":{"name":"search_sources","arguments":"{\"search_query\":\" return policy \"}"}}]}}]}`)
		})

		query, err := client.RewriteQuery(context.Background(), userQuestion, GenerationParams{})

		require.NoError(t, err)
		assert.Equal(t, "return policy", query)

		tools := fake.lastBody()["tools"].([]any)
		require.Len(t, tools, 1)
		fn := tools[0].(map[string]any)["function"].(map[string]any)
		assert.Equal(t, SearchFunctionName, fn["name"])
	})

	t.Run("tool declined", func(t *testing.T) {
		client, _, _ := newFakeClient(t, func(w http.ResponseWriter, _ string, _ map[string]any) {
			writeJSON(w, http.StatusOK, chatCompletion("I would search for returns", "stop"))
		})

		query, err := client.RewriteQuery(context.Background(), userQuestion, GenerationParams{})

		require.NoError(t, err)
		assert.Empty(t, query)
	})
}

func TestSearchQueryFromToolCalls(t *testing.T) {
	assert.Empty(t, searchQueryFromToolCalls(nil))
}

// =============================================================================
// Embedding Tests
// =============================================================================

func TestOpenAIClient_Embed(t *testing.T) {
	client, fake, _ := newFakeClient(t, func(w http.ResponseWriter, path string, _ map[string]any) {
		assert.Equal(t, "/v1/embeddings", path)
		writeJSON(w, http.StatusOK, `{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.25,-0.5,1]}]}`)
	})

	vec, err := client.Embed(context.Background(), "return policy")

	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5, 1}, vec)
	assert.Equal(t, "text-embedding-3-small", fake.lastBody()["model"])
}

type countingEmbedder struct {
	calls int
	err   error
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text))}, nil
}

func TestCachingEmbedder(t *testing.T) {
	next := &countingEmbedder{}
	cached, err := NewCachingEmbedder(next, 100)
	require.NoError(t, err)
	defer cached.Close()

	v1, err := cached.Embed(context.Background(), "return policy")
	require.NoError(t, err)
	cached.cache.Wait()

	v2, err := cached.Embed(context.Background(), "return policy")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, next.calls)

	_, err = cached.Embed(context.Background(), "shipping")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCachingEmbedder_ErrorsNotCached(t *testing.T) {
	next := &countingEmbedder{err: errors.New("boom")}
	emb, err := NewCachingEmbedder(next, 100)
	require.NoError(t, err)

	_, err = emb.Embed(context.Background(), "q")
	require.Error(t, err)
	_, err = emb.Embed(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestNewCachingEmbedder_Disabled(t *testing.T) {
	next := &countingEmbedder{}
	emb, err := NewCachingEmbedder(next, 0)
	require.NoError(t, err)
	defer emb.Close()

	for range 2 {
		_, err = emb.Embed(context.Background(), "q")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, next.calls)
}

func TestCachingEmbedder_CloseStopsCaching(t *testing.T) {
	next := &countingEmbedder{}
	emb, err := NewCachingEmbedder(next, 100)
	require.NoError(t, err)

	emb.Close()
	emb.Close()

	for range 2 {
		vec, err := emb.Embed(context.Background(), "return policy")
		require.NoError(t, err)
		assert.Equal(t, []float32{13}, vec)
	}
	assert.Equal(t, 2, next.calls, "a closed cache passes every call through")
}

// =============================================================================
// Error And Token Tests
// =============================================================================

func TestClassifyError_Passthrough(t *testing.T) {
	assert.Nil(t, classifyError("chat", nil))

	original := &BackendError{Kind: KindAuth, Op: "chat", Err: errors.New("x")}
	wrapped := fmt.Errorf("wrap: %w", original)
	assert.Same(t, wrapped, classifyError("chat", wrapped), "already classified errors are returned as is")

	assert.Equal(t, KindUnavailable, KindOf(classifyError("chat", context.DeadlineExceeded)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestBackendError_Message(t *testing.T) {
	err := &BackendError{Kind: KindRateLimited, Op: "embed", StatusCode: 429, Err: errors.New("slow")}
	assert.Equal(t, "llm embed failed (rate_limited, status 429): slow", err.Error())
	assert.True(t, strings.HasPrefix((&BackendError{Kind: KindUnknown, Op: "chat", Err: errors.New("x")}).Error(), "llm chat failed (unknown)"))
}

func TestApproxCounter(t *testing.T) {
	c := ApproxCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 2, c.Count("abcdefgh"))
}

func TestCountMessages(t *testing.T) {
	msgs := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "abcd"},
		{Role: datatypes.RoleAssistant, Content: ""},
	}
	assert.Equal(t, (perMessageOverhead+1)+perMessageOverhead, CountMessages(ApproxCounter{}, msgs))
}
