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
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("aleutian.llm.openai")

const (
	// SearchFunctionName is the function offered to the model during query
	// rewriting.
	SearchFunctionName = "search_sources"
	searchQueryArg     = "search_query"
)

var searchSourcesTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        SearchFunctionName,
		Description: "Retrieve sources from the search index",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				searchQueryArg: {
					Type:        jsonschema.String,
					Description: "Query string to retrieve documents from the search index",
				},
			},
			Required: []string{searchQueryArg},
		},
	},
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIType is "openai", "azure" or "azure_ad".
	APIType string

	// BaseURL is the API endpoint. Empty uses api.openai.com for "openai".
	BaseURL string

	// APIKey authenticates "openai" and "azure". Ignored for "azure_ad".
	APIKey string

	// APIVersion is the Azure API version.
	APIVersion string

	// ChatModel and EmbeddingModel are model names, or deployment names on
	// Azure.
	ChatModel      string
	EmbeddingModel string

	// Bearer supplies the credential for "azure_ad". When set it is also
	// used for the other API types in place of the API key.
	Bearer BearerSource

	// RequestsPerSecond limits outbound calls. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper
}

// OpenAIClient implements LLMClient against the OpenAI or Azure OpenAI API.
type OpenAIClient struct {
	client         *openai.Client
	chatModel      string
	embeddingModel string
	limiter        *rate.Limiter
}

// NewOpenAIClient builds a client from cfg.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.ChatModel == "" {
		return nil, errors.New("chat model is required")
	}

	var clientCfg openai.ClientConfig
	switch cfg.APIType {
	case "", "openai":
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
	case "azure":
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	case "azure_ad":
		if cfg.Bearer == nil {
			return nil, errors.New("azure_ad requires a bearer source")
		}
		clientCfg = openai.DefaultAzureConfig("", cfg.BaseURL)
		clientCfg.APIType = openai.APITypeAzureAD
	default:
		return nil, fmt.Errorf("unsupported api type %q", cfg.APIType)
	}
	if cfg.APIVersion != "" && cfg.APIType != "" && cfg.APIType != "openai" {
		clientCfg.APIVersion = cfg.APIVersion
	}

	if cfg.Bearer != nil {
		clientCfg.HTTPClient = NewBearerHTTPClient(cfg.Bearer, cfg.Transport)
	} else if cfg.Transport != nil {
		clientCfg.HTTPClient = &http.Client{Transport: cfg.Transport}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	slog.Info("Initializing OpenAI client",
		"api_type", cfg.APIType,
		"chat_model", cfg.ChatModel,
		"embedding_model", cfg.EmbeddingModel,
		"rate_limited", limiter != nil)

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientCfg),
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		limiter:        limiter,
	}, nil
}

// Chat implements LLMClient.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := o.startSpan(ctx, "OpenAIClient.Chat", len(messages))
	defer span.End()

	if err := o.wait(ctx); err != nil {
		return "", recordSpanError(span, classifyError("chat", err))
	}

	resp, err := o.client.CreateChatCompletion(ctx, o.chatRequest(messages, params))
	if err != nil {
		slog.Error("OpenAI chat completion failed", "error", err)
		return "", recordSpanError(span, classifyError("chat", err))
	}
	if len(resp.Choices) == 0 {
		return "", recordSpanError(span, &BackendError{Kind: KindUnknown, Op: "chat", Err: errors.New("no choices returned")})
	}

	choice := resp.Choices[0]
	span.SetAttributes(attribute.String("llm.finish_reason", string(choice.FinishReason)))
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", recordSpanError(span, contentFiltered("chat"))
	}
	return choice.Message.Content, nil
}

// ChatStream implements LLMClient.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := o.startSpan(ctx, "OpenAIClient.ChatStream", len(messages))
	defer span.End()

	if err := o.wait(ctx); err != nil {
		return recordSpanError(span, classifyError("chat_stream", err))
	}

	req := o.chatRequest(messages, params)
	req.Stream = true
	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return recordSpanError(span, classifyError("chat_stream", err))
	}
	defer stream.Close()

	tokens := 0
	finish := openai.FinishReasonStop
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			span.SetAttributes(attribute.Int("llm.stream_tokens", tokens))
			return callback(StreamEvent{Type: StreamEventDone, FinishReason: string(finish)})
		}
		if err != nil {
			return recordSpanError(span, classifyError("chat_stream", err))
		}
		// Azure sends a leading chunk with prompt filter results and no choices.
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason == openai.FinishReasonContentFilter {
			return recordSpanError(span, contentFiltered("chat_stream"))
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			tokens++
			if err := callback(StreamEvent{Type: StreamEventToken, Content: choice.Delta.Content}); err != nil {
				span.SetAttributes(attribute.Bool("llm.stream_aborted", true))
				return err
			}
		}
	}
}

// RewriteQuery implements LLMClient.
func (o *OpenAIClient) RewriteQuery(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := o.startSpan(ctx, "OpenAIClient.RewriteQuery", len(messages))
	defer span.End()

	if err := o.wait(ctx); err != nil {
		return "", recordSpanError(span, classifyError("rewrite", err))
	}

	req := o.chatRequest(messages, params)
	req.Tools = []openai.Tool{searchSourcesTool}
	req.ToolChoice = "auto"

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", recordSpanError(span, classifyError("rewrite", err))
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	if resp.Choices[0].FinishReason == openai.FinishReasonContentFilter {
		return "", recordSpanError(span, contentFiltered("rewrite"))
	}

	query := searchQueryFromToolCalls(resp.Choices[0].Message.ToolCalls)
	span.SetAttributes(attribute.Bool("llm.tool_called", query != ""))
	return query, nil
}

// Embed implements Embedder.
func (o *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.embeddingModel))

	if err := o.wait(ctx); err != nil {
		return nil, recordSpanError(span, classifyError("embed", err))
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, recordSpanError(span, classifyError("embed", err))
	}
	if len(resp.Data) == 0 {
		return nil, recordSpanError(span, &BackendError{Kind: KindUnknown, Op: "embed", Err: errors.New("no embedding returned")})
	}
	return resp.Data[0].Embedding, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (o *OpenAIClient) chatRequest(messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.chatModel,
		Messages: toOpenAIMessages(messages),
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	return req
}

func (o *OpenAIClient) wait(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx)
}

func (o *OpenAIClient) startSpan(ctx context.Context, name string, messages int) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("llm.model", o.chatModel),
		attribute.Int("llm.messages", messages),
	)
	return ctx, span
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// searchQueryFromToolCalls returns the search_query argument of the first
// search_sources call, or "".
func searchQueryFromToolCalls(calls []openai.ToolCall) string {
	for _, call := range calls {
		if call.Function.Name != SearchFunctionName {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			slog.Warn("Unparseable search_sources arguments", "error", err)
			continue
		}
		if q, ok := args[searchQueryArg].(string); ok && strings.TrimSpace(q) != "" {
			return strings.TrimSpace(q)
		}
	}
	return ""
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

var _ LLMClient = (*OpenAIClient)(nil)
