// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approaches implements the strategies that turn a conversation into
// a grounded answer.
//
// # Description
//
// Two strategies exist and the endpoint decides which one runs:
//
//   - RetrieveThenRead (/ask): search once with the final user message, then
//     one completion call. Never streams.
//   - ChatReadRetrieveRead (/chat): ask the model for a standalone search
//     query, search with it, then answer with the conversation history and
//     the retrieved passages, either in one piece or as a token stream.
//
// Within one request retrieval always completes before generation starts.
package approaches

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/authgate"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/search"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.orchestrator.approaches")

// Kind identifies an approach.
type Kind int

const (
	KindRetrieveThenRead Kind = iota
	KindChatReadRetrieveRead
)

func (k Kind) String() string {
	switch k {
	case KindRetrieveThenRead:
		return "retrieve_then_read"
	case KindChatReadRetrieveRead:
		return "chat_read_retrieve_read"
	default:
		return "unknown"
	}
}

// Request is the input of one approach run.
//
// Context.AuthClaims must already be resolved server-side. SessionState is
// echoed back in the terminal event without being inspected.
type Request struct {
	Messages     datatypes.Conversation
	Context      datatypes.RequestContext
	SessionState json.RawMessage
}

// RequestFrom builds a Request from a validated ChatRequest and the
// caller's resolved claims.
func RequestFrom(req *datatypes.ChatRequest, claims map[string]any) Request {
	if claims == nil {
		claims = map[string]any{}
	}
	return Request{
		Messages: req.Messages,
		Context: datatypes.RequestContext{
			AuthClaims: claims,
			Overrides:  req.Context.Overrides,
		},
		SessionState: req.SessionState,
	}
}

// Approach produces one complete answer for a request.
type Approach interface {
	Kind() Kind
	Run(ctx context.Context, req Request) (datatypes.AnswerEvent, error)
}

// StreamingApproach can also produce the answer incrementally.
//
// RunStream returns an error when the request fails before generation
// starts. Otherwise the returned channel yields zero or more delta events
// followed by exactly one context or error event, and is then closed.
// Cancelling ctx stops the producer and closes the channel without a
// terminal event.
type StreamingApproach interface {
	Approach
	RunStream(ctx context.Context, req Request) (<-chan datatypes.AnswerEvent, error)
}

// Retriever is the search capability used by the approaches.
type Retriever interface {
	Query(ctx context.Context, q search.Query) ([]datatypes.RetrievedPassage, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the defaults shared by both approaches.
type Config struct {
	// DefaultMode is used when the request has no retrieval_mode override.
	DefaultMode search.Mode

	// DefaultTop is the passage count used when the request has no top override.
	DefaultTop int

	// Temperature of the answer completion unless overridden per request.
	Temperature float32

	// RewriteTemperature of the query rewrite completion.
	RewriteTemperature float32

	// ResponseTokens caps the answer length.
	ResponseTokens int

	// HistoryTokenBudget caps the tokens spent on prompt messages.
	HistoryTokenBudget int
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		DefaultMode:        search.ModeHybrid,
		DefaultTop:         3,
		Temperature:        0.7,
		RewriteTemperature: 0,
		ResponseTokens:     1024,
		HistoryTokenBudget: 3000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultMode == "" {
		c.DefaultMode = def.DefaultMode
	}
	if c.DefaultTop <= 0 {
		c.DefaultTop = def.DefaultTop
	}
	if c.ResponseTokens <= 0 {
		c.ResponseTokens = def.ResponseTokens
	}
	if c.HistoryTokenBudget <= 0 {
		c.HistoryTokenBudget = def.HistoryTokenBudget
	}
	return c
}

// Deps are the collaborators of an approach.
type Deps struct {
	LLM       llm.LLMClient
	Retriever Retriever
	Gate      *authgate.Gate
	Tokens    llm.TokenCounter
}

func (d Deps) validate() error {
	if d.LLM == nil {
		return fmt.Errorf("llm client is required")
	}
	if d.Retriever == nil {
		return fmt.Errorf("retriever is required")
	}
	return nil
}

func (d Deps) withDefaults() Deps {
	if d.Gate == nil {
		d.Gate = authgate.New(nil, authgate.Config{}, nil)
	}
	if d.Tokens == nil {
		d.Tokens = llm.ApproxCounter{}
	}
	return d
}

// =============================================================================
// Shared Steps
// =============================================================================

// retrieve runs the single search of a request.
func retrieve(ctx context.Context, deps Deps, cfg Config, req Request, query string) ([]datatypes.RetrievedPassage, error) {
	ctx, span := tracer.Start(ctx, "approach.retrieve")
	defer span.End()

	overrides := req.Context.Overrides
	mode, err := search.ModeFromRetrievalMode(overrides.RetrievalMode, cfg.DefaultMode)
	if err != nil {
		return nil, &datatypes.MalformedRequestError{Reason: err.Error()}
	}
	scope := deps.Gate.Scope(req.Context.AuthClaims, overrides)

	span.SetAttributes(
		attribute.String("retrieve.mode", string(mode)),
		attribute.Int("retrieve.top", overrides.TopOr(cfg.DefaultTop)),
	)

	passages, err := deps.Retriever.Query(ctx, search.Query{
		Text:            query,
		Mode:            mode,
		TopK:            overrides.TopOr(cfg.DefaultTop),
		Scope:           scope,
		ExcludeCategory: overrides.ExcludeCategory,
	})
	if err != nil {
		recordSpanError(span, err, "retrieval failed")
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	if passages == nil {
		passages = []datatypes.RetrievedPassage{}
	}
	span.SetAttributes(attribute.Int("retrieve.passages", len(passages)))
	return passages, nil
}

func generationParams(cfg Config, overrides datatypes.Overrides) llm.GenerationParams {
	temperature := overrides.TemperatureOr(cfg.Temperature)
	maxTokens := cfg.ResponseTokens
	return llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens}
}

func recordSpanError(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// lastUserMessage returns the question of the turn or a MalformedRequestError.
func lastUserMessage(messages datatypes.Conversation) (string, error) {
	q, ok := messages.LastUserMessage()
	if !ok {
		return "", &datatypes.MalformedRequestError{Reason: "last message must have role \"user\""}
	}
	return q, nil
}
