// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the LLM backend contract used by the orchestrator and
// its OpenAI-compatible implementation.
package llm

import (
	"context"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// GenerationParams tunes a single completion call. Nil fields use the
// backend default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
}

// =============================================================================
// Streaming Types
// =============================================================================

// StreamEventType identifies the kind of a StreamEvent.
type StreamEventType int

const (
	// StreamEventToken carries one chunk of answer text.
	StreamEventToken StreamEventType = iota
	// StreamEventDone is emitted once after the last token.
	StreamEventDone
)

// StreamEvent is one event of an incremental completion.
type StreamEvent struct {
	Type StreamEventType

	// Content is the token text for StreamEventToken.
	Content string

	// FinishReason is set on StreamEventDone.
	FinishReason string
}

// StreamCallback receives stream events in backend emission order.
// Returning an error aborts the stream and the error is returned from
// ChatStream unchanged.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Client Contract
// =============================================================================

// Embedder computes an embedding vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LLMClient is the LLM backend contract.
//
// # Errors
//
// Backend failures are returned as *BackendError so callers can branch on
// the Kind (content filtering in particular) without inspecting messages.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type LLMClient interface {
	Embedder

	// Chat returns one complete answer for messages.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream delivers the answer for messages incrementally to callback.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error

	// RewriteQuery asks the model for a standalone search query by offering
	// it the search_sources function. It returns "" without error when the
	// model declines to call the function.
	RewriteQuery(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
}
