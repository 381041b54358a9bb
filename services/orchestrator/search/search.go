// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search issues ranked passage queries against the search index on
// behalf of an approach.
//
// An Adapter owns the per-request sequence: embed the query text when the
// mode needs a vector, run exactly one backend query with the caller's
// access scope pushed down as a filter, order the results by descending
// relevance and re-check every passage against the scope before returning.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/authgate"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.orchestrator.search")

// Mode selects how the index is queried.
type Mode string

const (
	ModeKeyword Mode = "keyword"
	ModeVector  Mode = "vector"
	ModeHybrid  Mode = "hybrid"
)

// NeedsVector reports whether the mode queries by embedding.
func (m Mode) NeedsVector() bool {
	return m == ModeVector || m == ModeHybrid
}

// ModeFromRetrievalMode maps the client-facing retrieval_mode override
// ("text", "vectors", "hybrid") to a Mode. An empty value yields def.
func ModeFromRetrievalMode(value string, def Mode) (Mode, error) {
	switch value {
	case "":
		return def, nil
	case datatypes.RetrievalModeText:
		return ModeKeyword, nil
	case datatypes.RetrievalModeVectors:
		return ModeVector, nil
	case datatypes.RetrievalModeHybrid:
		return ModeHybrid, nil
	default:
		return "", fmt.Errorf("unknown retrieval mode %q", value)
	}
}

// =============================================================================
// Backend Contract
// =============================================================================

// Filter is the filter expression pushed down to the backend.
type Filter struct {
	// Restrict limits results to public passages and passages tagged with
	// one of AllowedGroups.
	Restrict      bool
	AllowedGroups []string

	// ExcludeCategory drops passages of this category when non-empty.
	ExcludeCategory string
}

// BackendQuery is one query as seen by a Backend. Text is always set;
// Vector is set for vector and hybrid modes.
type BackendQuery struct {
	Mode   Mode
	Text   string
	Vector []float32
	TopK   int
	Filter Filter
}

// Backend is the search index collaborator.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Backend interface {
	Search(ctx context.Context, q BackendQuery) ([]datatypes.RetrievedPassage, error)
}

// =============================================================================
// Errors
// =============================================================================

// RetrievalError is returned when the search backend fails (index missing,
// throttled, unreachable). It is never retried by the adapter.
type RetrievalError struct {
	Mode Mode
	Err  error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed (%s): %v", e.Mode, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// IsRetrievalError reports whether err is (or wraps) a RetrievalError.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}

// =============================================================================
// Adapter
// =============================================================================

// Query is one retrieval request from an approach.
type Query struct {
	Text            string
	Mode            Mode
	TopK            int
	Scope           authgate.SecurityScope
	ExcludeCategory string
}

// Adapter runs retrieval queries.
type Adapter struct {
	backend  Backend
	embedder llm.Embedder
	gate     *authgate.Gate
	metrics  *observability.Metrics
}

// NewAdapter creates an Adapter. embedder may be nil when only keyword
// queries are issued.
func NewAdapter(backend Backend, embedder llm.Embedder, gate *authgate.Gate, metrics *observability.Metrics) *Adapter {
	if gate == nil {
		gate = authgate.New(nil, authgate.Config{}, metrics)
	}
	return &Adapter{backend: backend, embedder: embedder, gate: gate, metrics: metrics}
}

// Query returns at most q.TopK passages ordered by descending relevance
// score. Ties keep the backend's order. The result is never nil on success.
//
// Backend failures are returned as *RetrievalError. Embedding failures are
// returned wrapped so the LLM error classification survives.
func (a *Adapter) Query(ctx context.Context, q Query) ([]datatypes.RetrievedPassage, error) {
	ctx, span := tracer.Start(ctx, "search.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("search.mode", string(q.Mode)),
		attribute.Int("search.top_k", q.TopK),
		attribute.Bool("search.restricted", q.Scope.Enforce),
	)

	if q.TopK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", q.TopK)
	}

	bq := BackendQuery{
		Mode: q.Mode,
		Text: q.Text,
		TopK: q.TopK,
		Filter: Filter{
			Restrict:        q.Scope.Enforce,
			AllowedGroups:   q.Scope.AllowedGroups,
			ExcludeCategory: q.ExcludeCategory,
		},
	}

	if q.Mode.NeedsVector() {
		if a.embedder == nil {
			return nil, fmt.Errorf("%s mode requires an embedder", q.Mode)
		}
		vec, err := a.embedder.Embed(ctx, q.Text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "embedding failed")
			return nil, fmt.Errorf("embed query: %w", err)
		}
		bq.Vector = vec
	}

	start := time.Now()
	passages, err := a.backend.Search(ctx, bq)
	a.metrics.RecordRetrieval(string(q.Mode), time.Since(start).Seconds(), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search backend failed")
		slog.Error("Search backend query failed", "mode", q.Mode, "error", err)
		return nil, &RetrievalError{Mode: q.Mode, Err: err}
	}

	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].RelevanceScore > passages[j].RelevanceScore
	})
	kept := a.gate.Filter(passages, q.Scope)
	if len(kept) > q.TopK {
		kept = kept[:q.TopK]
	}

	span.SetAttributes(
		attribute.Int("search.returned", len(passages)),
		attribute.Int("search.kept", len(kept)),
	)
	return kept, nil
}
