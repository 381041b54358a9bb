// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

// Fields names the passage class properties.
type Fields struct {
	Content    string
	Source     string
	Category   string
	AccessTags string
}

// DefaultFields matches the property names of the standard passage class.
func DefaultFields() Fields {
	return Fields{
		Content:    "content",
		Source:     "sourcepage",
		Category:   "category",
		AccessTags: "access_tags",
	}
}

// WeaviateConfig configures a WeaviateBackend.
type WeaviateConfig struct {
	ClassName   string
	Fields      Fields
	HybridAlpha float32
}

// WeaviateBackend runs passage queries through the Weaviate GraphQL API.
//
// # Description
//
// Keyword queries use bm25, vector queries use nearVector and hybrid
// queries use hybrid with the precomputed query vector. Access filters are
// expressed as a where clause:
//
//	access_tags IS NULL OR access_tags CONTAINS ANY <allowed>
//
// which requires the class to index null state.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateBackend struct {
	client *weaviate.Client
	cfg    WeaviateConfig
}

// NewWeaviateBackend wraps an existing client.
func NewWeaviateBackend(client *weaviate.Client, cfg WeaviateConfig) (*WeaviateBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client is required")
	}
	if cfg.ClassName == "" {
		return nil, fmt.Errorf("class name is required")
	}
	if cfg.Fields == (Fields{}) {
		cfg.Fields = DefaultFields()
	}
	return &WeaviateBackend{client: client, cfg: cfg}, nil
}

// NewWeaviateClient creates a client for rawURL ("http://host:port").
func NewWeaviateClient(rawURL, apiKey string) (*weaviate.Client, error) {
	parsed, err := url.Parse(strings.Trim(rawURL, "\"' "))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %q", rawURL)
	}
	conf := weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	}
	if apiKey != "" {
		conf.Headers = map[string]string{"Authorization": "Bearer " + apiKey}
	}
	client, err := weaviate.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

// Search implements Backend.
func (b *WeaviateBackend) Search(ctx context.Context, q BackendQuery) ([]datatypes.RetrievedPassage, error) {
	get := b.client.GraphQL().Get().
		WithClassName(b.cfg.ClassName).
		WithFields(b.fields(q.Mode)...).
		WithLimit(q.TopK)

	switch q.Mode {
	case ModeKeyword:
		get = get.WithBM25(b.client.GraphQL().Bm25ArgBuilder().
			WithQuery(q.Text).
			WithProperties(b.cfg.Fields.Content))
	case ModeVector:
		get = get.WithNearVector(b.client.GraphQL().NearVectorArgBuilder().
			WithVector(q.Vector))
	case ModeHybrid:
		get = get.WithHybrid(b.client.GraphQL().HybridArgumentBuilder().
			WithQuery(q.Text).
			WithVector(q.Vector).
			WithAlpha(b.cfg.HybridAlpha))
	default:
		return nil, fmt.Errorf("unsupported search mode %q", q.Mode)
	}

	if where := b.where(q.Filter); where != nil {
		get = get.WithWhere(where)
	}

	resp, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[rawGetResponse](resp)
	if err != nil {
		return nil, err
	}

	objects := parsed.Get[b.cfg.ClassName]
	passages := make([]datatypes.RetrievedPassage, 0, len(objects))
	for i, obj := range objects {
		p, err := b.decode(obj, q.Mode)
		if err != nil {
			return nil, fmt.Errorf("decode result %d: %w", i, err)
		}
		passages = append(passages, p)
	}
	return passages, nil
}

// fields lists the properties to fetch. bm25 and hybrid report a score,
// nearVector a distance.
func (b *WeaviateBackend) fields(mode Mode) []graphql.Field {
	additional := []graphql.Field{{Name: "id"}}
	if mode == ModeVector {
		additional = append(additional, graphql.Field{Name: "distance"})
	} else {
		additional = append(additional, graphql.Field{Name: "score"})
	}
	return []graphql.Field{
		{Name: b.cfg.Fields.Content},
		{Name: b.cfg.Fields.Source},
		{Name: b.cfg.Fields.Category},
		{Name: b.cfg.Fields.AccessTags},
		{Name: "_additional", Fields: additional},
	}
}

func (b *WeaviateBackend) where(f Filter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder

	if f.Restrict {
		public := filters.Where().
			WithPath([]string{b.cfg.Fields.AccessTags}).
			WithOperator(filters.IsNull).
			WithValueBoolean(true)
		if len(f.AllowedGroups) == 0 {
			operands = append(operands, public)
		} else {
			operands = append(operands, filters.Where().
				WithOperator(filters.Or).
				WithOperands([]*filters.WhereBuilder{
					public,
					filters.Where().
						WithPath([]string{b.cfg.Fields.AccessTags}).
						WithOperator(filters.ContainsAny).
						WithValueText(f.AllowedGroups...),
				}))
		}
	}

	if f.ExcludeCategory != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{b.cfg.Fields.Category}).
			WithOperator(filters.NotEqual).
			WithValueText(f.ExcludeCategory))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

// =============================================================================
// Response Decoding
// =============================================================================

// rawGetResponse keeps objects undecoded because property names are
// configurable.
type rawGetResponse struct {
	Get map[string][]map[string]json.RawMessage `json:"Get"`
}

type additionalResult struct {
	ID       string               `json:"id"`
	Score    datatypes.FlexFloat  `json:"score"`
	Distance *datatypes.FlexFloat `json:"distance"`
}

func (b *WeaviateBackend) decode(obj map[string]json.RawMessage, mode Mode) (datatypes.RetrievedPassage, error) {
	var p datatypes.RetrievedPassage
	if err := decodeOptional(obj, b.cfg.Fields.Content, &p.Content); err != nil {
		return p, err
	}
	if err := decodeOptional(obj, b.cfg.Fields.Source, &p.SourceID); err != nil {
		return p, err
	}
	if err := decodeOptional(obj, b.cfg.Fields.Category, &p.Category); err != nil {
		return p, err
	}
	if err := decodeOptional(obj, b.cfg.Fields.AccessTags, &p.AccessTags); err != nil {
		return p, err
	}

	var add additionalResult
	if err := decodeOptional(obj, "_additional", &add); err != nil {
		return p, err
	}
	if mode == ModeVector && add.Distance != nil {
		p.RelevanceScore = 1 - float64(*add.Distance)
	} else {
		p.RelevanceScore = float64(add.Score)
	}
	if p.SourceID == "" {
		p.SourceID = add.ID
	}
	return p, nil
}

// decodeOptional decodes obj[key] into dst, leaving dst untouched when the
// key is absent or null.
func decodeOptional(obj map[string]json.RawMessage, key string, dst any) error {
	raw, ok := obj[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

var _ Backend = (*WeaviateBackend)(nil)
