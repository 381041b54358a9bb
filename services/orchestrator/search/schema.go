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
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate/entities/models"
)

// PassageClass returns the class definition the backend queries. Vectors
// are supplied by the ingestion pipeline, so the class has no vectorizer.
// IndexNullState backs the "access_tags IS NULL" branch of access filters.
func PassageClass(cfg WeaviateConfig) *models.Class {
	if cfg.Fields == (Fields{}) {
		cfg.Fields = DefaultFields()
	}
	filterable := true

	return &models.Class{
		Class:       cfg.ClassName,
		Description: "A retrievable passage of a source document.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState: true,
		},
		Properties: []*models.Property{
			{
				Name:         cfg.Fields.Content,
				DataType:     []string{"text"},
				Description:  "Passage text.",
				Tokenization: "word",
			},
			{
				Name:            cfg.Fields.Source,
				DataType:        []string{"text"},
				Description:     "Citation id, e.g. faq.pdf#p3.",
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
			{
				Name:            cfg.Fields.Category,
				DataType:        []string{"text"},
				Description:     "Document category.",
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
			{
				Name:            cfg.Fields.AccessTags,
				DataType:        []string{"text[]"},
				Description:     "Groups allowed to read the passage. Empty means public.",
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsurePassageClass creates the passage class when it does not exist. An
// existing class is left unchanged; if it does not index null state a
// warning is logged because access filters will then exclude public
// passages.
func EnsurePassageClass(ctx context.Context, client *weaviate.Client, cfg WeaviateConfig) error {
	class := PassageClass(cfg)

	existing, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		if existing.InvertedIndexConfig == nil || !existing.InvertedIndexConfig.IndexNullState {
			slog.Warn("Passage class does not index null state; public passages will not match access filters",
				"class", class.Class)
		}
		slog.Info("Schema already exists", "class", class.Class)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to check schema for class %s: %w", class.Class, err)
	}

	slog.Info("Schema not found, creating it", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
	}
	slog.Info("Successfully created schema", "class", class.Class)
	return nil
}

func isNotFound(err error) bool {
	var clientErr *fault.WeaviateClientError
	return errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound
}
