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
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// CachingEmbedder memoizes embeddings of identical query texts.
//
// Repeated questions (and retries after a failed generation) reuse the
// vector instead of paying another backend call. Errors are never cached.
// Without a cache, or after Close, every call goes to the wrapped embedder.
type CachingEmbedder struct {
	next  Embedder
	cache *ristretto.Cache[string, []float32]
}

// NewCachingEmbedder wraps next with a cache holding up to maxEntries
// vectors. maxEntries <= 0 disables caching.
func NewCachingEmbedder(next Embedder, maxEntries int64) (*CachingEmbedder, error) {
	if maxEntries <= 0 {
		return &CachingEmbedder{next: next}, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachingEmbedder{next: next, cache: cache}, nil
}

// Embed implements Embedder.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.cache == nil {
		return c.next.Embed(ctx, text)
	}
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, 1)
	return vec, nil
}

// Close stops the cache's background goroutines. It is safe to call more
// than once.
func (c *CachingEmbedder) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
