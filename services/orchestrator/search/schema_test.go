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
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

// fakeSchema serves the schema endpoints of a Weaviate instance holding
// at most one class.
type fakeSchema struct {
	mu        sync.Mutex
	existing  string
	getStatus int
	created   *models.Class
}

func (f *fakeSchema) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/meta":
			_, _ = io.WriteString(w, `{"version":"1.25.0"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/schema/Passage":
			if f.getStatus != 0 {
				w.WriteHeader(f.getStatus)
				_, _ = io.WriteString(w, `{"error":[{"message":"unavailable"}]}`)
				return
			}
			if f.existing == "" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = io.WriteString(w, f.existing)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/schema":
			var class models.Class
			require.NoError(t, json.NewDecoder(r.Body).Decode(&class))
			f.created = &class
			_ = json.NewEncoder(w).Encode(class)
		default:
			http.NotFound(w, r)
		}
	}
}

func newSchemaTest(t *testing.T, fake *fakeSchema) func() error {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	client, err := NewWeaviateClient(srv.URL, "")
	require.NoError(t, err)
	return func() error {
		return EnsurePassageClass(context.Background(), client, WeaviateConfig{ClassName: "Passage"})
	}
}

func TestEnsurePassageClass_CreatesMissingClass(t *testing.T) {
	fake := &fakeSchema{}
	ensure := newSchemaTest(t, fake)

	require.NoError(t, ensure())

	require.NotNil(t, fake.created)
	assert.Equal(t, "Passage", fake.created.Class)
	require.NotNil(t, fake.created.InvertedIndexConfig)
	assert.True(t, fake.created.InvertedIndexConfig.IndexNullState)

	names := map[string][]string{}
	for _, p := range fake.created.Properties {
		names[p.Name] = p.DataType
	}
	assert.Equal(t, []string{"text[]"}, names["access_tags"])
	assert.Contains(t, names, "sourcepage")
	assert.Contains(t, names, "content")
	assert.Contains(t, names, "category")
}

func TestEnsurePassageClass_LeavesExistingClass(t *testing.T) {
	fake := &fakeSchema{existing: `{"class":"Passage","invertedIndexConfig":{"indexNullState":true}}`}
	ensure := newSchemaTest(t, fake)

	require.NoError(t, ensure())
	assert.Nil(t, fake.created)
}

func TestEnsurePassageClass_CheckFailure(t *testing.T) {
	fake := &fakeSchema{getStatus: http.StatusInternalServerError}
	ensure := newSchemaTest(t, fake)

	err := ensure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to check schema")
	assert.Nil(t, fake.created)
}

func TestPassageClass_CustomFields(t *testing.T) {
	class := PassageClass(WeaviateConfig{
		ClassName: "Chunk",
		Fields:    Fields{Content: "text", Source: "src", Category: "cat", AccessTags: "acl"},
	})

	assert.Equal(t, "Chunk", class.Class)
	require.Len(t, class.Properties, 4)
	assert.Equal(t, "acl", class.Properties[3].Name)
}
