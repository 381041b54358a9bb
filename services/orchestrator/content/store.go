// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package content serves cited source documents from blob storage.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"github.com/gabriel-vasile/mimetype"
	"google.golang.org/api/option"
)

// ErrNotFound is returned by Store.Open for missing blobs.
var ErrNotFound = errors.New("blob not found")

// octetStream is the content type storage reports for untyped uploads.
const octetStream = "application/octet-stream"

// Blob is an open blob. The caller must close Body.
type Blob struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Store opens blobs by name.
type Store interface {
	Open(ctx context.Context, name string) (*Blob, error)
}

// =============================================================================
// Google Cloud Storage
// =============================================================================

// GCSStore reads blobs from one GCS bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a store for bucket. credentialsFile is optional;
// application default credentials are used when it is empty.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Open implements Store.
func (s *GCSStore) Open(ctx context.Context, name string) (*Blob, error) {
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, s.bucket, name)
		}
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, name, err)
	}
	return &Blob{Body: r, ContentType: r.Attrs.ContentType, Size: r.Attrs.Size}, nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// =============================================================================
// Content Type Resolution
// =============================================================================

// ResolveContentType returns the declared type unless it is missing or
// generic, then falls back to the file extension and finally to sniffing
// head (the first bytes of the blob).
func ResolveContentType(name, declared string, head []byte) string {
	if declared != "" && declared != octetStream {
		return declared
	}
	if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
		return byExt
	}
	if len(head) == 0 {
		return octetStream
	}
	if sniffed := http.DetectContentType(head); sniffed != octetStream {
		return sniffed
	}
	return mimetype.Detect(head).String()
}

var _ Store = (*GCSStore)(nil)
