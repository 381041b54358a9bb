// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bufio"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/content"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// sniffBytes is how much of a blob is inspected when its type is unknown.
const sniffBytes = 512

// pageMarker separates a citation's document name from its page anchor.
const pageMarker = "#page="

// ContentHandler serves cited source documents.
type ContentHandler struct {
	store   content.Store
	metrics *observability.Metrics
}

// NewContentHandler creates the handler. A nil store makes every lookup a
// 404.
func NewContentHandler(store content.Store, metrics *observability.Metrics) *ContentHandler {
	return &ContentHandler{store: store, metrics: metrics}
}

// HandleContent streams the blob named by the "path" route parameter.
func (h *ContentHandler) HandleContent(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleContent")
	defer span.End()

	name := DocumentName(c.Param("path"))
	span.SetAttributes(attribute.String("content.name", name))

	if name == "" || h.store == nil {
		h.notFound(c, name)
		return
	}

	blob, err := h.store.Open(ctx, name)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			h.notFound(c, name)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		slog.Error("Failed to open content", "requestId", middleware.GetRequestID(c), "name", name, "error", err)
		h.metrics.RecordError(observability.EndpointContent, observability.ErrorCodeInternal)
		h.metrics.RecordRequest(observability.EndpointContent, false)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to open content"})
		return
	}
	defer blob.Body.Close()

	body := bufio.NewReaderSize(blob.Body, sniffBytes)
	head, _ := body.Peek(sniffBytes)
	contentType := content.ResolveContentType(name, blob.ContentType, head)

	slog.Info("Serving content", "name", name, "contentType", contentType, "size", blob.Size)
	h.metrics.RecordRequest(observability.EndpointContent, true)
	c.DataFromReader(http.StatusOK, blob.Size, contentType, body, map[string]string{
		"Content-Disposition": contentDisposition(name),
	})
}

// contentDisposition quotes the file name so it cannot add header parameters.
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("inline", map[string]string{"filename": path.Base(name)}); v != "" {
		return v
	}
	return "inline"
}

func (h *ContentHandler) notFound(c *gin.Context, name string) {
	slog.Warn("Content not found", "requestId", middleware.GetRequestID(c), "name", name)
	h.metrics.RecordRequest(observability.EndpointContent, false)
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
}

// DocumentName strips the route's leading slash and any trailing page
// anchor from a citation path: "/faq.pdf#page=3" becomes "faq.pdf".
func DocumentName(raw string) string {
	name := strings.TrimPrefix(raw, "/")
	if i := strings.LastIndex(name, pageMarker); i > 0 {
		name = name[:i]
	}
	return name
}
