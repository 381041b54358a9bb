// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the RAG orchestrator.
//
// /ask and /chat share one request boundary: decode and validate the body,
// attach the caller's server-side claims, run the approach and translate
// any failure into a classified, client-safe error payload. Full error
// detail is only ever logged.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianRAG/pkg/extensions"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/approaches"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.orchestrator.handlers")

// maxRequestBytes bounds the request body.
const maxRequestBytes = 4 << 20

// RAGHandler serves /ask and /chat.
//
// # Thread Safety
//
// Safe for concurrent use.
type RAGHandler struct {
	ask     approaches.Approach
	chat    approaches.StreamingApproach
	audit   extensions.AuditLogger
	metrics *observability.Metrics
}

// NewRAGHandler creates the handler. audit and metrics may be nil.
func NewRAGHandler(ask approaches.Approach, chat approaches.StreamingApproach, audit extensions.AuditLogger, metrics *observability.Metrics) *RAGHandler {
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &RAGHandler{ask: ask, chat: chat, audit: audit, metrics: metrics}
}

// HandleAsk answers a single question. The stream flag is ignored.
func (h *RAGHandler) HandleAsk(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleAsk")
	defer span.End()

	req, ok := h.decode(c, observability.EndpointAsk)
	if !ok {
		span.SetStatus(codes.Error, "invalid request")
		return
	}
	span.SetAttributes(attribute.Int("request.message_count", len(req.Messages)))

	ev, err := h.ask.Run(ctx, approaches.RequestFrom(req, middleware.GetClaims(c)))
	h.respond(c, ctx, observability.EndpointAsk, "ask.answer", ev, err)
}

// HandleChat answers the latest turn of a conversation, streamed as NDJSON
// when the request sets "stream".
func (h *RAGHandler) HandleChat(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	req, ok := h.decode(c, observability.EndpointChat)
	if !ok {
		span.SetStatus(codes.Error, "invalid request")
		return
	}
	span.SetAttributes(
		attribute.Int("request.message_count", len(req.Messages)),
		attribute.Bool("request.stream", req.Stream),
	)

	areq := approaches.RequestFrom(req, middleware.GetClaims(c))
	if !req.Stream {
		ev, err := h.chat.Run(ctx, areq)
		h.respond(c, ctx, observability.EndpointChat, "chat.answer", ev, err)
		return
	}
	h.stream(c, ctx, areq)
}

// stream runs the streaming path of /chat.
func (h *RAGHandler) stream(c *gin.Context, ctx context.Context, req approaches.Request) {
	endpoint := observability.EndpointChatStream
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := h.chat.RunStream(ctx, req)
	if err != nil {
		h.fail(c, ctx, endpoint, "chat.answer", err)
		return
	}

	SetNDJSONHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := NewNDJSONWriter(c.Writer)
	if err != nil {
		cancel()
		drain(events)
		h.fail(c, ctx, endpoint, "chat.answer", err)
		return
	}

	h.metrics.StreamStarted(endpoint)
	outcome := StreamEvents(ctx, cancel, writer, events)
	h.metrics.StreamEnded(endpoint)

	if outcome.Deltas > 0 {
		h.metrics.RecordTimeToFirstToken(endpoint, outcome.FirstDelta.Seconds())
	}
	h.metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), outcome.Succeeded())
	h.metrics.RecordRequest(endpoint, outcome.Succeeded())

	requestID := middleware.GetRequestID(c)
	switch {
	case outcome.Disconnected:
		h.metrics.RecordClientDisconnect(endpoint)
		h.metrics.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
		slog.Info("Client disconnected from answer stream", "requestId", requestID, "deltas", outcome.Deltas)
	case outcome.Err != nil:
		kind := ClassifyError(outcome.Err)
		h.metrics.RecordError(endpoint, kind)
		slog.Error("Answer stream failed", "requestId", requestID, "route", c.FullPath(), "kind", kind, "error", outcome.Err)
	}
	h.auditAnswer(ctx, c, "chat.answer", outcome.Err, map[string]any{
		"stream":       true,
		"deltas":       outcome.Deltas,
		"disconnected": outcome.Disconnected,
	})
}

// =============================================================================
// Request Boundary
// =============================================================================

// decode reads and validates the body. On failure it writes the response
// and returns false.
func (h *RAGHandler) decode(c *gin.Context, endpoint observability.Endpoint) (*datatypes.ChatRequest, bool) {
	if !isJSONContentType(c.GetHeader("Content-Type")) {
		h.reject(c, endpoint, http.StatusUnsupportedMediaType, errorMessageNotJSON)
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(c, endpoint, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		h.reject(c, endpoint, http.StatusBadRequest, "failed to read request")
		return nil, false
	}

	var req datatypes.ChatRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			mre := &datatypes.MalformedRequestError{Reason: "field " + typeErr.Field + " has the wrong type"}
			h.reject(c, endpoint, http.StatusBadRequest, mre.Error())
			return nil, false
		}
		h.reject(c, endpoint, http.StatusUnsupportedMediaType, errorMessageNotJSON)
		return nil, false
	}

	if err := req.Validate(); err != nil {
		slog.Warn("Rejected malformed request", "requestId", middleware.GetRequestID(c), "error", err)
		status, msg := PublicError(err)
		h.reject(c, endpoint, status, msg)
		return nil, false
	}
	return &req, true
}

func (h *RAGHandler) reject(c *gin.Context, endpoint observability.Endpoint, status int, msg string) {
	h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
	h.metrics.RecordRequest(endpoint, false)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// respond writes a non-streamed answer or its classified failure.
func (h *RAGHandler) respond(c *gin.Context, ctx context.Context, endpoint observability.Endpoint, eventType string, ev datatypes.AnswerEvent, err error) {
	if err != nil {
		h.fail(c, ctx, endpoint, eventType, err)
		return
	}
	h.metrics.RecordRequest(endpoint, true)
	dataPoints := 0
	if ev.Context != nil {
		dataPoints = len(ev.Context.DataPoints)
	}
	h.auditAnswer(ctx, c, eventType, nil, map[string]any{"data_points": dataPoints})
	c.JSON(http.StatusOK, ev)
}

// fail logs err in full and writes the client-safe error payload.
func (h *RAGHandler) fail(c *gin.Context, ctx context.Context, endpoint observability.Endpoint, eventType string, err error) {
	kind := ClassifyError(err)
	status, msg := PublicError(err)

	slog.Error("Request failed",
		"requestId", middleware.GetRequestID(c),
		"route", c.FullPath(),
		"kind", kind,
		"error", err,
	)
	h.metrics.RecordError(endpoint, kind)
	h.metrics.RecordRequest(endpoint, false)
	h.auditAnswer(ctx, c, eventType, err, nil)

	c.AbortWithStatusJSON(status, datatypes.NewErrorEvent(msg))
}

func (h *RAGHandler) auditAnswer(ctx context.Context, c *gin.Context, eventType string, err error, metadata map[string]any) {
	outcome := "success"
	if err != nil {
		outcome = "failed"
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["error_kind"] = string(ClassifyError(err))
	}
	event := extensions.AuditEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		UserID:    middleware.GetUserID(c),
		RequestID: middleware.GetRequestID(c),
		Outcome:   outcome,
		Metadata:  metadata,
	}
	if auditErr := h.audit.Log(context.WithoutCancel(ctx), event); auditErr != nil {
		slog.Warn("Failed to record audit event", "event_type", eventType, "error", auditErr)
	}
}

func isJSONContentType(header string) bool {
	if header == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}
