// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Metrics cover the request boundary (requests, errors, stream durations,
// active streams, client disconnects) and the shared backends (credential
// refreshes, retrieval latency, access-control drops). They are exposed on
// /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics so components can run
// without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for RAG orchestration metrics
const ragSubsystem = "rag"

// Metrics holds all Prometheus metrics of the orchestrator.
type Metrics struct {
	// RequestsTotal counts requests by endpoint and status (success, error).
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal counts request failures by endpoint and error_code.
	ErrorsTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first streamed delta.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration by endpoint and status.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks streams currently being written.
	ActiveStreams *prometheus.GaugeVec

	// ClientDisconnectsTotal counts clients that went away mid-stream.
	ClientDisconnectsTotal *prometheus.CounterVec

	// CredentialRefreshesTotal counts LLM credential refreshes by outcome
	// (success, failure, discarded).
	CredentialRefreshesTotal *prometheus.CounterVec

	// RetrievalDurationSeconds measures search latency by mode and status.
	RetrievalDurationSeconds *prometheus.HistogramVec

	// PassagesDroppedTotal counts passages removed by access control.
	PassagesDroppedTotal prometheus.Counter
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors. The service serves it at /metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics creates metrics registered on reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "requests_total",
				Help:      "Total number of requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "errors_total",
				Help:      "Total request errors by endpoint and classified error code",
			},
			[]string{"endpoint", "error_code"},
		),
		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "active_streams",
				Help:      "Number of streams currently being written",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
		CredentialRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "credential_refreshes_total",
				Help:      "LLM backend credential refreshes by outcome",
			},
			[]string{"outcome"},
		),
		RetrievalDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "retrieval_duration_seconds",
				Help:      "Search index query latency in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"mode", "status"},
		),
		PassagesDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ragSubsystem,
				Name:      "passages_dropped_total",
				Help:      "Retrieved passages removed by document access control",
			},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeContentFiltered  ErrorCode = "content_filtered"
	ErrorCodeRetrieval        ErrorCode = "retrieval"
	ErrorCodeCredential       ErrorCode = "credential"
	ErrorCodeLLMError         ErrorCode = "llm_error"
	ErrorCodeStreamAbort      ErrorCode = "stream_abort"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels the route a metric was recorded for.
type Endpoint string

const (
	EndpointAsk        Endpoint = "ask"
	EndpointChat       Endpoint = "chat"
	EndpointChatStream Endpoint = "chat_stream"
	EndpointContent    Endpoint = "content"
)

// Refresh outcomes for RecordCredentialRefresh.
const (
	RefreshSuccess   = "success"
	RefreshFailure   = "failure"
	RefreshDiscarded = "discarded"
)

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a classified request failure.
func (m *Metrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the latency to the first delta.
func (m *Metrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *Metrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordCredentialRefresh counts one refresh attempt by outcome.
func (m *Metrics) RecordCredentialRefresh(outcome string) {
	if m == nil {
		return
	}
	m.CredentialRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordRetrieval records one search query.
func (m *Metrics) RecordRetrieval(mode string, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.RetrievalDurationSeconds.WithLabelValues(mode, statusLabel(success)).Observe(seconds)
}

// RecordPassagesDropped counts passages removed by access control.
func (m *Metrics) RecordPassagesDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PassagesDroppedTotal.Add(float64(n))
}
