// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointAsk, true)
	m.RecordRequest(EndpointAsk, true)
	m.RecordRequest(EndpointChat, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ask", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "error")))
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError(EndpointChatStream, ErrorCodeContentFiltered)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_stream", "content_filtered")))
}

func TestActiveStreams(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointChatStream)
	m.StreamStarted(EndpointChatStream)
	m.StreamEnded(EndpointChatStream)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream")))
}

func TestRecordStreamDurationAndFirstToken(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStreamDuration(EndpointChatStream, 2.5, true)
	m.RecordTimeToFirstToken(EndpointChatStream, 0.3)

	assert.Equal(t, 1, testutil.CollectAndCount(m.StreamDurationSeconds))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TimeToFirstTokenSeconds))
}

func TestBackendMetrics(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCredentialRefresh(RefreshSuccess)
	m.RecordCredentialRefresh(RefreshFailure)
	m.RecordCredentialRefresh(RefreshFailure)
	m.RecordRetrieval("hybrid", 0.05, true)
	m.RecordPassagesDropped(3)
	m.RecordPassagesDropped(0)
	m.RecordClientDisconnect(EndpointChatStream)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CredentialRefreshesTotal.WithLabelValues("failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RetrievalDurationSeconds))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PassagesDroppedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat_stream")))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordRequest(EndpointAsk, true)
		m.RecordError(EndpointAsk, ErrorCodeInternal)
		m.StreamStarted(EndpointChatStream)
		m.StreamEnded(EndpointChatStream)
		m.RecordTimeToFirstToken(EndpointChatStream, 1)
		m.RecordStreamDuration(EndpointChatStream, 1, false)
		m.RecordClientDisconnect(EndpointChatStream)
		m.RecordCredentialRefresh(RefreshSuccess)
		m.RecordRetrieval("text", 1, false)
		m.RecordPassagesDropped(1)
	})
}

func TestNewRegistry_ServesServiceMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewMetrics(reg)
	m.RecordRequest(EndpointAsk, true)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["aleutian_rag_requests_total"])
}
