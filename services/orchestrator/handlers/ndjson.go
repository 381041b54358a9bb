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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// NDJSONContentType is the media type of streamed answers.
const NDJSONContentType = "application/x-ndjson"

// errStreamTruncated marks a producer that closed without a terminal event.
var errStreamTruncated = errors.New("answer stream ended without a terminal event")

// =============================================================================
// Writer
// =============================================================================

// NDJSONWriter writes one JSON record per line and flushes after each.
//
// # Description
//
// A record is marshalled completely before any byte is written, so a
// marshal failure never leaves a half-written line on the wire.
//
// # Thread Safety
//
// Safe for concurrent use.
type NDJSONWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	records int
}

// NewNDJSONWriter wraps w, which must support flushing.
func NewNDJSONWriter(w http.ResponseWriter) (*NDJSONWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &NDJSONWriter{writer: w, flusher: flusher}, nil
}

// SetNDJSONHeaders prepares w for a streamed answer.
func SetNDJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", NDJSONContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteRecord marshals v and writes it as one line.
func (w *NDJSONWriter) WriteRecord(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.flusher.Flush()
	w.records++
	return nil
}

// Records returns the number of records written.
func (w *NDJSONWriter) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// =============================================================================
// Streamer
// =============================================================================

// StreamOutcome summarizes a streamed response.
type StreamOutcome struct {
	// Deltas is the number of delta records written.
	Deltas int

	// FirstDelta is the latency to the first delta record, zero if none.
	FirstDelta time.Duration

	// Err is the failure reported in the terminal error record, if any.
	Err error

	// Disconnected is true when the client went away before the end.
	Disconnected bool
}

// Succeeded reports whether the stream ended with its context record.
func (o StreamOutcome) Succeeded() bool {
	return o.Err == nil && !o.Disconnected
}

// StreamEvents writes every event from events to w in arrival order.
//
// # Description
//
// Error events produced by an approach carry only a Cause; the public
// message is derived here. If the producer closes the channel without a
// terminal event while ctx is still live, one error record is written so
// the stream always ends well-formed.
//
// When a write fails (the client is gone) StreamEvents calls cancel so the
// producer stops, then drains the channel until it closes.
func StreamEvents(ctx context.Context, cancel context.CancelFunc, w *NDJSONWriter, events <-chan datatypes.AnswerEvent) StreamOutcome {
	start := time.Now()
	var out StreamOutcome

	for {
		var (
			ev datatypes.AnswerEvent
			ok bool
		)
		select {
		case ev, ok = <-events:
		case <-ctx.Done():
			out.Disconnected = true
			drain(events)
			return out
		}

		if !ok {
			if ctx.Err() != nil {
				out.Disconnected = true
				return out
			}
			out.Err = &datatypes.StreamAbortError{Err: errStreamTruncated}
			_, msg := PublicError(out.Err)
			if err := w.WriteRecord(datatypes.NewErrorEvent(msg)); err != nil {
				out.Disconnected = true
			}
			return out
		}

		if ev.Kind == datatypes.EventError {
			if ev.Cause == nil {
				ev.Cause = errors.New(ev.Error)
			}
			out.Err = ev.Cause
			_, ev.Error = PublicError(ev.Cause)
		}

		if err := w.WriteRecord(ev); err != nil {
			slog.Info("Client stopped reading answer stream", "records", w.Records(), "error", err)
			out.Disconnected = true
			cancel()
			drain(events)
			return out
		}

		if ev.Kind == datatypes.EventDelta {
			if out.Deltas == 0 {
				out.FirstDelta = time.Since(start)
			}
			out.Deltas++
		}
		if ev.IsTerminal() {
			drain(events)
			return out
		}
	}
}

// drain discards events until the producer closes the channel.
func drain(events <-chan datatypes.AnswerEvent) {
	for range events {
	}
}
