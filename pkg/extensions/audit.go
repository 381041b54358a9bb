// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent records one completed (or failed) question/answer exchange.
type AuditEvent struct {
	// EventType is a dotted name such as "chat.answer" or "ask.answer".
	EventType string

	// Timestamp of the event in UTC.
	Timestamp time.Time

	// UserID of the caller, empty when unauthenticated.
	UserID string

	// RequestID correlates the event with request logs.
	RequestID string

	// Outcome is "success" or "failed".
	Outcome string

	// Metadata holds event-specific fields (source ids, error kind, ...).
	Metadata map[string]any
}

// AuditLogger receives audit events. Log must not block the request for
// long; implementations should buffer and ship asynchronously.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Flush(ctx context.Context) error
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// Flush implements AuditLogger.
func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

// SlogAuditLogger writes audit events as structured log records.
type SlogAuditLogger struct {
	Logger *slog.Logger
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit",
		"event_type", event.EventType,
		"timestamp", event.Timestamp,
		"user_id", event.UserID,
		"request_id", event.RequestID,
		"outcome", event.Outcome,
		"metadata", event.Metadata,
	)
	return nil
}

// Flush implements AuditLogger.
func (l *SlogAuditLogger) Flush(_ context.Context) error {
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
