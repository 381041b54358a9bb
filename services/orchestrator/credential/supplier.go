// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.orchestrator.credential")

const (
	// DefaultRefreshMargin is how long before expiry a refresh is triggered.
	DefaultRefreshMargin = 60 * time.Second

	// DefaultRefreshTimeout bounds a single identity provider call.
	DefaultRefreshTimeout = 20 * time.Second

	// DefaultRetryBackoff is the pause after a failed refresh during which
	// callers holding a valid credential do not start another refresh.
	DefaultRetryBackoff = 5 * time.Second
)

// SupplierConfig configures a Supplier.
type SupplierConfig struct {
	Provider IdentityProvider
	Scope    string

	// RefreshMargin defaults to DefaultRefreshMargin.
	RefreshMargin time.Duration

	// RefreshTimeout defaults to DefaultRefreshTimeout.
	RefreshTimeout time.Duration

	// RetryBackoff defaults to DefaultRetryBackoff.
	RetryBackoff time.Duration

	// Metrics may be nil.
	Metrics *observability.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// refreshCall is the record of one in-flight refresh. done is closed after
// cred and err are set.
type refreshCall struct {
	done chan struct{}
	cred Credential
	err  error
}

// Supplier maintains the process-wide LLM backend credential.
//
// # Thread Safety
//
// Safe for concurrent use. Readers never block while a valid credential is
// held.
type Supplier struct {
	provider IdentityProvider
	scope    string
	margin   time.Duration
	timeout  time.Duration
	backoff  time.Duration
	metrics  *observability.Metrics
	now      func() time.Time

	current atomic.Pointer[Credential]

	mu       sync.Mutex
	inflight *refreshCall
	failedAt time.Time
}

// NewSupplier creates a Supplier. No credential is fetched until the first
// Token or RefreshIfNeeded call.
func NewSupplier(cfg SupplierConfig) (*Supplier, error) {
	if cfg.Provider == nil {
		return nil, errors.New("identity provider is required")
	}
	s := &Supplier{
		provider: cfg.Provider,
		scope:    cfg.Scope,
		margin:   cfg.RefreshMargin,
		timeout:  cfg.RefreshTimeout,
		backoff:  cfg.RetryBackoff,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if s.margin <= 0 {
		s.margin = DefaultRefreshMargin
	}
	if s.timeout <= 0 {
		s.timeout = DefaultRefreshTimeout
	}
	if s.backoff <= 0 {
		s.backoff = DefaultRetryBackoff
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Token returns the current credential, refreshing it first when it is
// within the refresh margin of expiry.
//
// # Outputs
//
//   - Credential: A copy valid at the time of return.
//   - error: *RefreshError when this call led a failed refresh, or when no
//     valid credential exists and the refresh failed. ctx.Err() when ctx
//     ends while waiting for another caller's refresh.
func (s *Supplier) Token(ctx context.Context) (Credential, error) {
	if cur := s.current.Load(); cur.FreshAt(s.now(), s.margin) {
		return *cur, nil
	}
	return s.refresh(ctx)
}

// BearerToken returns the token string of the current credential.
func (s *Supplier) BearerToken(ctx context.Context) (string, error) {
	cred, err := s.Token(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// RefreshIfNeeded refreshes the credential when it is missing, expired or
// within the refresh margin. It returns nil when nothing had to be done.
func (s *Supplier) RefreshIfNeeded(ctx context.Context) error {
	_, err := s.Token(ctx)
	return err
}

// Current returns the held credential without refreshing.
func (s *Supplier) Current() (Credential, bool) {
	cur := s.current.Load()
	if cur == nil {
		return Credential{}, false
	}
	return *cur, true
}

// Run refreshes proactively every interval until ctx ends. Failures are
// logged; the held credential stays in use until it expires.
func (s *Supplier) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.margin / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RefreshIfNeeded(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Background credential refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Supplier) refresh(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	now := s.now()
	prior := s.current.Load()
	if prior.FreshAt(now, s.margin) {
		s.mu.Unlock()
		return *prior, nil
	}
	if s.inflight == nil && prior.ValidAt(now) && !s.failedAt.IsZero() && now.Sub(s.failedAt) < s.backoff {
		s.mu.Unlock()
		return *prior, nil
	}

	if call := s.inflight; call != nil {
		s.mu.Unlock()
		if prior.ValidAt(s.now()) {
			return *prior, nil
		}
		select {
		case <-call.done:
			return call.cred, call.err
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	call.cred, call.err = s.lead(ctx)

	s.mu.Lock()
	s.inflight = nil
	if call.err != nil {
		s.failedAt = s.now()
	} else {
		s.failedAt = time.Time{}
	}
	s.mu.Unlock()
	close(call.done)

	return call.cred, call.err
}

// lead performs the provider call for the current refresh. It runs detached
// from the leader's cancellation so waiters are not failed by a leader that
// disconnects.
func (s *Supplier) lead(ctx context.Context) (Credential, error) {
	ctx, span := tracer.Start(ctx, "Supplier.refresh")
	defer span.End()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	issued, err := s.provider.GetToken(rctx, s.scope)
	if err == nil && !issued.ValidAt(s.now()) {
		err = errors.New("identity provider returned an expired or empty credential")
	}
	if err != nil {
		s.metrics.RecordCredentialRefresh(observability.RefreshFailure)
		slog.Error("Credential refresh failed", "scope", s.scope, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return Credential{}, &RefreshError{Err: err}
	}

	held, replaced := s.store(issued)
	span.SetAttributes(
		attribute.Bool("credential.replaced", replaced),
		attribute.Int64("credential.version", int64(held.Version)),
	)
	if replaced {
		s.metrics.RecordCredentialRefresh(observability.RefreshSuccess)
		slog.Info("Credential refreshed", "expires_at", held.ExpiresAt, "version", held.Version)
	} else {
		s.metrics.RecordCredentialRefresh(observability.RefreshDiscarded)
		slog.Warn("Discarded credential with earlier expiry than the held one",
			"issued_expires_at", issued.ExpiresAt, "held_expires_at", held.ExpiresAt)
	}
	return held, nil
}

// store installs issued unless the held credential expires later, and
// returns whichever credential is held afterwards.
func (s *Supplier) store(issued Credential) (Credential, bool) {
	for {
		cur := s.current.Load()
		if cur != nil && issued.ExpiresAt.Before(cur.ExpiresAt) {
			return *cur, false
		}
		next := &Credential{Token: issued.Token, ExpiresAt: issued.ExpiresAt, Version: 1}
		if cur != nil {
			next.Version = cur.Version + 1
		}
		if s.current.CompareAndSwap(cur, next) {
			return *next, true
		}
	}
}
