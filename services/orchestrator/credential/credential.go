// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package credential owns the bearer credential used to call the LLM
// backend.
//
// # Description
//
// A Supplier keeps exactly one live Credential per process in a versioned
// cell that is only ever replaced by compare-and-swap. Callers obtain a copy
// through Token and must not cache it. When the held Credential is within the
// refresh margin of expiry, one caller becomes the refresh leader and calls
// the IdentityProvider; every other caller keeps using the held Credential
// while it is still valid, or waits for the leader when it is not.
//
// # Guarantees
//
//   - At most one refresh is in flight at a time.
//   - The held expiry never moves backwards: a provider answer expiring
//     earlier than the held Credential is discarded.
//   - A failed refresh keeps the held Credential. The error is returned only
//     to the leader, and to waiters that had no valid Credential to fall
//     back on.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credential is a bearer token and its expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time

	// Version increases by one on every replacement of the held Credential.
	Version uint64
}

// ValidAt reports whether c can still authenticate a call at now.
func (c *Credential) ValidAt(now time.Time) bool {
	return c != nil && c.Token != "" && now.Before(c.ExpiresAt)
}

// FreshAt reports whether c is valid and outside the refresh margin.
func (c *Credential) FreshAt(now time.Time, margin time.Duration) bool {
	return c.ValidAt(now) && c.ExpiresAt.Sub(now) >= margin
}

// IdentityProvider issues credentials for a scope.
type IdentityProvider interface {
	GetToken(ctx context.Context, scope string) (Credential, error)
}

// RefreshError is returned when the identity provider could not issue a
// usable credential.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("credential refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// IsRefreshError reports whether err is or wraps a RefreshError.
func IsRefreshError(err error) bool {
	var re *RefreshError
	return errors.As(err, &re)
}
