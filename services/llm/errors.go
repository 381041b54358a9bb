// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	KindContentFilter  ErrorKind = "content_filter"
	KindRateLimited    ErrorKind = "rate_limited"
	KindAuth           ErrorKind = "auth"
	KindUnavailable    ErrorKind = "unavailable"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnknown        ErrorKind = "unknown"
)

// contentFilterCode is the error code (and finish reason) the backend uses
// when it refuses content on policy grounds.
const contentFilterCode = "content_filter"

// BackendError is returned by LLMClient implementations for any backend
// failure.
type BackendError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm %s failed (%s, status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first BackendError in err's chain, or
// KindUnknown.
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsContentFilter reports whether err is a content filter rejection.
func IsContentFilter(err error) bool {
	return KindOf(err) == KindContentFilter
}

// classifyError wraps a go-openai error in a BackendError.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == contentFilterCode {
			return &BackendError{Kind: KindContentFilter, Op: op, StatusCode: apiErr.HTTPStatusCode, Err: err}
		}
		return &BackendError{Kind: kindForStatus(apiErr.HTTPStatusCode), Op: op, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &BackendError{Kind: kindForStatus(reqErr.HTTPStatusCode), Op: op, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Kind: KindUnavailable, Op: op, Err: err}
	}
	return &BackendError{Kind: KindUnknown, Op: op, Err: err}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}

func contentFiltered(op string) error {
	return &BackendError{Kind: KindContentFilter, Op: op, Err: errors.New("response blocked by content filter")}
}
