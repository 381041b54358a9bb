// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// MalformedRequestError is returned when the caller payload is missing
// required fields. The request never reaches an approach.
type MalformedRequestError struct {
	Reason string
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed request: %s", e.Reason)
}

// IsMalformedRequest reports whether err is (or wraps) a MalformedRequestError.
func IsMalformedRequest(err error) bool {
	var mre *MalformedRequestError
	return errors.As(err, &mre)
}

// StreamAbortError is returned when the backend stream ends abnormally after
// the response has started.
type StreamAbortError struct {
	Err error
}

func (e *StreamAbortError) Error() string {
	return fmt.Sprintf("stream aborted: %v", e.Err)
}

func (e *StreamAbortError) Unwrap() error {
	return e.Err
}

// IsStreamAbort reports whether err is (or wraps) a StreamAbortError.
func IsStreamAbort(err error) bool {
	var sae *StreamAbortError
	return errors.As(err, &sae)
}
