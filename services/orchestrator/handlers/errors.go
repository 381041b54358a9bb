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
	"errors"
	"fmt"
	"net/http"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/credential"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/search"
)

// ErrorKind is the request-boundary error taxonomy. Its values double as
// the error_code metric label.
type ErrorKind = observability.ErrorCode

// errorMessage is returned for every failure except content filtering. It
// names only the error kind, never the underlying error text.
const errorMessage = `The app encountered an error processing your request.
If you are an administrator of the app, view the full error in the logs.
Error type: %s
`

// errorMessageFilter is returned when the LLM backend refuses the content.
const errorMessageFilter = "Your message contains content that was flagged by the OpenAI content filter."

// errorMessageNotJSON is returned with 415 for bodies that are not JSON.
const errorMessageNotJSON = "request must be json"

// ClassifyError maps err to the error taxonomy. Content filtering wins over
// every other classification, including a stream abort caused by it.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case datatypes.IsMalformedRequest(err):
		return observability.ErrorCodeValidation
	case llm.IsContentFilter(err):
		return observability.ErrorCodeContentFiltered
	case errors.Is(err, context.Canceled):
		return observability.ErrorCodeClientDisconnect
	case credential.IsRefreshError(err):
		return observability.ErrorCodeCredential
	case search.IsRetrievalError(err):
		return observability.ErrorCodeRetrieval
	case datatypes.IsStreamAbort(err):
		return observability.ErrorCodeStreamAbort
	case isBackendError(err):
		return observability.ErrorCodeLLMError
	default:
		return observability.ErrorCodeInternal
	}
}

// PublicError returns the HTTP status and client-safe message for err.
func PublicError(err error) (int, string) {
	kind := ClassifyError(err)
	switch kind {
	case observability.ErrorCodeValidation:
		var mre *datatypes.MalformedRequestError
		errors.As(err, &mre)
		return http.StatusBadRequest, mre.Error()
	case observability.ErrorCodeContentFiltered:
		return http.StatusBadRequest, errorMessageFilter
	default:
		return http.StatusInternalServerError, fmt.Sprintf(errorMessage, kind)
	}
}

func isBackendError(err error) bool {
	var be *llm.BackendError
	return errors.As(err, &be)
}
