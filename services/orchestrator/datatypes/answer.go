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
	"encoding/json"
	"fmt"
)

// Thought is one diagnostic step recorded while answering.
type Thought struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// AnswerContext carries the grounding data and diagnostic trace of an answer.
type AnswerContext struct {
	DataPoints        []RetrievedPassage `json:"data_points"`
	Thoughts          []Thought          `json:"thoughts"`
	FollowupQuestions []string           `json:"followup_questions,omitempty"`
}

// EventKind discriminates the shapes an AnswerEvent can take on the wire.
type EventKind int

const (
	// EventAnswer is a complete, non-streamed answer.
	EventAnswer EventKind = iota
	// EventDelta is one incremental chunk of a streamed answer.
	EventDelta
	// EventContext closes a successful stream with its grounding context.
	EventContext
	// EventError closes a stream that failed.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAnswer:
		return "answer"
	case EventDelta:
		return "delta"
	case EventContext:
		return "context"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// AnswerEvent is the unit produced by an approach.
//
// The non-streaming path yields exactly one EventAnswer. The streaming path
// yields zero or more EventDelta followed by exactly one EventContext or one
// EventError.
type AnswerEvent struct {
	Kind         EventKind
	Answer       string
	Delta        string
	Context      *AnswerContext
	SessionState json.RawMessage
	Error        string

	// Cause is the failure behind an EventError produced by an approach.
	// It is never serialized; the response layer derives Error from it.
	Cause error
}

// NewAnswerEvent builds a terminal non-streamed answer.
func NewAnswerEvent(answer string, ctx *AnswerContext, sessionState json.RawMessage) AnswerEvent {
	return AnswerEvent{Kind: EventAnswer, Answer: answer, Context: ctx, SessionState: sessionState}
}

// NewDeltaEvent builds one streamed chunk.
func NewDeltaEvent(delta string) AnswerEvent {
	return AnswerEvent{Kind: EventDelta, Delta: delta}
}

// NewContextEvent builds the trailing event of a successful stream.
func NewContextEvent(ctx *AnswerContext, sessionState json.RawMessage) AnswerEvent {
	return AnswerEvent{Kind: EventContext, Context: ctx, SessionState: sessionState}
}

// NewErrorEvent builds the trailing event of a failed stream.
func NewErrorEvent(message string) AnswerEvent {
	return AnswerEvent{Kind: EventError, Error: message}
}

// NewFailureEvent builds the trailing event of a stream that failed with
// err. The client-facing message is filled in by the response layer.
func NewFailureEvent(err error) AnswerEvent {
	return AnswerEvent{Kind: EventError, Cause: err}
}

// IsTerminal reports whether no further events may follow this one.
func (e AnswerEvent) IsTerminal() bool {
	return e.Kind != EventDelta
}

// Wire shapes. Field order is fixed so identical events always marshal to
// identical bytes.
type (
	answerWire struct {
		Answer       string          `json:"answer"`
		Context      *AnswerContext  `json:"context"`
		SessionState json.RawMessage `json:"session_state"`
	}
	deltaWire struct {
		Delta string `json:"delta"`
	}
	contextWire struct {
		Context      *AnswerContext  `json:"context"`
		SessionState json.RawMessage `json:"session_state"`
	}
	errorWire struct {
		Error string `json:"error"`
	}
)

// MarshalJSON renders the event in the shape matching its kind.
func (e AnswerEvent) MarshalJSON() ([]byte, error) {
	state := e.SessionState
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	switch e.Kind {
	case EventAnswer:
		return json.Marshal(answerWire{Answer: e.Answer, Context: e.Context, SessionState: state})
	case EventDelta:
		return json.Marshal(deltaWire{Delta: e.Delta})
	case EventContext:
		return json.Marshal(contextWire{Context: e.Context, SessionState: state})
	case EventError:
		return json.Marshal(errorWire{Error: e.Error})
	default:
		return nil, fmt.Errorf("unknown answer event kind %d", e.Kind)
	}
}
