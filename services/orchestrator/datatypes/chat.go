// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the inbound request types shared by the /ask and /chat
// endpoints. Retrieved passages live in passage.go and outbound answer events
// in answer.go.
package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) against MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Conversation Types
// =============================================================================

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// Conversation is an ordered sequence of messages, oldest first.
type Conversation []Message

// LastUserMessage returns the content of the final message when it was sent
// by the user.
func (c Conversation) LastUserMessage() (string, bool) {
	if len(c) == 0 {
		return "", false
	}
	last := c[len(c)-1]
	if last.Role != RoleUser {
		return "", false
	}
	return last.Content, true
}

// History returns every message except the final user turn.
func (c Conversation) History() Conversation {
	if len(c) == 0 {
		return nil
	}
	return c[:len(c)-1]
}

// =============================================================================
// Request Context
// =============================================================================

// Retrieval modes accepted in Overrides.RetrievalMode.
const (
	RetrievalModeText    = "text"
	RetrievalModeVectors = "vectors"
	RetrievalModeHybrid  = "hybrid"
)

// Overrides holds per-request tuning options sent by the client.
//
// Every field is optional; zero values mean "use the configured default".
type Overrides struct {
	RetrievalMode            string   `json:"retrieval_mode,omitempty" validate:"omitempty,oneof=text vectors hybrid"`
	Top                      *int     `json:"top,omitempty" validate:"omitempty,min=1,max=50"`
	Temperature              *float32 `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	ExcludeCategory          string   `json:"exclude_category,omitempty"`
	PromptTemplate           string   `json:"prompt_template,omitempty"`
	SuggestFollowupQuestions bool     `json:"suggest_followup_questions,omitempty"`
	UseOIDSecurityFilter     *bool    `json:"use_oid_security_filter,omitempty"`
	UseGroupsSecurityFilter  *bool    `json:"use_groups_security_filter,omitempty"`
}

// TopOr returns the requested passage count or def when unset.
func (o Overrides) TopOr(def int) int {
	if o.Top == nil || *o.Top <= 0 {
		return def
	}
	return *o.Top
}

// TemperatureOr returns the requested temperature or def when unset.
func (o Overrides) TemperatureOr(def float32) float32 {
	if o.Temperature == nil {
		return def
	}
	return *o.Temperature
}

// RequestContext carries the caller identity and tuning options for one request.
//
// AuthClaims is always populated server-side by the claims middleware; any
// value supplied by the client is discarded.
type RequestContext struct {
	AuthClaims map[string]any `json:"auth_claims,omitempty"`
	Overrides  Overrides      `json:"overrides"`
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatRequest is the inbound body of both /ask and /chat.
//
// SessionState is opaque. It is decoded as raw JSON and echoed back unchanged
// in the terminal event; nothing in the orchestrator inspects it.
type ChatRequest struct {
	Messages     Conversation    `json:"messages" validate:"required,min=1,dive"`
	Context      RequestContext  `json:"context"`
	SessionState json.RawMessage `json:"session_state,omitempty"`
	Stream       bool            `json:"stream,omitempty"`
}

// Validate checks the request shape.
//
// Returns a *MalformedRequestError describing the first problem found.
func (r *ChatRequest) Validate() error {
	if r == nil || r.Messages == nil {
		return &MalformedRequestError{Reason: "messages is required"}
	}
	if len(r.Messages) > MaxMessagesPerRequest {
		return &MalformedRequestError{Reason: fmt.Sprintf("messages exceeds %d entries", MaxMessagesPerRequest)}
	}
	if err := chatValidate.Struct(r); err != nil {
		return &MalformedRequestError{Reason: describeValidationError(err)}
	}
	if _, ok := r.Messages.LastUserMessage(); !ok {
		return &MalformedRequestError{Reason: "last message must have role \"user\""}
	}
	return nil
}

// describeValidationError turns validator output into a short client-safe string.
func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "ChatRequest.")
		parts = append(parts, fmt.Sprintf("%s failed %q", field, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
