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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ChatRequest.Validate Tests
// =============================================================================

func userTurns(n int) Conversation {
	turns := make(Conversation, n)
	for i := range turns {
		turns[i] = Message{Role: RoleUser, Content: "q"}
	}
	return turns
}

func TestChatRequest_Validate(t *testing.T) {
	top := 5
	badTop := 0

	tests := []struct {
		name    string
		req     *ChatRequest
		wantErr string
	}{
		{
			name: "valid single turn",
			req: &ChatRequest{Messages: Conversation{
				{Role: RoleUser, Content: "What is the return policy?"},
			}},
		},
		{
			name: "valid multi turn with overrides",
			req: &ChatRequest{
				Messages: Conversation{
					{Role: RoleUser, Content: "hi"},
					{Role: RoleAssistant, Content: "hello"},
					{Role: RoleUser, Content: "returns?"},
				},
				Context: RequestContext{Overrides: Overrides{RetrievalMode: RetrievalModeHybrid, Top: &top}},
			},
		},
		{
			name:    "nil request",
			req:     nil,
			wantErr: "messages is required",
		},
		{
			name:    "missing messages",
			req:     &ChatRequest{},
			wantErr: "messages is required",
		},
		{
			name:    "empty messages",
			req:     &ChatRequest{Messages: Conversation{}},
			wantErr: "min",
		},
		{
			name:    "unknown role",
			req:     &ChatRequest{Messages: Conversation{{Role: "tool", Content: "x"}}},
			wantErr: "oneof",
		},
		{
			name: "last message not from user",
			req: &ChatRequest{Messages: Conversation{
				{Role: RoleUser, Content: "hi"},
				{Role: RoleAssistant, Content: "hello"},
			}},
			wantErr: "last message",
		},
		{
			name: "at message limit",
			req:  &ChatRequest{Messages: userTurns(MaxMessagesPerRequest)},
		},
		{
			name:    "over message limit",
			req:     &ChatRequest{Messages: userTurns(MaxMessagesPerRequest + 1)},
			wantErr: "messages exceeds 100 entries",
		},
		{
			name: "content too large",
			req: &ChatRequest{Messages: Conversation{
				{Role: RoleUser, Content: strings.Repeat("a", MaxMessageContentBytes+1)},
			}},
			wantErr: "maxbytes",
		},
		{
			name: "bad retrieval mode",
			req: &ChatRequest{
				Messages: Conversation{{Role: RoleUser, Content: "q"}},
				Context:  RequestContext{Overrides: Overrides{RetrievalMode: "semantic"}},
			},
			wantErr: "oneof",
		},
		{
			name: "top below minimum",
			req: &ChatRequest{
				Messages: Conversation{{Role: RoleUser, Content: "q"}},
				Context:  RequestContext{Overrides: Overrides{Top: &badTop}},
			},
			wantErr: "min",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsMalformedRequest(err), "error should be a MalformedRequestError")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestChatRequest_SessionStateIsOpaque(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"q"}],"session_state":{"b":2,"a":[1,"x"]}}`

	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assert.Equal(t, `{"b":2,"a":[1,"x"]}`, string(req.SessionState),
		"session state bytes should be kept verbatim")
}

func TestConversation_LastUserMessageAndHistory(t *testing.T) {
	conv := Conversation{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "answer"},
		{Role: RoleUser, Content: "second"},
	}

	last, ok := conv.LastUserMessage()
	require.True(t, ok)
	assert.Equal(t, "second", last)
	assert.Len(t, conv.History(), 2)

	_, ok = Conversation{}.LastUserMessage()
	assert.False(t, ok)
	assert.Nil(t, Conversation{}.History())
}

func TestOverrides_Defaults(t *testing.T) {
	var o Overrides
	assert.Equal(t, 3, o.TopOr(3))
	assert.Equal(t, float32(0.3), o.TemperatureOr(0.3))

	top := 7
	temp := float32(0.9)
	o = Overrides{Top: &top, Temperature: &temp}
	assert.Equal(t, 7, o.TopOr(3))
	assert.Equal(t, float32(0.9), o.TemperatureOr(0.3))
}
