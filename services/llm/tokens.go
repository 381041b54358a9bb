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
	"log/slog"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the role and separator tokens the chat
// format adds to every message.
const perMessageOverhead = 4

// TokenCounter counts prompt tokens.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter estimates four characters per token. It is the fallback
// when no BPE encoding can be loaded.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// NewTokenCounter returns a counter for model, falling back to cl100k_base
// and then to ApproxCounter.
func NewTokenCounter(model string) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("BPE encoding unavailable, using approximate token counts", "model", model, "error", err)
		return ApproxCounter{}
	}
	return &TiktokenCounter{enc: enc}
}

// CountMessages returns the token count of messages including the
// per-message overhead.
func CountMessages(counter TokenCounter, messages []datatypes.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead + counter.Count(m.Content)
	}
	return total
}
