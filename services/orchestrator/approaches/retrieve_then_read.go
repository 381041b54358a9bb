// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approaches

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
)

// RetrieveThenRead answers a single question: one search with the final
// user message, then one completion grounded in the results. Earlier
// conversation turns are ignored.
//
// # Thread Safety
//
// Safe for concurrent use.
type RetrieveThenRead struct {
	deps Deps
	cfg  Config
}

// NewRetrieveThenRead creates the single-turn approach.
func NewRetrieveThenRead(deps Deps, cfg Config) (*RetrieveThenRead, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &RetrieveThenRead{deps: deps.withDefaults(), cfg: cfg.withDefaults()}, nil
}

// Kind implements Approach.
func (a *RetrieveThenRead) Kind() Kind {
	return KindRetrieveThenRead
}

// Run implements Approach.
func (a *RetrieveThenRead) Run(ctx context.Context, req Request) (datatypes.AnswerEvent, error) {
	ctx, span := tracer.Start(ctx, "RetrieveThenRead.Run")
	defer span.End()

	question, err := lastUserMessage(req.Messages)
	if err != nil {
		recordSpanError(span, err, "malformed request")
		return datatypes.AnswerEvent{}, err
	}

	passages, err := retrieve(ctx, a.deps, a.cfg, req, question)
	if err != nil {
		recordSpanError(span, err, "retrieval failed")
		return datatypes.AnswerEvent{}, err
	}

	overrides := req.Context.Overrides
	prompt := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: systemPrompt(askSystemPrompt, withoutFollowups(overrides))},
		{Role: datatypes.RoleUser, Content: groundedQuestion(question, passages)},
	}

	genCtx, genSpan := tracer.Start(ctx, "approach.generate")
	answer, err := a.deps.LLM.Chat(genCtx, prompt, generationParams(a.cfg, overrides))
	if err != nil {
		recordSpanError(genSpan, err, "completion failed")
		genSpan.End()
		recordSpanError(span, err, "completion failed")
		return datatypes.AnswerEvent{}, fmt.Errorf("generate: %w", err)
	}
	genSpan.End()

	span.SetAttributes(attribute.Int("answer.data_points", len(passages)))
	slog.Debug("Answered single-turn question", "data_points", len(passages))

	answerCtx := &datatypes.AnswerContext{
		DataPoints: passages,
		Thoughts: []datatypes.Thought{
			{Title: "Search query", Description: question},
			{Title: "Prompt", Description: renderPrompt(prompt)},
		},
	}
	return datatypes.NewAnswerEvent(answer, answerCtx, req.SessionState), nil
}

// withoutFollowups drops the follow-up option, which only the chat
// approach supports.
func withoutFollowups(o datatypes.Overrides) datatypes.Overrides {
	o.SuggestFollowupQuestions = false
	return o
}

var _ Approach = (*RetrieveThenRead)(nil)
