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
	"strings"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
)

// streamBuffer bounds the events queued between the producer and the
// response writer.
const streamBuffer = 16

// rewriteMaxTokens caps the query rewrite completion.
const rewriteMaxTokens = 100

// ChatReadRetrieveRead answers the latest turn of a conversation in three
// steps: rewrite the turn into a standalone search query, retrieve with it,
// then generate an answer from the history and the retrieved passages.
//
// # Thread Safety
//
// Safe for concurrent use.
type ChatReadRetrieveRead struct {
	deps Deps
	cfg  Config
}

// NewChatReadRetrieveRead creates the conversational approach.
func NewChatReadRetrieveRead(deps Deps, cfg Config) (*ChatReadRetrieveRead, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &ChatReadRetrieveRead{deps: deps.withDefaults(), cfg: cfg.withDefaults()}, nil
}

// Kind implements Approach.
func (a *ChatReadRetrieveRead) Kind() Kind {
	return KindChatReadRetrieveRead
}

// turn is the state shared by the generate step of both output modes.
type turn struct {
	req      Request
	question string
	query    string
	passages []datatypes.RetrievedPassage
	prompt   []datatypes.Message
	params   llm.GenerationParams
}

func (t *turn) context(followups []string) *datatypes.AnswerContext {
	return &datatypes.AnswerContext{
		DataPoints: t.passages,
		Thoughts: []datatypes.Thought{
			{Title: "Original question", Description: t.question},
			{Title: "Search query", Description: t.query},
			{Title: "Prompt", Description: renderPrompt(t.prompt)},
		},
		FollowupQuestions: followups,
	}
}

// prepare runs the rewrite and retrieve steps and builds the answer prompt.
func (a *ChatReadRetrieveRead) prepare(ctx context.Context, req Request) (*turn, error) {
	question, err := lastUserMessage(req.Messages)
	if err != nil {
		return nil, err
	}

	query, err := a.rewrite(ctx, req.Messages, question)
	if err != nil {
		return nil, err
	}

	passages, err := retrieve(ctx, a.deps, a.cfg, req, query)
	if err != nil {
		return nil, err
	}

	overrides := req.Context.Overrides
	prompt := buildPrompt(
		a.deps.Tokens,
		a.cfg.HistoryTokenBudget,
		systemPrompt(chatSystemPrompt, overrides),
		req.Messages.History(),
		groundedQuestion(question, passages),
	)

	return &turn{
		req:      req,
		question: question,
		query:    query,
		passages: passages,
		prompt:   prompt,
		params:   generationParams(a.cfg, overrides),
	}, nil
}

// rewrite asks the model for a standalone search query. When the model
// does not call the search function, or answers "0", the raw question is
// used instead.
func (a *ChatReadRetrieveRead) rewrite(ctx context.Context, conversation datatypes.Conversation, question string) (string, error) {
	ctx, span := tracer.Start(ctx, "approach.rewrite")
	defer span.End()

	prompt := buildPrompt(
		a.deps.Tokens,
		a.cfg.HistoryTokenBudget,
		rewriteSystemPrompt,
		conversation.History(),
		"Generate search query for: "+question,
	)
	temperature := a.cfg.RewriteTemperature
	maxTokens := rewriteMaxTokens

	query, err := a.deps.LLM.RewriteQuery(ctx, prompt, llm.GenerationParams{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		recordSpanError(span, err, "query rewrite failed")
		return "", fmt.Errorf("rewrite query: %w", err)
	}

	query = strings.TrimSpace(query)
	if query == "" || query == noQuery {
		span.SetAttributes(attribute.Bool("rewrite.fallback", true))
		slog.Debug("Query rewrite declined, searching with the question")
		return question, nil
	}
	span.SetAttributes(attribute.Bool("rewrite.fallback", false))
	return query, nil
}

// Run implements Approach.
func (a *ChatReadRetrieveRead) Run(ctx context.Context, req Request) (datatypes.AnswerEvent, error) {
	ctx, span := tracer.Start(ctx, "ChatReadRetrieveRead.Run")
	defer span.End()

	t, err := a.prepare(ctx, req)
	if err != nil {
		recordSpanError(span, err, "prepare failed")
		return datatypes.AnswerEvent{}, err
	}

	genCtx, genSpan := tracer.Start(ctx, "approach.generate")
	text, err := a.deps.LLM.Chat(genCtx, t.prompt, t.params)
	if err != nil {
		recordSpanError(genSpan, err, "completion failed")
		genSpan.End()
		recordSpanError(span, err, "completion failed")
		return datatypes.AnswerEvent{}, fmt.Errorf("generate: %w", err)
	}
	genSpan.End()

	answer, followups := text, []string(nil)
	if req.Context.Overrides.SuggestFollowupQuestions {
		answer, followups = splitFollowups(text)
	}
	span.SetAttributes(attribute.Int("answer.data_points", len(t.passages)))
	return datatypes.NewAnswerEvent(answer, t.context(followups), req.SessionState), nil
}

// RunStream implements StreamingApproach.
//
// Rewrite and retrieve run before RunStream returns, so their failures are
// returned directly. Generation runs in a producer goroutine that stops as
// soon as ctx is cancelled.
func (a *ChatReadRetrieveRead) RunStream(ctx context.Context, req Request) (<-chan datatypes.AnswerEvent, error) {
	prepCtx, span := tracer.Start(ctx, "ChatReadRetrieveRead.RunStream")
	t, err := a.prepare(prepCtx, req)
	if err != nil {
		recordSpanError(span, err, "prepare failed")
		span.End()
		return nil, err
	}
	span.End()

	out := make(chan datatypes.AnswerEvent, streamBuffer)
	go a.produce(ctx, t, out)
	return out, nil
}

// produce streams the answer of t into out and closes it.
func (a *ChatReadRetrieveRead) produce(ctx context.Context, t *turn, out chan<- datatypes.AnswerEvent) {
	defer close(out)

	ctx, span := tracer.Start(ctx, "approach.generate")
	defer span.End()
	span.SetAttributes(attribute.Bool("generate.stream", true))

	send := func(ev datatypes.AnswerEvent) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var filter *followupFilter
	if t.req.Context.Overrides.SuggestFollowupQuestions {
		filter = &followupFilter{}
	}

	chunks := 0
	err := a.deps.LLM.ChatStream(ctx, t.prompt, t.params, func(event llm.StreamEvent) error {
		if event.Type != llm.StreamEventToken || event.Content == "" {
			return nil
		}
		text := event.Content
		if filter != nil {
			text = filter.Push(text)
		}
		if text == "" {
			return nil
		}
		chunks++
		return send(datatypes.NewDeltaEvent(text))
	})

	if ctx.Err() != nil {
		// The consumer is gone; nobody will read a terminal event.
		slog.Info("Answer stream cancelled", "chunks", chunks)
		span.SetAttributes(attribute.Bool("generate.cancelled", true))
		return
	}

	if err != nil {
		recordSpanError(span, err, "stream aborted")
		slog.Error("Answer stream aborted", "chunks", chunks, "error", err)
		abort := &datatypes.StreamAbortError{Err: err}
		_ = send(datatypes.NewFailureEvent(abort))
		return
	}

	var followups []string
	if filter != nil {
		rest, questions := filter.Finish()
		if rest != "" {
			if send(datatypes.NewDeltaEvent(rest)) != nil {
				return
			}
			chunks++
		}
		followups = questions
	}
	span.SetAttributes(attribute.Int("generate.chunks", chunks))
	_ = send(datatypes.NewContextEvent(t.context(followups), t.req.SessionState))
}

var _ StreamingApproach = (*ChatReadRetrieveRead)(nil)
