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
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

const askSystemPrompt = `You are an assistant that answers questions using only the sources listed below the question.
Keep answers short. If the sources do not contain the answer, say that you do not know.
Each source has a name followed by a colon and its content. Cite the source name in square brackets after every fact you use, for example [info1.txt]. Cite each source separately, never combine them as [info1.txt, info2.pdf].`

const chatSystemPrompt = `You are an assistant that answers questions about the organisation's documents.
Answer only with facts from the sources below. If the sources are not enough, say that you do not know. Ask a clarifying question when it would help.
Each source has a name followed by a colon and its content. Cite the source name in square brackets after every fact you use, for example [info1.txt]. Cite each source separately, never combine them as [info1.txt, info2.pdf].`

const followupPrompt = `After the answer, suggest three very brief follow-up questions the user is likely to ask next.
Enclose each follow-up question in double angle brackets, for example:
<<Is there a fee for returns?>>
<<Can I return a sale item?>>
Do not repeat questions that were already asked. Only the follow-up questions may follow the answer.`

const rewriteSystemPrompt = `Below is the history of a conversation and a new question from the user. Generate a search query for the new question, using the history where it clarifies the question.
Call the search_sources function with the query. Do not include cited source names or document names in the query. Do not include text inside [] or <<>>.
If you cannot generate a search query, answer with just the number 0.`

// noQuery is the model's answer when it cannot produce a search query.
const noQuery = "0"

// templateAppendPrefix marks a prompt_template that is appended to the
// default system prompt instead of replacing it.
const templateAppendPrefix = ">>>"

// systemPrompt resolves the system message for a request.
func systemPrompt(base string, overrides datatypes.Overrides) string {
	prompt := base
	if overrides.SuggestFollowupQuestions {
		prompt += "\n\n" + followupPrompt
	}
	tpl := overrides.PromptTemplate
	switch {
	case tpl == "":
		return prompt
	case strings.HasPrefix(tpl, templateAppendPrefix):
		return prompt + "\n\n" + strings.TrimSpace(strings.TrimPrefix(tpl, templateAppendPrefix))
	default:
		return tpl
	}
}

// groundedQuestion appends the grounding block to the user question.
func groundedQuestion(question string, passages []datatypes.RetrievedPassage) string {
	return question + "\n\nSources:\n" + datatypes.GroundingBlock(passages)
}

// fitHistory returns the newest history messages whose token count fits in
// budget, in their original order. The messages already placed in the
// prompt (system and final question) are counted against the budget first.
func fitHistory(counter llm.TokenCounter, budget int, history, fixed []datatypes.Message) []datatypes.Message {
	remaining := budget - llm.CountMessages(counter, fixed)
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := llm.CountMessages(counter, history[i:i+1])
		if cost > remaining {
			break
		}
		remaining -= cost
		start = i
	}
	return history[start:]
}

// buildPrompt assembles system, fitted history and final user message.
func buildPrompt(counter llm.TokenCounter, budget int, system string, history []datatypes.Message, user string) []datatypes.Message {
	sys := datatypes.Message{Role: datatypes.RoleSystem, Content: system}
	last := datatypes.Message{Role: datatypes.RoleUser, Content: user}
	kept := fitHistory(counter, budget, history, []datatypes.Message{sys, last})

	out := make([]datatypes.Message, 0, len(kept)+2)
	out = append(out, sys)
	out = append(out, kept...)
	return append(out, last)
}

// renderPrompt formats prompt messages for the thoughts trace.
func renderPrompt(messages []datatypes.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(":\n")
		b.WriteString(m.Content)
	}
	return b.String()
}

// =============================================================================
// Follow-up Questions
// =============================================================================

const followupOpen = "<<"

var followupPattern = regexp.MustCompile(`<<([^<>]+)>>`)

// splitFollowups separates the answer from trailing <<question>> markers.
func splitFollowups(text string) (string, []string) {
	idx := strings.Index(text, followupOpen)
	if idx < 0 {
		return strings.TrimRight(text, trailingSpace), nil
	}
	return strings.TrimRight(text[:idx], trailingSpace), parseFollowups(text[idx:])
}

func parseFollowups(text string) []string {
	matches := followupPattern.FindAllStringSubmatch(text, -1)
	questions := make([]string, 0, len(matches))
	for _, m := range matches {
		if q := strings.TrimSpace(m[1]); q != "" {
			questions = append(questions, q)
		}
	}
	return questions
}

const trailingSpace = " \t\r\n"

// followupFilter strips follow-up markers from a token stream so the
// emitted deltas concatenate to the same answer splitFollowups returns.
//
// Trailing whitespace and '<' are held back until a later token shows
// whether they precede more answer text or the first marker.
type followupFilter struct {
	pending  string
	inMarker bool
	tail     strings.Builder
}

// Push consumes one token and returns the text that may be emitted now.
func (f *followupFilter) Push(token string) string {
	if f.inMarker {
		f.tail.WriteString(token)
		return ""
	}
	combined := f.pending + token
	if idx := strings.Index(combined, followupOpen); idx >= 0 {
		f.inMarker = true
		f.pending = ""
		f.tail.WriteString(combined[idx:])
		return strings.TrimRight(combined[:idx], trailingSpace)
	}
	keep := len(strings.TrimRight(combined, trailingSpace+"<"))
	f.pending = combined[keep:]
	return combined[:keep]
}

// Finish returns the remaining answer text and the parsed questions.
func (f *followupFilter) Finish() (string, []string) {
	if f.inMarker {
		return "", parseFollowups(f.tail.String())
	}
	rest := strings.TrimRight(f.pending, trailingSpace)
	f.pending = ""
	return rest, nil
}
