// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"strings"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

// =============================================================================
// Fallback Engine
// =============================================================================

// FallbackEngine builds the structured reply used when the pipeline cannot
// deliver a direct answer.
//
// # Description
//
// Strategy selection is deterministic:
//
//   - related-information when retrieval found passages but the answer was
//     rejected, so the user at least sees what material exists.
//   - general-assistance when nothing relevant was retrieved; topic
//     suggestions are derived from question keywords.
//   - emergency when an internal failure made normal processing impossible.
//
// Every strategy offers human escalation. A dead-end reply with no exit is
// the one outcome this engine exists to prevent.
type FallbackEngine struct{}

// NewFallbackEngine creates a FallbackEngine.
func NewFallbackEngine() *FallbackEngine {
	return &FallbackEngine{}
}

// maxSuggestions caps alternative suggestions per fallback reply.
const maxSuggestions = 3

// stopwords are excluded from keyword extraction.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "can": {}, "do": {}, "does": {},
	"for": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "me": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "with": {},
	"you": {}, "your": {},
}

// topicSuggestions maps question keywords to browsable topics offered in
// general-assistance replies. First match per topic wins; order is fixed so
// the same question always yields the same suggestions.
var topicSuggestions = []struct {
	keywords   []string
	suggestion string
}{
	{[]string{"price", "pricing", "cost", "plan", "billing"}, "Browse our pricing and plans overview"},
	{[]string{"feature", "capability", "support", "work"}, "See the product feature guide"},
	{[]string{"help", "issue", "problem", "error", "broken"}, "Visit the troubleshooting and support section"},
	{[]string{"integrat", "api", "connect", "webhook"}, "Read the integrations and API documentation"},
	{[]string{"start", "setup", "install", "begin", "onboard"}, "Follow the getting-started walkthrough"},
}

const escalationSuggestion = "Ask to speak with a member of our team"

// BuildRejected builds the fallback for an answer the quality gate refused.
// When retrieval produced passages the strategy is related-information and
// the suggestions point at the retrieved sources; otherwise it behaves like
// BuildNoContext.
func (f *FallbackEngine) BuildRejected(question string, passages []datatypes.RetrievedPassage) datatypes.FallbackStrategy {
	if len(passages) == 0 {
		return f.BuildNoContext(question)
	}

	suggestions := make([]string, 0, maxSuggestions+1)
	seen := make(map[string]struct{})
	for _, p := range passages {
		source := p.Source()
		if source == "" {
			continue
		}
		if _, dup := seen[source]; dup {
			continue
		}
		seen[source] = struct{}{}
		suggestions = append(suggestions, "See: "+source)
		if len(suggestions) == maxSuggestions {
			break
		}
	}
	suggestions = append(suggestions, escalationSuggestion)

	return datatypes.FallbackStrategy{
		StrategyType:           datatypes.StrategyRelatedInformation,
		Content:                "I couldn't give you a confident direct answer, but I found some material that looks related to your question.",
		AlternativeSuggestions: suggestions,
		EscalationOffered:      true,
	}
}

// BuildNoContext builds the general-assistance fallback used when retrieval
// found nothing relevant.
func (f *FallbackEngine) BuildNoContext(question string) datatypes.FallbackStrategy {
	keywords := extractKeywords(question)

	suggestions := make([]string, 0, maxSuggestions+1)
	for _, topic := range topicSuggestions {
		if matchesAny(keywords, topic.keywords) {
			suggestions = append(suggestions, topic.suggestion)
			if len(suggestions) == maxSuggestions {
				break
			}
		}
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, "Try rephrasing your question with more detail")
	}
	suggestions = append(suggestions, escalationSuggestion)

	return datatypes.FallbackStrategy{
		StrategyType:           datatypes.StrategyGeneralAssistance,
		Content:                "I don't have specific information about that in my knowledge base, but here are some places that might help.",
		AlternativeSuggestions: suggestions,
		EscalationOffered:      true,
	}
}

// BuildEmergency builds the fallback for internal failures. It carries no
// topical suggestions because nothing about the request was processed.
func (f *FallbackEngine) BuildEmergency() datatypes.FallbackStrategy {
	return datatypes.FallbackStrategy{
		StrategyType:           datatypes.StrategyEmergency,
		Content:                "Something went wrong on our side while processing your question. Please try again in a moment.",
		AlternativeSuggestions: []string{escalationSuggestion},
		EscalationOffered:      true,
	}
}

// extractKeywords lowercases, strips punctuation, and drops stopwords.
func extractKeywords(question string) []string {
	fields := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	keywords := make([]string, 0, len(fields))
	for _, w := range fields {
		if _, skip := stopwords[w]; skip {
			continue
		}
		keywords = append(keywords, w)
	}
	return keywords
}

// matchesAny reports whether any keyword contains any pattern as a
// substring ("integrations" matches pattern "integrat").
func matchesAny(keywords []string, patterns []string) bool {
	for _, kw := range keywords {
		for _, p := range patterns {
			if strings.Contains(kw, p) {
				return true
			}
		}
	}
	return false
}
