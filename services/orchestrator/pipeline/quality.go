// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import "strings"

// =============================================================================
// Quality Gate
// =============================================================================

// QualityGate decides whether a generated answer is worth delivering.
type QualityGate interface {
	// Acceptable reports whether the answer should be sent as-is. A false
	// result routes the request to the fallback engine.
	Acceptable(answer string) bool
}

// minAcceptableLength is the shortest answer treated as substantive. Real
// answers below this are one-word acknowledgements that frustrate users more
// than an explicit fallback does.
const minAcceptableLength = 20

// uncertaintyPhrases mark answers where the model admits it does not know.
// Matching is case-insensitive substring; phrases are kept short so minor
// rewordings still hit.
var uncertaintyPhrases = []string{
	"i don't know",
	"i do not know",
	"i'm not sure",
	"i am not sure",
	"i cannot answer",
	"i can't answer",
	"i don't have enough information",
	"i do not have enough information",
	"no information available",
	"i'm unable to",
	"i am unable to",
	"cannot be determined",
}

// unhelpfulPhrases mark answers that are technically responses but carry no
// content the user can act on.
var unhelpfulPhrases = []string{
	"as an ai",
	"i'm just a",
	"i am just a",
	"please rephrase",
	"could you rephrase",
	"not mentioned in the context",
	"the context does not",
	"the provided context does not",
	"based on the context provided, i cannot",
}

// HeuristicGate is a phrase-and-length quality gate.
//
// # Description
//
// The gate is monotone in a narrow sense: appending a flagged phrase to an
// acceptable answer can only make it unacceptable, never the reverse. When
// disabled the gate accepts everything, including empty answers; operators
// turn it off for bots whose domain makes hedged answers genuinely useful.
type HeuristicGate struct {
	enabled bool
}

// NewHeuristicGate creates a gate. Pass false to accept all answers.
func NewHeuristicGate(enabled bool) *HeuristicGate {
	return &HeuristicGate{enabled: enabled}
}

// Acceptable implements the QualityGate interface.
func (g *HeuristicGate) Acceptable(answer string) bool {
	if !g.enabled {
		return true
	}

	trimmed := strings.TrimSpace(answer)
	if len(trimmed) < minAcceptableLength {
		return false
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range uncertaintyPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	for _, phrase := range unhelpfulPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}
