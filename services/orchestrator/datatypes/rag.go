// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// RetrievedPassage is one ranked passage returned by similarity search.
type RetrievedPassage struct {
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Source returns the passage's source identifier from its metadata,
// or an empty string when unknown.
func (p RetrievedPassage) Source() string {
	return p.Metadata["source"]
}

// SourceInfo is the client-facing view of a retrieved passage's origin.
type SourceInfo struct {
	Source string  `json:"source"`
	Score  float64 `json:"score,omitempty"`
}

// AssembledContext is the bounded context string passed to the generator.
// CharacterLength is always <= the assembler's configured budget.
type AssembledContext struct {
	Text            string `json:"text"`
	CharacterLength int    `json:"character_length"`
	PassageCount    int    `json:"passage_count"`
}

// Empty reports whether no passage content made it into the context.
func (c AssembledContext) Empty() bool {
	return c.PassageCount == 0
}

// Fallback strategy types. Selection rules live in the pipeline package;
// these values are part of the wire contract.
const (
	StrategyRelatedInformation = "related-information"
	StrategyGeneralAssistance  = "general-assistance"
	StrategyEmergency          = "emergency"
)

// FallbackStrategy is the substitute answer built when the quality gate
// rejects the raw generated text.
type FallbackStrategy struct {
	StrategyType           string   `json:"strategy_type"`
	Content                string   `json:"content"`
	AlternativeSuggestions []string `json:"alternative_suggestions"`
	EscalationOffered      bool     `json:"escalation_offered"`
}
