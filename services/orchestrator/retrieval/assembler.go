// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"strings"
	"unicode/utf8"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

const (
	// DefaultMaxContextChars is the default context character budget.
	DefaultMaxContextChars = 8000

	// passageSeparator joins passages inside the assembled context.
	passageSeparator = "\n\n---\n\n"

	// minUsefulRemainder is the smallest truncated passage worth keeping.
	// Below this a fragment adds separator noise without adding signal.
	minUsefulRemainder = 40
)

// ContextAssembler builds a bounded context string from ranked passages.
//
// # Description
//
// Assembly is greedy and rank-prioritized: passages are appended in order
// until the next one would exceed the budget, at which point it is truncated
// to the remaining space (or dropped when the remainder is too small to be
// useful) and assembly stops. Lower-ranked passages are never admitted once
// the budget is exhausted. The algorithm is deterministic: identical ranked
// input and budget always produce an identical context string.
//
// # Thread Safety
//
// Safe for concurrent use; the assembler holds no mutable state.
type ContextAssembler struct {
	maxChars int
}

// NewContextAssembler creates an assembler with the given character budget.
// Non-positive budgets fall back to DefaultMaxContextChars.
func NewContextAssembler(maxChars int) *ContextAssembler {
	if maxChars <= 0 {
		maxChars = DefaultMaxContextChars
	}
	return &ContextAssembler{maxChars: maxChars}
}

// Assemble builds the context from passages already sorted descending by
// score. The returned CharacterLength is always <= the configured budget.
func (a *ContextAssembler) Assemble(passages []datatypes.RetrievedPassage) datatypes.AssembledContext {
	var b strings.Builder
	count := 0

	for _, p := range passages {
		content := p.Content
		if content == "" {
			continue
		}

		sep := ""
		if count > 0 {
			sep = passageSeparator
		}

		remaining := a.maxChars - b.Len() - len(sep)
		if remaining <= 0 {
			break
		}

		if len(content) > remaining {
			if remaining < minUsefulRemainder {
				break
			}
			// Back off to a rune boundary so truncation never leaves a
			// partial multibyte character in the context.
			for remaining > 0 && !utf8.RuneStart(content[remaining]) {
				remaining--
			}
			content = content[:remaining]
			b.WriteString(sep)
			b.WriteString(content)
			count++
			break
		}

		b.WriteString(sep)
		b.WriteString(content)
		count++
	}

	text := b.String()
	return datatypes.AssembledContext{
		Text:            text,
		CharacterLength: len(text),
		PassageCount:    count,
	}
}
