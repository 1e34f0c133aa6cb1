// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

func passage(content string, score float64) datatypes.RetrievedPassage {
	return datatypes.RetrievedPassage{Content: content, Score: score}
}

func TestAssemble_Empty(t *testing.T) {
	a := NewContextAssembler(100)
	ctx := a.Assemble(nil)

	assert.True(t, ctx.Empty())
	assert.Equal(t, 0, ctx.CharacterLength)
	assert.Equal(t, "", ctx.Text)
}

func TestAssemble_AllFit(t *testing.T) {
	a := NewContextAssembler(1000)
	ctx := a.Assemble([]datatypes.RetrievedPassage{
		passage("first passage", 0.9),
		passage("second passage", 0.8),
	})

	assert.Equal(t, 2, ctx.PassageCount)
	assert.Equal(t, "first passage"+passageSeparator+"second passage", ctx.Text)
	assert.Equal(t, len(ctx.Text), ctx.CharacterLength)
}

func TestAssemble_NeverExceedsBudget(t *testing.T) {
	budget := 120
	a := NewContextAssembler(budget)
	ctx := a.Assemble([]datatypes.RetrievedPassage{
		passage(strings.Repeat("a", 100), 0.9),
		passage(strings.Repeat("b", 100), 0.8),
		passage(strings.Repeat("c", 100), 0.7),
	})

	assert.LessOrEqual(t, ctx.CharacterLength, budget)
	assert.Equal(t, len(ctx.Text), ctx.CharacterLength)
}

func TestAssemble_TruncatesFirstOverflowingPassage(t *testing.T) {
	// The second passage does not fit whole; it is truncated to the
	// remaining space and assembly stops there.
	a := NewContextAssembler(160)
	first := strings.Repeat("a", 100)
	second := strings.Repeat("b", 100)
	third := strings.Repeat("c", 10)

	ctx := a.Assemble([]datatypes.RetrievedPassage{
		passage(first, 0.9),
		passage(second, 0.8),
		passage(third, 0.7),
	})

	require.Equal(t, 2, ctx.PassageCount)
	remaining := 160 - len(first) - len(passageSeparator)
	assert.Equal(t, first+passageSeparator+strings.Repeat("b", remaining), ctx.Text)
	// The third passage would fit the leftover space but rank priority
	// forbids admitting it after a truncation.
	assert.NotContains(t, ctx.Text, "c")
}

func TestAssemble_SkipsTinyRemainder(t *testing.T) {
	// Remainder below the useful minimum drops the passage instead of
	// emitting a fragment.
	first := strings.Repeat("a", 90)
	a := NewContextAssembler(len(first) + len(passageSeparator) + minUsefulRemainder - 1)

	ctx := a.Assemble([]datatypes.RetrievedPassage{
		passage(first, 0.9),
		passage(strings.Repeat("b", 100), 0.8),
	})

	assert.Equal(t, 1, ctx.PassageCount)
	assert.Equal(t, first, ctx.Text)
}

func TestAssemble_SingleLongPassageTruncated(t *testing.T) {
	a := NewContextAssembler(50)
	ctx := a.Assemble([]datatypes.RetrievedPassage{
		passage(strings.Repeat("x", 500), 0.9),
	})

	assert.Equal(t, 1, ctx.PassageCount)
	assert.Equal(t, 50, ctx.CharacterLength)
}

func TestAssemble_TruncatesOnRuneBoundary(t *testing.T) {
	// The leading "a" puts every é astride the byte budget, so a naive cut
	// would leave a partial rune at the end of the context.
	a := NewContextAssembler(50)
	ctx := a.Assemble([]datatypes.RetrievedPassage{
		passage("a"+strings.Repeat("é", 100), 0.9),
	})

	require.Equal(t, 1, ctx.PassageCount)
	assert.True(t, utf8.ValidString(ctx.Text))
	assert.Equal(t, 49, ctx.CharacterLength)
}

func TestAssemble_Deterministic(t *testing.T) {
	passages := []datatypes.RetrievedPassage{
		passage(strings.Repeat("a", 60), 0.9),
		passage(strings.Repeat("b", 60), 0.8),
		passage(strings.Repeat("c", 60), 0.7),
	}
	a := NewContextAssembler(150)

	first := a.Assemble(passages)
	second := a.Assemble(passages)
	assert.Equal(t, first, second)
}

func TestAssemble_SkipsEmptyContent(t *testing.T) {
	a := NewContextAssembler(100)
	ctx := a.Assemble([]datatypes.RetrievedPassage{
		passage("", 0.95),
		passage("real content", 0.9),
	})

	assert.Equal(t, 1, ctx.PassageCount)
	assert.Equal(t, "real content", ctx.Text)
}

func TestNewContextAssembler_DefaultBudget(t *testing.T) {
	a := NewContextAssembler(0)
	assert.Equal(t, DefaultMaxContextChars, a.maxChars)

	a = NewContextAssembler(-5)
	assert.Equal(t, DefaultMaxContextChars, a.maxChars)
}
