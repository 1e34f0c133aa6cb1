// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlandai/beacon/services/llm"
	"github.com/headlandai/beacon/services/orchestrator/analysis"
	"github.com/headlandai/beacon/services/orchestrator/datatypes"
	"github.com/headlandai/beacon/services/orchestrator/memory"
	"github.com/headlandai/beacon/services/orchestrator/observability"
	"github.com/headlandai/beacon/services/orchestrator/retrieval"
)

// =============================================================================
// Stubs
// =============================================================================

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

type stubRetriever struct {
	mu        sync.Mutex
	passages  []datatypes.RetrievedPassage
	gotVector []float32
}

func (s *stubRetriever) Retrieve(ctx context.Context, vector []float32, query, botID string, k int, minScore float64) []datatypes.RetrievedPassage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotVector = vector
	return s.passages
}

type savedTurn struct {
	botID          string
	conversationID string
	question       string
	answer         string
}

type recordingStore struct {
	mu    sync.Mutex
	turns []memory.Turn
	saved []savedTurn
}

func (s *recordingStore) Load(ctx context.Context, botID, conversationID string, limit int) ([]memory.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns, nil
}

func (s *recordingStore) Save(ctx context.Context, botID, conversationID, question, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedTurn{botID, conversationID, question, answer})
	return nil
}

func (s *recordingStore) lastSaved() (savedTurn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return savedTurn{}, false
	}
	return s.saved[len(s.saved)-1], true
}

type stubSentiment struct {
	sentiment analysis.Sentiment
	err       error
}

func (s *stubSentiment) Classify(ctx context.Context, text string) (analysis.Sentiment, error) {
	return s.sentiment, s.err
}

type stubIntent struct {
	intent string
	err    error
}

func (s *stubIntent) Detect(ctx context.Context, text string) (string, error) {
	return s.intent, s.err
}

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	pipeline  *Pipeline
	retriever *stubRetriever
	store     *recordingStore
}

func testPassages() []datatypes.RetrievedPassage {
	return []datatypes.RetrievedPassage{
		{Content: "Refunds are processed within 5 business days.", Score: 0.9, Metadata: map[string]string{"source": "refunds.md"}},
		{Content: "Contact support for expedited refunds.", Score: 0.7, Metadata: map[string]string{"source": "support.md"}},
	}
}

func newFixture(client llm.LLMClient, embedder retrieval.Embedder, passages []datatypes.RetrievedPassage) *fixture {
	retriever := &stubRetriever{passages: passages}
	store := &recordingStore{}
	p := New(
		embedder,
		retriever,
		retrieval.NewContextAssembler(0),
		NewGenerator(client, testGeneratorConfig()),
		NewHeuristicGate(true),
		NewFallbackEngine(),
		store,
		&stubSentiment{sentiment: analysis.Sentiment{Label: "positive", Score: 0.92}},
		&stubIntent{intent: "billing"},
		nil,
		DefaultConfig(),
	)
	return &fixture{pipeline: p, retriever: retriever, store: store}
}

func askRequest() *datatypes.AskRequest {
	return &datatypes.AskRequest{Message: "how do refunds work", BotID: "bot-1"}
}

func collect(events <-chan datatypes.StreamEvent) []datatypes.StreamEvent {
	var all []datatypes.StreamEvent
	for e := range events {
		all = append(all, e)
	}
	return all
}

func tokensOf(events []datatypes.StreamEvent) string {
	var b strings.Builder
	for _, e := range events {
		if e.Type == datatypes.EventToken {
			b.WriteString(e.Content)
		}
	}
	return b.String()
}

// =============================================================================
// Batch Answer
// =============================================================================

func TestAnswer_PopulatesResponse(t *testing.T) {
	answer := "Refunds are processed within five business days of your request."
	f := newFixture(&mockLLM{answer: answer}, &stubEmbedder{vec: []float32{0.1, 0.2}}, testPassages())

	resp, err := f.pipeline.Answer(context.Background(), askRequest())
	require.NoError(t, err)

	assert.Equal(t, answer, resp.Answer)
	assert.Equal(t, "positive", resp.Sentiment)
	assert.InDelta(t, 0.92, resp.SentimentScore, 1e-9)
	assert.Equal(t, "billing", resp.Intent)
	assert.NotEmpty(t, resp.ConversationID)
	assert.True(t, resp.ContextUsed)
	assert.Equal(t, 2, resp.SourcesCount)
	assert.InDelta(t, 0.9, resp.ConfidenceScore, 1e-9)
	assert.False(t, resp.FallbackUsed)

	saved, ok := f.store.lastSaved()
	require.True(t, ok)
	assert.Equal(t, resp.ConversationID, saved.conversationID)
	assert.Equal(t, answer, saved.answer)
}

func TestAnswer_QualityGateTriggersFallback(t *testing.T) {
	f := newFixture(&mockLLM{answer: "I don't know anything about that topic, sorry."},
		&stubEmbedder{vec: []float32{0.1}}, testPassages())

	resp, err := f.pipeline.Answer(context.Background(), askRequest())
	require.NoError(t, err)

	assert.True(t, resp.FallbackUsed)
	assert.Contains(t, resp.Answer, "See: refunds.md")
	assert.Contains(t, resp.Answer, escalationSuggestion)
}

func TestAnswer_DimensionMismatchIsFatal(t *testing.T) {
	f := newFixture(&mockLLM{answer: "unused"},
		&stubEmbedder{err: &retrieval.DimensionMismatchError{Want: 768, Got: 3}}, testPassages())

	_, err := f.pipeline.Answer(context.Background(), askRequest())
	require.Error(t, err)
	assert.True(t, retrieval.IsDimensionMismatch(err))
}

func TestAnswer_EmbedFailureDegradesToServerSideSearch(t *testing.T) {
	answer := "Refunds are processed within five business days of your request."
	f := newFixture(&mockLLM{answer: answer},
		&stubEmbedder{err: errors.New("embedder down")}, testPassages())

	resp, err := f.pipeline.Answer(context.Background(), askRequest())
	require.NoError(t, err)

	// The retriever received no vector and fell through to its query-text path.
	f.retriever.mu.Lock()
	assert.Nil(t, f.retriever.gotVector)
	f.retriever.mu.Unlock()
	assert.Equal(t, answer, resp.Answer)
	assert.True(t, resp.ContextUsed)
}

func TestAnswer_NoPassages(t *testing.T) {
	answer := "Here is a general answer drawn from what the assistant knows."
	f := newFixture(&mockLLM{answer: answer}, &stubEmbedder{vec: []float32{0.1}}, nil)

	resp, err := f.pipeline.Answer(context.Background(), askRequest())
	require.NoError(t, err)

	assert.False(t, resp.ContextUsed)
	assert.Equal(t, 0, resp.SourcesCount)
	assert.Equal(t, 0.0, resp.ConfidenceScore)
}

func TestAnswer_PreservesConversationID(t *testing.T) {
	f := newFixture(&mockLLM{answer: "Refunds take five business days to complete."},
		&stubEmbedder{vec: []float32{0.1}}, testPassages())

	req := askRequest()
	req.ConversationID = "0d4f6a1e-9b0e-4f3a-8c6d-2f1e3a5b7c9d"

	resp, err := f.pipeline.Answer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0d4f6a1e-9b0e-4f3a-8c6d-2f1e3a5b7c9d", resp.ConversationID)
}

// =============================================================================
// Streaming Answer
// =============================================================================

func TestAnswerStream_EventOrdering(t *testing.T) {
	answer := "Refunds are processed within five business days of the request."
	f := newFixture(&mockLLM{answer: answer}, &stubEmbedder{vec: []float32{0.1}}, testPassages())

	events := collect(f.pipeline.AnswerStream(context.Background(), askRequest(), observability.EndpointChatStream))
	require.NotEmpty(t, events)

	// Early metadata arrives before any token.
	first := events[0]
	require.Equal(t, datatypes.EventMetadata, first.Type)
	require.NotNil(t, first.Metadata)
	assert.False(t, first.Metadata.Final)
	assert.NotEmpty(t, first.Metadata.ConversationID)
	assert.Equal(t, 2, first.Metadata.SourcesCount)

	// A status event announces generation between metadata and the tokens.
	statusAt, firstTokenAt := -1, -1
	for i, e := range events {
		if statusAt == -1 && e.Type == datatypes.EventStatus {
			statusAt = i
			assert.NotEmpty(t, e.Message)
		}
		if firstTokenAt == -1 && e.Type == datatypes.EventToken {
			firstTokenAt = i
		}
	}
	require.GreaterOrEqual(t, statusAt, 1)
	require.GreaterOrEqual(t, firstTokenAt, 0)
	assert.Less(t, statusAt, firstTokenAt)

	// Exactly one done event, and it is last.
	doneCount := 0
	for _, e := range events {
		if e.Type == datatypes.EventDone {
			doneCount++
		}
	}
	assert.Equal(t, 1, doneCount)
	last := events[len(events)-1]
	require.Equal(t, datatypes.EventDone, last.Type)
	require.NotNil(t, last.Done)
	assert.False(t, last.Done.FallbackUsed)

	// The final metadata event carries the sentiment and timing.
	finalMeta := events[len(events)-2]
	require.Equal(t, datatypes.EventMetadata, finalMeta.Type)
	assert.True(t, finalMeta.Metadata.Final)
	assert.Equal(t, "positive", finalMeta.Metadata.SentimentLabel)

	// Token fragments reassemble to the full answer.
	assert.Equal(t, answer, tokensOf(events))

	tokenEvents := 0
	for _, e := range events {
		if e.Type == datatypes.EventToken {
			tokenEvents++
		}
	}
	assert.Equal(t, tokenEvents, last.Done.TotalTokens)
}

func TestAnswerStream_FallbackBeforeReplacementTokens(t *testing.T) {
	f := newFixture(&mockLLM{answer: "I don't know anything about that topic, sorry."},
		&stubEmbedder{vec: []float32{0.1}}, testPassages())

	events := collect(f.pipeline.AnswerStream(context.Background(), askRequest(), observability.EndpointChatStream))

	fallbackAt := -1
	for i, e := range events {
		if e.Type == datatypes.EventFallback {
			fallbackAt = i
			require.NotNil(t, e.Fallback)
			assert.Equal(t, datatypes.StrategyRelatedInformation, e.Fallback.StrategyType)
		}
	}
	require.GreaterOrEqual(t, fallbackAt, 0, "expected a fallback_strategy event")

	// Replacement content follows the fallback event as ordinary tokens.
	var replacement strings.Builder
	for _, e := range events[fallbackAt+1:] {
		if e.Type == datatypes.EventToken {
			replacement.WriteString(e.Content)
		}
	}
	assert.Contains(t, replacement.String(), "See: refunds.md")

	last := events[len(events)-1]
	require.Equal(t, datatypes.EventDone, last.Type)
	assert.True(t, last.Done.FallbackUsed)

	// The persisted answer is the replacement, not the rejected draft.
	saved, ok := f.store.lastSaved()
	require.True(t, ok)
	assert.Contains(t, saved.answer, "See: refunds.md")
}

func TestAnswerStream_RetrievalFailureEmitsErrorThenDone(t *testing.T) {
	f := newFixture(&mockLLM{answer: "unused"},
		&stubEmbedder{err: &retrieval.DimensionMismatchError{Want: 768, Got: 3}}, testPassages())

	events := collect(f.pipeline.AnswerStream(context.Background(), askRequest(), observability.EndpointChatStream))

	require.Len(t, events, 2)
	assert.Equal(t, datatypes.EventError, events[0].Type)
	assert.Equal(t, datatypes.EventDone, events[1].Type)
}

// cancelingStreamLLM emits one fragment, then cancels the request context to
// simulate a client disconnect mid-stream.
type cancelingStreamLLM struct {
	mockLLM
	cancel context.CancelFunc
}

func (c *cancelingStreamLLM) GenerateStream(ctx context.Context, prompt string, params llm.GenerationParams, callback llm.StreamCallback) error {
	if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: "partial answer text"}); err != nil {
		return err
	}
	c.cancel()
	<-ctx.Done()
	return ctx.Err()
}

func TestAnswerStream_DisconnectPersistsPartialAnswer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &cancelingStreamLLM{cancel: cancel}
	f := newFixture(client, &stubEmbedder{vec: []float32{0.1}}, testPassages())

	events := collect(f.pipeline.AnswerStream(ctx, askRequest(), observability.EndpointChatStream))

	for _, e := range events {
		assert.NotEqual(t, datatypes.EventDone, e.Type, "disconnected stream must not emit done")
	}

	require.Eventually(t, func() bool {
		saved, ok := f.store.lastSaved()
		return ok && saved.answer == "partial answer text"
	}, 2*time.Second, 10*time.Millisecond)
}
