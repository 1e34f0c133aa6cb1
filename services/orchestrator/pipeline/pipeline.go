// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/headlandai/beacon/services/llm"
	"github.com/headlandai/beacon/services/orchestrator/analysis"
	"github.com/headlandai/beacon/services/orchestrator/datatypes"
	"github.com/headlandai/beacon/services/orchestrator/memory"
	"github.com/headlandai/beacon/services/orchestrator/observability"
	"github.com/headlandai/beacon/services/orchestrator/retrieval"
)

// =============================================================================
// Pipeline
// =============================================================================

// Config holds the pipeline's tuning knobs. Values come from the service
// configuration; see DefaultConfig for production defaults.
type Config struct {
	// TopK is how many passages to request from the vector store.
	TopK int
	// MinScore is the similarity threshold below which passages are dropped.
	MinScore float64
	// HistoryTurns is how many past turns to load into the prompt.
	HistoryTurns int
	// StreamBuffer is the event channel capacity for streaming answers.
	StreamBuffer int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TopK:         4,
		MinScore:     0.2,
		HistoryTurns: memory.DefaultHistoryTurns,
		StreamBuffer: 32,
	}
}

// Pipeline sequences the full question-to-answer flow.
//
// # Description
//
// One Pipeline serves both the batch and streaming endpoints. The flow is
// embed, retrieve, assemble, generate, gate, and fallback; sentiment and
// intent classification run concurrently with generation because neither
// influences the answer. Every stage degrades rather than fails, with one
// exception: an embedding dimension mismatch aborts the request, because a
// wrong-dimension vector would corrupt every similarity score downstream.
//
// # Thread Safety
//
// Safe for concurrent use; all collaborators are injected at construction
// and never mutated.
type Pipeline struct {
	embedder  retrieval.Embedder
	retriever retrieval.Retriever
	assembler *retrieval.ContextAssembler
	generator *Generator
	gate      QualityGate
	fallback  *FallbackEngine
	store     memory.Store
	sentiment analysis.SentimentClassifier
	intent    analysis.IntentDetector
	metrics   *observability.PipelineMetrics
	cfg       Config
}

// New creates a Pipeline. All collaborators are required except metrics,
// which may be nil (the CLI and tests run without a registry).
func New(
	embedder retrieval.Embedder,
	retriever retrieval.Retriever,
	assembler *retrieval.ContextAssembler,
	generator *Generator,
	gate QualityGate,
	fallback *FallbackEngine,
	store memory.Store,
	sentiment analysis.SentimentClassifier,
	intent analysis.IntentDetector,
	metrics *observability.PipelineMetrics,
	cfg Config,
) *Pipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultConfig().StreamBuffer
	}
	return &Pipeline{
		embedder:  embedder,
		retriever: retriever,
		assembler: assembler,
		generator: generator,
		gate:      gate,
		fallback:  fallback,
		store:     store,
		sentiment: sentiment,
		intent:    intent,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// =============================================================================
// Shared Stages
// =============================================================================

// retrievalResult carries the output of the retrieval phase.
type retrievalResult struct {
	passages  []datatypes.RetrievedPassage
	assembled datatypes.AssembledContext
	elapsed   time.Duration
}

// confidence is the top similarity score, 0 when nothing was retrieved.
func (r retrievalResult) confidence() float64 {
	if len(r.passages) == 0 {
		return 0
	}
	return r.passages[0].Score
}

// retrieve runs embed + search + assemble.
//
// Embedding failures other than a dimension mismatch degrade to a nil
// vector; the retriever then falls through to its server-side nearText path.
// A dimension mismatch is returned as a fatal error.
func (p *Pipeline) retrieve(ctx context.Context, question, botID string, endpoint observability.Endpoint) (retrievalResult, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.retrieve")
	defer span.End()
	start := time.Now()

	vector, err := p.embedder.Embed(ctx, question)
	if err != nil {
		if retrieval.IsDimensionMismatch(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dimension mismatch")
			return retrievalResult{}, err
		}
		slog.Warn("Query embedding failed, degrading to server-side search",
			"error", err,
			"botID", botID,
		)
		span.AddEvent("embedding_degraded")
		vector = nil
	}

	passages := p.retriever.Retrieve(ctx, vector, question, botID, p.cfg.TopK, p.cfg.MinScore)
	assembled := p.assembler.Assemble(passages)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.Int("retrieve.passages", len(passages)),
		attribute.Int("retrieve.context_chars", assembled.CharacterLength),
	)
	p.metrics.RecordRetrieval(endpoint, elapsed.Seconds(), len(passages))
	return retrievalResult{passages: passages, assembled: assembled, elapsed: elapsed}, nil
}

// classify runs sentiment and intent concurrently. Both are advisory;
// failures log and fall back to neutral values so the answer is unaffected.
func (p *Pipeline) classify(ctx context.Context, text string) (analysis.Sentiment, string) {
	sentiment := analysis.Sentiment{Label: "neutral"}
	intent := "unknown"

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := p.sentiment.Classify(gctx, text)
		if err != nil {
			slog.Warn("Sentiment classification failed", "error", err)
			return nil
		}
		sentiment = s
		return nil
	})
	g.Go(func() error {
		i, err := p.intent.Detect(gctx, text)
		if err != nil {
			slog.Warn("Intent detection failed", "error", err)
			return nil
		}
		intent = i
		return nil
	})
	_ = g.Wait()
	return sentiment, intent
}

// persistTurn saves the exchange detached from the request context, so a
// client disconnect after generation does not lose the turn.
func (p *Pipeline) persistTurn(ctx context.Context, botID, conversationID, question, answer string) {
	if answer == "" {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.Save(saveCtx, botID, conversationID, question, answer); err != nil {
		slog.Warn("Failed to persist conversation turn",
			"error", err,
			"conversationID", conversationID,
		)
	}
}

// loadHistory fetches recent turns, degrading to an empty snippet on error.
func (p *Pipeline) loadHistory(ctx context.Context, botID, conversationID string) string {
	turns, err := p.store.Load(ctx, botID, conversationID, p.cfg.HistoryTurns)
	if err != nil {
		slog.Warn("Failed to load conversation history, continuing stateless",
			"error", err,
			"conversationID", conversationID,
		)
		return ""
	}
	return memory.RenderSnippet(turns)
}

// renderFallbackText flattens a fallback strategy into plain answer text for
// the batch response, where there is no separate event to carry structure.
func renderFallbackText(fb datatypes.FallbackStrategy) string {
	var b strings.Builder
	b.WriteString(fb.Content)
	for _, s := range fb.AlternativeSuggestions {
		b.WriteString("\n- ")
		b.WriteString(s)
	}
	return b.String()
}

// =============================================================================
// Batch Answer
// =============================================================================

// Answer handles one batch chat request.
//
// # Outputs
//
//   - *datatypes.AskResponse: Always populated on nil error; failures along
//     the pipeline surface as fallback or degraded content, not errors.
//   - error: Non-nil only for a dimension mismatch or context cancellation.
func (p *Pipeline) Answer(ctx context.Context, req *datatypes.AskRequest) (*datatypes.AskResponse, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Answer")
	defer span.End()

	req.EnsureDefaults()
	conversationID := req.EnsureConversationID()
	span.SetAttributes(
		attribute.String("chat.bot_id", req.BotID),
		attribute.String("chat.conversation_id", conversationID),
	)

	ret, err := p.retrieve(ctx, req.Message, req.BotID, observability.EndpointChat)
	if err != nil {
		p.metrics.RecordRequest(observability.EndpointChat, "error")
		return nil, fmt.Errorf("retrieval aborted: %w", err)
	}

	history := p.loadHistory(ctx, req.BotID, conversationID)

	// Classifiers run while the model generates; neither depends on the other.
	type classification struct {
		sentiment analysis.Sentiment
		intent    string
	}
	classCh := make(chan classification, 1)
	go func() {
		s, i := p.classify(ctx, req.Message)
		classCh <- classification{sentiment: s, intent: i}
	}()

	genStart := time.Now()
	answer, outcome, err := p.generator.Generate(ctx, GenerationRequest{
		Question:      req.Message,
		Context:       ret.assembled,
		MemorySnippet: history,
	})
	if err != nil {
		p.metrics.RecordRequest(observability.EndpointChat, "error")
		return nil, err
	}
	p.metrics.RecordGeneration(observability.EndpointChat, time.Since(genStart).Seconds(), outcome == OutcomeDegraded)

	fallbackUsed := false
	if outcome == OutcomeOK && !p.gate.Acceptable(answer) {
		fb := p.fallback.BuildRejected(req.Message, ret.passages)
		slog.Info("Answer rejected by quality gate",
			"strategy", fb.StrategyType,
			"conversationID", conversationID,
		)
		span.AddEvent("fallback_applied")
		answer = renderFallbackText(fb)
		fallbackUsed = true
		p.metrics.RecordFallback(fb.StrategyType)
	}

	cls := <-classCh

	p.persistTurn(ctx, req.BotID, conversationID, req.Message, answer)

	status := "success"
	if fallbackUsed {
		status = "fallback"
	}
	p.metrics.RecordRequest(observability.EndpointChat, status)

	return &datatypes.AskResponse{
		Answer:          answer,
		Sentiment:       cls.sentiment.Label,
		SentimentScore:  cls.sentiment.Score,
		Intent:          cls.intent,
		ConversationID:  conversationID,
		ContextUsed:     !ret.assembled.Empty(),
		SourcesCount:    len(ret.passages),
		ConfidenceScore: ret.confidence(),
		FallbackUsed:    fallbackUsed,
	}, nil
}

// =============================================================================
// Streaming Answer
// =============================================================================

// AnswerStream handles one streaming chat request.
//
// # Description
//
// Returns a channel of stream events, closed when the stream ends. The
// event sequence is:
//
//  1. metadata, emitted before the first token so the client can persist
//     the conversation id even if generation fails later
//  2. a status event announcing generation
//  3. zero or more token fragments
//  4. on quality-gate rejection: one fallback_strategy event, then the
//     replacement content as token fragments
//  5. a final metadata event with timing metrics
//  6. exactly one done event (preceded by an error event when the stream
//     failed)
//
// The producer goroutine stops promptly when ctx is canceled; the partial
// answer is still persisted to memory.
func (p *Pipeline) AnswerStream(ctx context.Context, req *datatypes.AskRequest, endpoint observability.Endpoint) <-chan datatypes.StreamEvent {
	events := make(chan datatypes.StreamEvent, p.cfg.StreamBuffer)
	go p.runStream(ctx, req, endpoint, events)
	return events
}

// runStream is the stream producer. It owns the events channel and closes it.
func (p *Pipeline) runStream(ctx context.Context, req *datatypes.AskRequest, endpoint observability.Endpoint, events chan<- datatypes.StreamEvent) {
	defer close(events)

	ctx, span := tracer.Start(ctx, "Pipeline.AnswerStream")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stream pipeline panicked", "panic", r)
			span.SetStatus(codes.Error, "panic")
			fb := p.fallback.BuildEmergency()
			p.metrics.RecordFallback(fb.StrategyType)
			p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventFallback, Fallback: &fb})
			p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventError, Error: "internal error"})
			p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventDone, Done: &datatypes.StreamDone{
				ConversationID: req.ConversationID,
				FallbackUsed:   true,
			}})
		}
	}()

	req.EnsureDefaults()
	conversationID := req.EnsureConversationID()
	span.SetAttributes(
		attribute.String("chat.bot_id", req.BotID),
		attribute.String("chat.conversation_id", conversationID),
	)

	ret, err := p.retrieve(ctx, req.Message, req.BotID, endpoint)
	if err != nil {
		p.metrics.RecordRequest(endpoint, "error")
		p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventError, Error: "retrieval failed"})
		p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventDone, Done: &datatypes.StreamDone{ConversationID: conversationID}})
		return
	}

	// Early metadata: the client learns the conversation id and retrieval
	// stats before any token arrives.
	if !p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventMetadata, Metadata: &datatypes.StreamMetadata{
		ConversationID:  conversationID,
		Timestamp:       time.Now().UnixMilli(),
		SourcesCount:    len(ret.passages),
		ConfidenceScore: ret.confidence(),
		RetrievalMs:     ret.elapsed.Milliseconds(),
	}}) {
		return
	}

	history := p.loadHistory(ctx, req.BotID, conversationID)

	type classification struct {
		sentiment analysis.Sentiment
		intent    string
	}
	classCh := make(chan classification, 1)
	go func() {
		s, i := p.classify(ctx, req.Message)
		classCh <- classification{sentiment: s, intent: i}
	}()

	// Generation is the long pole; tell the client something is happening.
	if !p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventStatus, Message: "Generating answer"}) {
		return
	}

	genStart := time.Now()
	tokenCount := 0
	answer, outcome, genErr := p.generator.GenerateStream(ctx, GenerationRequest{
		Question:      req.Message,
		Context:       ret.assembled,
		MemorySnippet: history,
	}, func(event llm.StreamEvent) error {
		if event.Type != llm.StreamEventToken || event.Content == "" {
			return nil
		}
		if !p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventToken, Content: event.Content}) {
			return ctx.Err()
		}
		tokenCount++
		p.metrics.RecordFragment(endpoint)
		return nil
	})
	generationMs := time.Since(genStart).Milliseconds()
	p.metrics.RecordGeneration(endpoint, time.Since(genStart).Seconds(), outcome == OutcomeDegraded)

	if genErr != nil {
		// Disconnect or cancellation. The channel consumer is gone; persist
		// whatever was generated and stop quietly.
		if ctx.Err() != nil {
			p.metrics.RecordClientDisconnect(endpoint)
			p.persistTurn(ctx, req.BotID, conversationID, req.Message, answer)
			<-classCh
			return
		}
		span.RecordError(genErr)
		p.metrics.RecordRequest(endpoint, "error")
		p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventError, Error: "generation failed"})
		p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventDone, Done: &datatypes.StreamDone{ConversationID: conversationID}})
		<-classCh
		return
	}

	fallbackUsed := false
	if outcome == OutcomeOK && !p.gate.Acceptable(answer) {
		fb := p.fallback.BuildRejected(req.Message, ret.passages)
		slog.Info("Streamed answer rejected by quality gate",
			"strategy", fb.StrategyType,
			"conversationID", conversationID,
		)
		fallbackUsed = true
		p.metrics.RecordFallback(fb.StrategyType)

		// The fallback event instructs the client to discard tokens received
		// so far; the replacement text follows as ordinary fragments.
		if !p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventFallback, Fallback: &fb}) {
			return
		}
		answer = renderFallbackText(fb)
		if !p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventToken, Content: answer}) {
			return
		}
		tokenCount++
	}

	cls := <-classCh

	p.persistTurn(ctx, req.BotID, conversationID, req.Message, answer)

	status := "success"
	if fallbackUsed {
		status = "fallback"
	}
	p.metrics.RecordRequest(endpoint, status)

	p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventMetadata, Metadata: &datatypes.StreamMetadata{
		ConversationID:  conversationID,
		SentimentLabel:  cls.sentiment.Label,
		Timestamp:       time.Now().UnixMilli(),
		SourcesCount:    len(ret.passages),
		ConfidenceScore: ret.confidence(),
		RetrievalMs:     ret.elapsed.Milliseconds(),
		GenerationMs:    generationMs,
		Final:           true,
	}})
	p.emit(ctx, events, datatypes.StreamEvent{Type: datatypes.EventDone, Done: &datatypes.StreamDone{
		ConversationID: conversationID,
		TotalTokens:    tokenCount,
		FallbackUsed:   fallbackUsed,
	}})
}

// emit sends an event unless the consumer has gone away. Returns false when
// the context is done, which producers treat as a stop signal.
func (p *Pipeline) emit(ctx context.Context, events chan<- datatypes.StreamEvent, event datatypes.StreamEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
