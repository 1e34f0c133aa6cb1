// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the answer pipeline: response generation,
// quality gating, fallback strategy construction, and the orchestrator that
// sequences them for batch and streaming callers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/headlandai/beacon/services/llm"
	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("beacon.orchestrator.pipeline")

// =============================================================================
// Outcomes
// =============================================================================

// Outcome classifies how an answer was produced. Degraded mode is a designed
// branch, not an error: callers can test and log it without unwrapping
// exceptions.
type Outcome int

const (
	// OutcomeOK means the model produced the answer.
	OutcomeOK Outcome = iota
	// OutcomeDegraded means the model was unavailable and the answer came
	// from the context template.
	OutcomeDegraded
)

// =============================================================================
// GenerationRequest
// =============================================================================

// GenerationRequest carries everything the generator needs for one call.
// Built fresh per request; never mutated after dispatch.
type GenerationRequest struct {
	Question          string
	Context           datatypes.AssembledContext
	SystemInstruction string
	MemorySnippet     string
}

// =============================================================================
// Generator
// =============================================================================

// GeneratorConfig holds retry and streaming-emulation settings.
type GeneratorConfig struct {
	// MaxRetries caps retry attempts for transient model failures.
	MaxRetries int
	// BaseDelay is the first retry delay; it doubles per attempt.
	BaseDelay time.Duration
	// ChunkSize is the fragment size (in bytes) used when emulating
	// streaming over a batch-only backend. Fragments never split a
	// multibyte rune, so actual sizes may come in slightly under.
	ChunkSize int
	// ChunkDelay is the pacing delay between emulated fragments. This is
	// UX pacing, not backpressure; tests set it to zero.
	ChunkDelay time.Duration
}

// DefaultGeneratorConfig returns the production defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		ChunkSize:  24,
		ChunkDelay: 30 * time.Millisecond,
	}
}

// Generator invokes the LLM backend in batch or streaming mode.
//
// # Description
//
// Batch mode retries transient failures with exponential backoff; when all
// attempts fail it returns a deterministic templated answer derived from the
// assembled context instead of surfacing a provider error. Streaming mode
// forwards native fragments when the backend supports them and otherwise
// emulates streaming by generating once and re-chunking; the caller-facing
// contract is identical either way.
//
// # Thread Safety
//
// Safe for concurrent use; all fields are read-only after construction.
type Generator struct {
	client llm.LLMClient
	cfg    GeneratorConfig
}

// NewGenerator creates a Generator over the given backend.
func NewGenerator(client llm.LLMClient, cfg GeneratorConfig) *Generator {
	return &Generator{client: client, cfg: cfg}
}

// Generate produces a complete answer in one call.
//
// # Outputs
//
//   - string: The answer text, from the model or the degraded template.
//   - Outcome: OutcomeOK or OutcomeDegraded.
//   - error: Non-nil only for context cancellation; model failures are
//     absorbed into the degraded outcome.
func (g *Generator) Generate(ctx context.Context, req GenerationRequest) (string, Outcome, error) {
	ctx, span := tracer.Start(ctx, "Generator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("generate.context_chars", req.Context.CharacterLength),
		attribute.Bool("generate.has_memory", req.MemorySnippet != ""),
	)

	prompt := BuildPrompt(req)

	answer, err := g.generateWithRetry(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation canceled")
			return "", OutcomeOK, err
		}
		span.AddEvent("generation_degraded")
		slog.Warn("Model generation exhausted retries, using templated answer", "error", err)
		return TemplateAnswer(req.Question, req.Context), OutcomeDegraded, nil
	}
	return answer, OutcomeOK, nil
}

// GenerateStream produces the answer as a sequence of fragments delivered to
// callback in generation order, and returns the accumulated full text for
// downstream analysis.
func (g *Generator) GenerateStream(ctx context.Context, req GenerationRequest, callback llm.StreamCallback) (string, Outcome, error) {
	ctx, span := tracer.Start(ctx, "Generator.GenerateStream")
	defer span.End()

	prompt := BuildPrompt(req)

	if streamer, ok := g.client.(llm.StreamingClient); ok {
		var full strings.Builder
		err := streamer.GenerateStream(ctx, prompt, g.params(), func(event llm.StreamEvent) error {
			if event.Type == llm.StreamEventToken {
				full.WriteString(event.Content)
			}
			return callback(event)
		})
		if err == nil {
			span.SetAttributes(attribute.Bool("generate.native_stream", true))
			return full.String(), OutcomeOK, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			span.RecordError(err)
			return full.String(), OutcomeOK, err
		}
		// Callback aborts (client disconnect) propagate with whatever was
		// accumulated so the partial answer can still be persisted.
		if full.Len() > 0 {
			span.RecordError(err)
			return full.String(), OutcomeOK, err
		}
		slog.Warn("Native streaming failed before first fragment, falling back to emulation", "error", err)
	}

	answer, outcome, err := g.Generate(ctx, req)
	if err != nil {
		return "", outcome, err
	}
	if err := g.emitChunks(ctx, answer, callback); err != nil {
		return answer, outcome, err
	}
	return answer, outcome, nil
}

// emitChunks re-chunks a complete answer into fixed-size fragments with the
// configured pacing delay, then signals completion. Cuts always land on rune
// boundaries: each fragment is JSON-encoded on its own by the transport sink,
// and a rune split across two fragments would decode as U+FFFD on both sides.
func (g *Generator) emitChunks(ctx context.Context, answer string, callback llm.StreamCallback) error {
	size := g.cfg.ChunkSize
	if size <= 0 {
		size = 24
	}

	for start := 0; start < len(answer); {
		end := start + size
		if end >= len(answer) {
			end = len(answer)
		} else {
			for end > start && !utf8.RuneStart(answer[end]) {
				end--
			}
			if end == start {
				// A rune wider than the chunk size is emitted whole.
				_, width := utf8.DecodeRuneInString(answer[start:])
				end = start + width
			}
		}
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: answer[start:end]}); err != nil {
			return err
		}
		if g.cfg.ChunkDelay > 0 && end < len(answer) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.cfg.ChunkDelay):
			}
		}
		start = end
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

// generateWithRetry runs the batch model call with exponential backoff.
func (g *Generator) generateWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	delay := g.cfg.BaseDelay

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Info("Retrying model generation", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		answer, err := g.client.Generate(ctx, prompt, g.params())
		if err == nil {
			return answer, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", g.cfg.MaxRetries+1, lastErr)
}

func (g *Generator) params() llm.GenerationParams {
	temp := float32(0.2)
	return llm.GenerationParams{Temperature: &temp}
}

// =============================================================================
// Prompt Construction
// =============================================================================

const defaultSystemInstruction = "You are a helpful support assistant. Answer using only the provided context. If the context does not contain the answer, say so briefly."

const noContextInstruction = "You are a helpful support assistant. No reference material is available for this question, so answer from general knowledge and do not invent citations or sources."

// BuildPrompt renders the full prompt for one generation call. An empty
// context uses a distinct prompt shape so the model is not asked to cite
// source material that does not exist.
func BuildPrompt(req GenerationRequest) string {
	var b strings.Builder

	system := req.SystemInstruction
	if system == "" {
		if req.Context.Empty() {
			system = noContextInstruction
		} else {
			system = defaultSystemInstruction
		}
	}
	b.WriteString(system)
	b.WriteString("\n\n")

	if !req.Context.Empty() {
		b.WriteString("Context:\n")
		b.WriteString(req.Context.Text)
		b.WriteString("\n\n")
	}

	if req.MemorySnippet != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(req.MemorySnippet)
		b.WriteString("\n\n")
	}

	b.WriteString("Question: ")
	b.WriteString(req.Question)
	b.WriteString("\nAnswer:")
	return b.String()
}

// =============================================================================
// Degraded Template
// =============================================================================

// templateSections maps question keywords to canned answer openers used when
// the model is unreachable. Matching is deterministic: first matching
// section in declaration order wins.
var templateSections = []struct {
	keywords []string
	opener   string
}{
	{[]string{"price", "pricing", "cost", "plan"}, "Here is what our documentation says about pricing:"},
	{[]string{"refund", "cancel", "return"}, "Here is what our documentation says about refunds and cancellations:"},
	{[]string{"support", "help", "contact"}, "Here is what our documentation says about getting support:"},
	{[]string{"integrat", "api", "connect"}, "Here is what our documentation says about integrations:"},
}

const templateFallbackOpener = "I could not reach the answer service, but here is the most relevant material I found:"

const templateNoContext = "I'm sorry, I couldn't process your question right now. Please try again in a moment, or ask to speak with a member of our team."

// TemplateAnswer builds the deterministic degraded-mode answer from the
// assembled context. With no context it returns a fixed apology.
func TemplateAnswer(question string, assembled datatypes.AssembledContext) string {
	if assembled.Empty() {
		return templateNoContext
	}

	opener := templateFallbackOpener
	lower := strings.ToLower(question)
	for _, section := range templateSections {
		for _, kw := range section.keywords {
			if strings.Contains(lower, kw) {
				opener = section.opener
				break
			}
		}
		if opener != templateFallbackOpener {
			break
		}
	}

	excerpt := assembled.Text
	const maxExcerpt = 1200
	if len(excerpt) > maxExcerpt {
		cut := maxExcerpt
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut]
	}
	return opener + "\n\n" + excerpt
}
