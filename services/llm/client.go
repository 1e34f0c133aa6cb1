// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEvent is a single fragment produced by a streaming backend.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventDone  StreamEventType = "done"
)

// StreamCallback receives fragments in generation order. Returning a non-nil
// error aborts the stream.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// StreamingClient is implemented by backends that can deliver output
// incrementally. Backends without it get their output re-chunked by the
// response generator, so callers see the same fragment contract either way.
type StreamingClient interface {
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, callback StreamCallback) error
}
