// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Stream Event Types
// =============================================================================

// Event type values. A stream carries at most one terminal event (done, or
// error followed by a best-effort done), always last.
const (
	EventMetadata = "metadata"
	EventToken    = "token"
	EventFallback = "fallback_strategy"
	EventDone     = "done"
	EventError    = "error"
	EventStatus   = "status"
)

// StreamEvent is a tagged event in the outbound stream.
//
// # Description
//
// Exactly one of the content fields is populated, according to Type.
// The writer stamps Id, CreatedAt, Index and TotalChars on emission so a
// client can reassemble and order the full text without relying on
// transport framing.
//
// # Fields
//
//   - Type: One of the Event* constants.
//   - Id: UUID v4 assigned at write time.
//   - CreatedAt: Unix milliseconds at write time.
//   - Index: 0-based position of this event within the stream.
//   - TotalChars: Running total of token content characters written so far,
//     including this event.
//   - Content: Token fragment text (EventToken).
//   - Message: Human-readable text (EventStatus).
//   - Error: Sanitized failure description (EventError).
//   - Metadata: Conversation identity and end-of-stream metrics
//     (EventMetadata).
//   - Fallback: The substitute strategy (EventFallback).
//   - Done: Completion summary (EventDone).
type StreamEvent struct {
	Type       string            `json:"type"`
	Id         string            `json:"id,omitempty"`
	CreatedAt  int64             `json:"created_at,omitempty"`
	Index      int               `json:"index"`
	TotalChars int               `json:"total_chars"`
	Content    string            `json:"content,omitempty"`
	Message    string            `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   *StreamMetadata   `json:"metadata,omitempty"`
	Fallback   *FallbackStrategy `json:"fallback,omitempty"`
	Done       *StreamDone       `json:"done,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// StreamMetadata is emitted once before the first token so the client can
// persist the conversation id even if generation fails later, and again at
// the end with full metrics.
type StreamMetadata struct {
	ConversationID  string  `json:"conversation_id"`
	SentimentLabel  string  `json:"sentiment_label,omitempty"`
	Timestamp       int64   `json:"timestamp"`
	SourcesCount    int     `json:"sources_count,omitempty"`
	ConfidenceScore float64 `json:"confidence_score,omitempty"`
	RetrievalMs     int64   `json:"retrieval_ms,omitempty"`
	GenerationMs    int64   `json:"generation_ms,omitempty"`
	Final           bool    `json:"final,omitempty"`
}

// StreamDone is the completion summary carried by the final event.
type StreamDone struct {
	ConversationID string `json:"conversation_id"`
	TotalTokens    int    `json:"total_tokens"`
	FallbackUsed   bool   `json:"fallback_used"`
}
