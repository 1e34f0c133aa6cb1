// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains request and response types for the chat endpoints.
// Retrieval and fallback types live in rag.go, stream events in stream.go.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a user message.
	// Byte length, not rune count, to bound memory for hostile payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the MaxMessageContentBytes limit on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// Message represents a single chat message exchanged with an LLM backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// Request Types
// =============================================================================

// AskRequest represents a chat question against a bot's knowledge base.
//
// # Description
//
// AskRequest is the body for both POST /v1/chat and POST /v1/chat/stream.
// The same request shape drives the batch and streaming paths.
//
// # Fields
//
//   - Message: Required. The user's question. Limited to 32KB.
//   - BotID: Required. Tenant/bot scope for retrieval and memory.
//   - ConversationID: Optional. Existing conversation to continue; a new
//     one is generated when empty.
//   - ImageRef: Optional. Reference to an already-uploaded image. Vision
//     analysis is handled by an external collaborator; the pipeline only
//     carries the reference through.
//   - Timestamp: Optional. Unix milliseconds (UTC); stamped server-side
//     when zero.
//
// # Validation
//
//   - Message: required, max 32768 bytes
//   - BotID: required
//   - ConversationID: uuid4 when present
type AskRequest struct {
	Message        string `json:"message" validate:"required,maxbytes"`
	BotID          string `json:"bot_id" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"omitempty,uuid4"`
	ImageRef       string `json:"image_ref,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Validate checks the request against its validation tags.
func (r *AskRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid ask request: %w", err)
	}
	return nil
}

// EnsureDefaults stamps the timestamp when the client omitted it.
func (r *AskRequest) EnsureDefaults() {
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// EnsureConversationID returns the conversation id, generating one if the
// request did not carry one. The request is updated in place so downstream
// steps see a stable id.
func (r *AskRequest) EnsureConversationID() string {
	if r.ConversationID == "" {
		r.ConversationID = uuid.New().String()
	}
	return r.ConversationID
}

// =============================================================================
// Response Types
// =============================================================================

// AskResponse is the batch (non-streaming) chat response.
//
// # Fields
//
//   - Answer: The generated (or fallback/degraded) answer text. Always
//     non-empty; failures are expressed through content, not protocol errors.
//   - Sentiment / SentimentScore: Output of the external sentiment
//     classifier; "neutral"/0 when the classifier is unavailable.
//   - Intent: Detected intent label, "unknown" when unavailable.
//   - ConversationID: Conversation identity for follow-up turns.
//   - ContextUsed: Whether any retrieved passages backed the answer.
//   - SourcesCount: Number of passages that survived the score threshold.
//   - ConfidenceScore: Top retrieval similarity score in [0,1]; 0 when
//     retrieval was empty.
//   - FallbackUsed: Whether the quality gate replaced the raw answer.
type AskResponse struct {
	Answer          string  `json:"answer"`
	Sentiment       string  `json:"sentiment"`
	SentimentScore  float64 `json:"sentiment_score"`
	Intent          string  `json:"intent,omitempty"`
	ConversationID  string  `json:"conversation_id"`
	ContextUsed     bool    `json:"context_used"`
	SourcesCount    int     `json:"sources_count"`
	ConfidenceScore float64 `json:"confidence_score"`
	FallbackUsed    bool    `json:"fallback_used"`
}
