// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory persists and recalls conversation turns so multi-turn
// sessions keep their history across requests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("beacon.orchestrator.memory")

// chatMemoryClass is the Weaviate class storing conversation turns.
const chatMemoryClass = "ChatMemory"

// DefaultHistoryTurns is how many recent turns Load returns by default.
const DefaultHistoryTurns = 6

// =============================================================================
// Interfaces
// =============================================================================

// Turn is one question/answer exchange in a conversation.
type Turn struct {
	Question  string
	Answer    string
	Timestamp int64
}

// Store persists and recalls conversation history.
//
// # Description
//
// Load returns the most recent turns for a conversation, oldest first, so
// callers can render them directly into a prompt. Save records one completed
// turn. Both operations are best-effort from the pipeline's point of view:
// a failing store degrades a session to stateless, it never fails a request.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	Load(ctx context.Context, botID, conversationID string, limit int) ([]Turn, error)
	Save(ctx context.Context, botID, conversationID, question, answer string) error
}

// =============================================================================
// WeaviateStore
// =============================================================================

// WeaviateStore implements Store on the ChatMemory class.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore creates a store backed by the given client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// Load implements the Store interface.
func (s *WeaviateStore) Load(ctx context.Context, botID, conversationID string, limit int) ([]Turn, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Load")
	defer span.End()
	span.SetAttributes(attribute.String("memory.conversation_id", conversationID))

	if limit <= 0 {
		limit = DefaultHistoryTurns
	}

	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		filters.Where().WithPath([]string{"bot_id"}).WithOperator(filters.Equal).WithValueString(botID),
		filters.Where().WithPath([]string{"conversation_id"}).WithOperator(filters.Equal).WithValueString(conversationID),
	})

	// Newest first at the store, so the limit keeps the most recent turns
	// when a conversation has more than limit of them.
	sortBy := graphql.Sort{
		Path:  []string{"timestamp"},
		Order: graphql.Desc,
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(chatMemoryClass).
		WithFields(
			graphql.Field{Name: "question"},
			graphql.Field{Name: "answer"},
			graphql.Field{Name: "timestamp"},
		).
		WithWhere(where).
		WithSort(sortBy).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("history query returned errors: %v", result.Errors[0].Message)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatMemoryQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse conversation history: %w", err)
	}

	turns := make([]Turn, 0, len(parsed.Get.ChatMemory))
	for _, row := range parsed.Get.ChatMemory {
		turns = append(turns, Turn{
			Question:  row.Question,
			Answer:    row.Answer,
			Timestamp: row.Timestamp,
		})
	}
	// The query returns newest first; prompts want oldest first.
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Timestamp < turns[j].Timestamp })
	return turns, nil
}

// Save implements the Store interface.
func (s *WeaviateStore) Save(ctx context.Context, botID, conversationID, question, answer string) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Save")
	defer span.End()
	span.SetAttributes(attribute.String("memory.conversation_id", conversationID))

	_, err := s.client.Data().Creator().
		WithClassName(chatMemoryClass).
		WithProperties(map[string]interface{}{
			"bot_id":          botID,
			"conversation_id": conversationID,
			"question":        question,
			"answer":          answer,
			"timestamp":       time.Now().Unix(),
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to save conversation turn: %w", err)
	}
	return nil
}

// =============================================================================
// Prompt Rendering
// =============================================================================

// RenderSnippet formats turns for prompt inclusion, oldest first.
func RenderSnippet(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("User: ")
		b.WriteString(t.Question)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.Answer)
	}
	return b.String()
}

// =============================================================================
// NoopStore
// =============================================================================

// NoopStore is used when conversation persistence is disabled. Load returns
// nothing and Save discards, so every session is stateless.
type NoopStore struct{}

// NewNoopStore creates a NoopStore.
func NewNoopStore() *NoopStore { return &NoopStore{} }

// Load implements the Store interface.
func (s *NoopStore) Load(ctx context.Context, botID, conversationID string, limit int) ([]Turn, error) {
	return nil, nil
}

// Save implements the Store interface.
func (s *NoopStore) Save(ctx context.Context, botID, conversationID, question, answer string) error {
	slog.Debug("Memory disabled, discarding turn", "conversationID", conversationID)
	return nil
}
