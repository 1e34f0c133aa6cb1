// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

// passageClass is the Weaviate class holding ingested document chunks.
// Ingestion is owned by a separate service; this package only reads.
const passageClass = "Passage"

// =============================================================================
// Interfaces
// =============================================================================

// Retriever finds the passages most similar to a query vector within a
// bot's scope.
//
// # Description
//
// Retrieve never returns an error: a failing similarity backend degrades to
// "no context" so the pipeline can still produce an answer. The returned
// slice is sorted descending by score, contains at most k entries, and every
// score is >= minScore.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Retriever interface {
	Retrieve(ctx context.Context, vector []float32, query string, botID string, k int, minScore float64) []datatypes.RetrievedPassage
}

// =============================================================================
// WeaviateRetriever
// =============================================================================

// WeaviateRetriever implements Retriever against a Weaviate vector store.
//
// # Description
//
// The primary path is a nearVector search scoped by bot_id, reading
// certainty (normalized to [0,1]) as the similarity score. If the primary
// path fails, a single secondary attempt runs via nearText, which has
// Weaviate re-embed the raw query server-side — a deliberately independent
// code path from the client-side embedding. Only after both fail does the
// retriever return an empty list.
//
// # Thread Safety
//
// Safe for concurrent use; the Weaviate client pools connections.
type WeaviateRetriever struct {
	client *weaviate.Client
}

// NewWeaviateRetriever creates a retriever backed by the given client.
func NewWeaviateRetriever(client *weaviate.Client) *WeaviateRetriever {
	return &WeaviateRetriever{client: client}
}

// Retrieve implements the Retriever interface.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, vector []float32, query string, botID string, k int, minScore float64) []datatypes.RetrievedPassage {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieve.bot_id", botID),
		attribute.Int("retrieve.k", k),
		attribute.Float64("retrieve.min_score", minScore),
	)

	if r.client == nil {
		slog.Warn("Retriever has no vector store client, returning empty context")
		return nil
	}

	passages, err := r.searchNearVector(ctx, vector, botID, k)
	if err != nil {
		slog.Warn("Primary similarity search failed, trying nearText fallback",
			"error", err,
			"botID", botID,
		)
		span.AddEvent("primary_search_failed")
		passages, err = r.searchNearText(ctx, query, botID, k)
		if err != nil {
			slog.Error("Secondary similarity search failed, degrading to empty context",
				"error", err,
				"botID", botID,
			)
			span.AddEvent("secondary_search_failed")
			return nil
		}
	}

	filtered := FilterByScore(passages, minScore)
	span.SetAttributes(
		attribute.Int("retrieve.raw_count", len(passages)),
		attribute.Int("retrieve.result_count", len(filtered)),
	)
	slog.Debug("Retrieved passages",
		"raw", len(passages),
		"aboveThreshold", len(filtered),
		"botID", botID,
	)
	return filtered
}

// searchNearVector runs the primary vector search.
func (r *WeaviateRetriever) searchNearVector(ctx context.Context, vector []float32, botID string, k int) ([]datatypes.RetrievedPassage, error) {
	nearVector := r.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	result, err := r.client.GraphQL().Get().
		WithClassName(passageClass).
		WithFields(passageFields()...).
		WithWhere(botFilter(botID)).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	return parsePassages(result)
}

// searchNearText is the degraded path: Weaviate re-embeds the raw query
// text itself, bypassing the client-side embedding entirely.
func (r *WeaviateRetriever) searchNearText(ctx context.Context, query string, botID string, k int) ([]datatypes.RetrievedPassage, error) {
	nearText := r.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	result, err := r.client.GraphQL().Get().
		WithClassName(passageClass).
		WithFields(passageFields()...).
		WithWhere(botFilter(botID)).
		WithNearText(nearText).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	return parsePassages(result)
}

func passageFields() []graphql.Field {
	// Certainty is always [0,1] regardless of index metric; distance is not.
	return []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}
}

func botFilter(botID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"bot_id"}).
		WithOperator(filters.Equal).
		WithValueString(botID)
}

// parsePassages converts a GraphQL response into ranked passages. Weaviate
// returns hits ranked by similarity; order is preserved so equal scores keep
// the store's stable ordering.
func parsePassages(result *models.GraphQLResponse) ([]datatypes.RetrievedPassage, error) {
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("similarity search returned errors: %v", result.Errors[0].Message)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.PassageQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse similarity results: %w", err)
	}

	passages := make([]datatypes.RetrievedPassage, 0, len(parsed.Get.Passage))
	for _, hit := range parsed.Get.Passage {
		score := 0.0
		if hit.Additional.Certainty != nil {
			score = *hit.Additional.Certainty
		}
		passages = append(passages, datatypes.RetrievedPassage{
			Content: hit.Content,
			Score:   score,
			Metadata: map[string]string{
				"source": hit.Source,
			},
		})
	}
	return passages, nil
}

// FilterByScore drops passages below minScore, preserving rank order.
// Exposed for the pipeline's fallback engine and for tests.
func FilterByScore(passages []datatypes.RetrievedPassage, minScore float64) []datatypes.RetrievedPassage {
	if len(passages) == 0 {
		return nil
	}
	kept := make([]datatypes.RetrievedPassage, 0, len(passages))
	for _, p := range passages {
		if p.Score >= minScore {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	// The assembler requires descending score order; the store already ranks
	// results, so a stable sort only normalizes malformed responses.
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept
}
