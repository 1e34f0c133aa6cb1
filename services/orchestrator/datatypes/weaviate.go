// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName("Passage").Do(ctx)
//	if err != nil { ... }
//
//	parsed, err := ParseGraphQLResponse[PassageQueryResponse](resp)
//	if err != nil { ... }
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response shape.
//   - Type mismatches result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Common Weaviate Response Types
// =============================================================================

// PassageQueryResponse represents the response from querying the Passage class.
type PassageQueryResponse struct {
	Get struct {
		Passage []PassageResult `json:"Passage"`
	} `json:"Get"`
}

// PassageResult is a single passage hit. Certainty is Weaviate's normalized
// similarity in [0,1]; it is requested instead of distance, which varies
// with the index metric.
type PassageResult struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	BotID      string `json:"bot_id"`
	Additional struct {
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

// ChatMemoryQueryResponse represents the response from querying the
// ChatMemory class.
type ChatMemoryQueryResponse struct {
	Get struct {
		ChatMemory []ChatMemoryResult `json:"ChatMemory"`
	} `json:"Get"`
}

// ChatMemoryResult is a single stored conversation turn.
type ChatMemoryResult struct {
	BotID          string `json:"bot_id"`
	ConversationID string `json:"conversation_id"`
	Question       string `json:"question"`
	Answer         string `json:"answer"`
	Timestamp      int64  `json:"timestamp"`
}
