// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis calls the external sentiment and intent services. Both
// classifiers are advisory: their results enrich responses and metrics but
// never change what answer the user receives.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("beacon.orchestrator.analysis")

const classifierTimeout = 5 * time.Second

// =============================================================================
// Interfaces
// =============================================================================

// Sentiment is a classified emotional tone with its confidence.
type Sentiment struct {
	Label string
	Score float64
}

// SentimentClassifier labels the emotional tone of a message.
type SentimentClassifier interface {
	Classify(ctx context.Context, text string) (Sentiment, error)
}

// IntentDetector labels what the user is trying to accomplish.
type IntentDetector interface {
	Detect(ctx context.Context, text string) (string, error)
}

// =============================================================================
// HTTP Clients
// =============================================================================

// HTTPSentiment calls an external sentiment service.
type HTTPSentiment struct {
	httpClient *http.Client
	url        string
}

// NewHTTPSentiment creates a sentiment client for the given service URL.
func NewHTTPSentiment(url string) *HTTPSentiment {
	return &HTTPSentiment{
		httpClient: &http.Client{Timeout: classifierTimeout},
		url:        strings.TrimSuffix(url, "/"),
	}
}

type sentimentResponse struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify implements the SentimentClassifier interface.
func (c *HTTPSentiment) Classify(ctx context.Context, text string) (Sentiment, error) {
	ctx, span := tracer.Start(ctx, "HTTPSentiment.Classify")
	defer span.End()

	var parsed sentimentResponse
	if err := postJSON(ctx, c.httpClient, c.url, text, &parsed); err != nil {
		return Sentiment{}, err
	}
	return Sentiment{Label: parsed.Label, Score: parsed.Score}, nil
}

// HTTPIntent calls an external intent-detection service.
type HTTPIntent struct {
	httpClient *http.Client
	url        string
}

// NewHTTPIntent creates an intent client for the given service URL.
func NewHTTPIntent(url string) *HTTPIntent {
	return &HTTPIntent{
		httpClient: &http.Client{Timeout: classifierTimeout},
		url:        strings.TrimSuffix(url, "/"),
	}
}

type intentResponse struct {
	Intent string `json:"intent"`
}

// Detect implements the IntentDetector interface.
func (c *HTTPIntent) Detect(ctx context.Context, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "HTTPIntent.Detect")
	defer span.End()

	var parsed intentResponse
	if err := postJSON(ctx, c.httpClient, c.url, text, &parsed); err != nil {
		return "", err
	}
	return parsed.Intent, nil
}

// postJSON sends {"text": ...} and decodes the JSON reply into out.
func postJSON(ctx context.Context, client *http.Client, url, text string, out interface{}) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to marshal classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse classifier response: %w", err)
	}
	return nil
}

// =============================================================================
// Noop Implementations
// =============================================================================

// NoopSentiment is used when no sentiment service is configured. It returns
// a neutral label so response fields stay populated.
type NoopSentiment struct{}

// NewNoopSentiment creates a NoopSentiment.
func NewNoopSentiment() *NoopSentiment { return &NoopSentiment{} }

// Classify implements the SentimentClassifier interface.
func (c *NoopSentiment) Classify(ctx context.Context, text string) (Sentiment, error) {
	return Sentiment{Label: "neutral", Score: 0}, nil
}

// NoopIntent is used when no intent service is configured.
type NoopIntent struct{}

// NewNoopIntent creates a NoopIntent.
func NewNoopIntent() *NoopIntent { return &NoopIntent{} }

// Detect implements the IntentDetector interface.
func (c *NoopIntent) Detect(ctx context.Context, text string) (string, error) {
	return "unknown", nil
}
