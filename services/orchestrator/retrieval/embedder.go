// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval implements the retrieval half of the answer pipeline:
// query embedding, scoped similarity search, and bounded context assembly.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("beacon.orchestrator.retrieval")

// =============================================================================
// Interfaces
// =============================================================================

// Embedder converts text into a fixed-dimension vector.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns the embedding vector for the given non-empty text.
	//
	// A result whose length differs from the service's configured dimension
	// is a *DimensionMismatchError and must abort the request: accepting it
	// would silently corrupt every downstream similarity score.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// =============================================================================
// Errors
// =============================================================================

// DimensionMismatchError reports an embedding whose length violates the
// dimension contract with the vector store. It is never retried.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// IsDimensionMismatch checks whether err is a *DimensionMismatchError.
func IsDimensionMismatch(err error) bool {
	var dm *DimensionMismatchError
	return errors.As(err, &dm)
}

// embedError wraps transient embedding-service failures with a retry hint.
type embedError struct {
	status    int
	message   string
	retryable bool
	rateLimit bool
}

func (e *embedError) Error() string {
	return fmt.Sprintf("embedding service error (status %d): %s", e.status, e.message)
}

// =============================================================================
// HTTPEmbedder
// =============================================================================

// EmbedderConfig holds retry and contract settings for the HTTP embedder.
type EmbedderConfig struct {
	// Dimension is the hard dimension contract with the vector store.
	Dimension int
	// MaxRetries caps retry attempts for transient failures.
	MaxRetries int
	// BaseDelay is the first retry delay; it doubles per attempt.
	// Rate-limit responses wait twice as long.
	BaseDelay time.Duration
	// Timeout is the per-call HTTP timeout.
	Timeout time.Duration
}

// DefaultEmbedderConfig returns the production defaults.
func DefaultEmbedderConfig(dimension int) EmbedderConfig {
	return EmbedderConfig{
		Dimension:  dimension,
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		Timeout:    15 * time.Second,
	}
}

// HTTPEmbedder implements Embedder against an external embedding service.
//
// # Description
//
// POSTs {"text": ...} to the service URL and expects
// {"vector": [...], "dim": n}. Transient failures (429, 5xx, network
// errors) are retried with exponential backoff; 4xx and dimension
// mismatches are not.
//
// # Thread Safety
//
// Safe for concurrent use; all fields are read-only after construction.
type HTTPEmbedder struct {
	httpClient *http.Client
	url        string
	cfg        EmbedderConfig
}

// NewHTTPEmbedder creates an HTTPEmbedder for the given service URL.
func NewHTTPEmbedder(url string, cfg EmbedderConfig) *HTTPEmbedder {
	return &HTTPEmbedder{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		url:        strings.TrimSuffix(url, "/"),
		cfg:        cfg,
	}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
	Dim    int       `json:"dim"`
}

// Embed implements the Embedder interface.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "HTTPEmbedder.Embed")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		err := fmt.Errorf("cannot embed empty text")
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty text")
		return nil, err
	}

	var lastErr error
	delay := e.cfg.BaseDelay

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			var ee *embedError
			if errors.As(lastErr, &ee) && ee.rateLimit {
				wait = delay * 2
			}
			slog.Info("Retrying embedding call",
				"attempt", attempt,
				"delay", wait,
				"lastError", lastErr,
			)
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled during retry")
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			delay *= 2
		}

		vector, err := e.callService(ctx, text)
		if err == nil {
			if len(vector) != e.cfg.Dimension {
				dmErr := &DimensionMismatchError{Want: e.cfg.Dimension, Got: len(vector)}
				span.RecordError(dmErr)
				span.SetStatus(codes.Error, "dimension mismatch")
				slog.Error("Embedding dimension contract violated",
					"want", e.cfg.Dimension,
					"got", len(vector),
				)
				return nil, dmErr
			}
			span.SetAttributes(
				attribute.Int("embed.dimension", len(vector)),
				attribute.Int("embed.attempts", attempt+1),
			)
			return vector, nil
		}

		lastErr = err
		if !isRetryableEmbedError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable embedding error")
			return nil, err
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries exhausted")
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", e.cfg.MaxRetries+1, lastErr)
}

// callService performs a single HTTP call to the embedding service.
func (e *HTTPEmbedder) callService(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		// Network errors are treated as transient.
		return nil, &embedError{status: 0, message: err.Error(), retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &embedError{status: resp.StatusCode, message: err.Error(), retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &embedError{
			status:    resp.StatusCode,
			message:   string(body),
			retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			rateLimit: resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	return parsed.Vector, nil
}

// isRetryableEmbedError reports whether the error may succeed on retry.
func isRetryableEmbedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ee *embedError
	if errors.As(err, &ee) {
		return ee.retryable
	}
	return false
}
