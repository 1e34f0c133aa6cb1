// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command beacon starts the Beacon orchestrator HTTP server.
//
// This is the main entry point for the containerized service. It reads
// configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - LLM_BACKEND_TYPE: LLM provider - ollama, openai (default: ollama)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - EMBEDDING_SERVICE_URL: Query embedding service URL
//   - EMBEDDING_DIM: Embedding dimension contract (default: 768)
//   - SENTIMENT_SERVICE_URL: Sentiment classifier URL (optional)
//   - INTENT_SERVICE_URL: Intent detector URL (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: beacon-otel-collector:4317)
//   - SIMILARITY_THRESHOLD: Minimum passage score (default: 0.2, negative keeps all)
//   - MAX_PASSAGES: Passages per query (default: 4)
//   - MAX_CONTEXT_CHARS: Context character budget (default: 8000)
//   - MAX_RETRIES: Generation/embedding retry cap (default: 3)
//   - RETRY_BASE_DELAY_MS: First retry delay (default: 1000)
//   - STREAM_CHUNK_SIZE: Emulated stream fragment size (default: 24)
//   - STREAM_CHUNK_DELAY_MS: Emulated stream pacing (default: 30)
//   - AVOID_LOW_VALUE_ANSWERS: Enable the quality gate (default: true)
//   - MEMORY_ENABLED: Persist conversation turns (default: true)
//   - METRICS_ENABLED: Expose the Prometheus /metrics endpoint (default: true)
//   - RATE_LIMIT_RPS: Per-IP requests/second, 0 disables (default: 0)
//
// # Usage
//
//	# Build
//	go build -o beacon ./cmd/beacon
//
//	# Run
//	./beacon
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/headlandai/beacon/services/orchestrator"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := orchestrator.Config{
		Port:                getEnvInt("ORCHESTRATOR_PORT", 12210),
		LLMBackend:          getEnvString("LLM_BACKEND_TYPE", "ollama"),
		WeaviateURL:         os.Getenv("WEAVIATE_SERVICE_URL"),
		EmbeddingServiceURL: os.Getenv("EMBEDDING_SERVICE_URL"),
		EmbeddingDim:        getEnvInt("EMBEDDING_DIM", 768),
		SentimentServiceURL: os.Getenv("SENTIMENT_SERVICE_URL"),
		IntentServiceURL:    os.Getenv("INTENT_SERVICE_URL"),
		OTelEndpoint:        getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "beacon-otel-collector:4317"),
		GinMode:             os.Getenv("GIN_MODE"),
		SimilarityThreshold: getEnvFloat("SIMILARITY_THRESHOLD", 0.2),
		MaxPassages:         getEnvInt("MAX_PASSAGES", 4),
		MaxContextChars:     getEnvInt("MAX_CONTEXT_CHARS", 8000),
		MaxRetries:          getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay:      time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", 1000)) * time.Millisecond,
		StreamChunkSize:     getEnvInt("STREAM_CHUNK_SIZE", 24),
		StreamChunkDelay:    time.Duration(getEnvInt("STREAM_CHUNK_DELAY_MS", 30)) * time.Millisecond,
		DisableQualityGate:  !getEnvBool("AVOID_LOW_VALUE_ANSWERS", true),
		MemoryEnabled:       getEnvBool("MEMORY_ENABLED", true),
		DisableMetrics:      !getEnvBool("METRICS_ENABLED", true),
		RateLimitRPS:        getEnvFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 20),
	}

	slog.Info("Starting beacon orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		slog.Warn("Invalid integer environment variable, using default",
			"key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as a float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
		slog.Warn("Invalid float environment variable, using default",
			"key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		slog.Warn("Invalid boolean environment variable, using default",
			"key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}
