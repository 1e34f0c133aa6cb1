// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator provides the core answer service for Beacon.
//
// This package contains the main Orchestrator type that wires together all
// components of the service: HTTP routing, the LLM client, the retrieval
// stack, conversation memory, the answer pipeline, and observability
// infrastructure.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/headlandai/beacon/services/llm"
	"github.com/headlandai/beacon/services/orchestrator/analysis"
	"github.com/headlandai/beacon/services/orchestrator/handlers"
	"github.com/headlandai/beacon/services/orchestrator/memory"
	"github.com/headlandai/beacon/services/orchestrator/middleware"
	"github.com/headlandai/beacon/services/orchestrator/observability"
	"github.com/headlandai/beacon/services/orchestrator/pipeline"
	"github.com/headlandai/beacon/services/orchestrator/retrieval"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes all configuration for the service. Values can be
// populated from environment variables, config files, or programmatically
// for testing. All fields have sensible defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// LLMBackend specifies the LLM provider.
	// Valid values: "ollama", "openai". Default: "ollama"
	LLMBackend string

	// WeaviateURL is the Weaviate vector database URL.
	// If empty, retrieval and memory degrade to empty results.
	WeaviateURL string

	// EmbeddingServiceURL is the query embedding service URL.
	EmbeddingServiceURL string

	// EmbeddingDim is the dimension contract with the vector store.
	// Default: 768
	EmbeddingDim int

	// SentimentServiceURL and IntentServiceURL point at the external
	// classifiers. Empty disables the classifier (noop implementation).
	SentimentServiceURL string
	IntentServiceURL    string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "beacon-otel-collector:4317"
	OTelEndpoint string

	// DisableMetrics turns off the Prometheus /metrics endpoint and metric
	// recording (the zero Config keeps metrics on).
	DisableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// SimilarityThreshold drops passages scoring below it. Zero means unset
	// and takes the default (0.2); a negative value disables the threshold
	// so every retrieved passage is kept.
	SimilarityThreshold float64

	// MaxPassages caps retrieved passages per query. Default: 4
	MaxPassages int

	// MaxContextChars bounds the assembled context. Default: 8000
	MaxContextChars int

	// MaxRetries caps generation retry attempts. Default: 3
	MaxRetries int

	// RetryBaseDelay is the first retry delay. Default: 1s
	RetryBaseDelay time.Duration

	// StreamChunkSize and StreamChunkDelay tune emulated streaming.
	// Defaults: 24 bytes, 30ms
	StreamChunkSize  int
	StreamChunkDelay time.Duration

	// AvoidLowValueAnswers enables the answer quality gate. Default: true;
	// set DisableQualityGate to turn it off (the zero Config keeps it on).
	DisableQualityGate bool

	// MemoryEnabled turns on conversation persistence. Requires Weaviate.
	MemoryEnabled bool

	// RateLimitRPS and RateLimitBurst configure per-IP rate limiting.
	// Zero RPS disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config         Config
	router         *gin.Engine
	llmClient      llm.LLMClient
	weaviateClient *weaviate.Client
	pipe           *pipeline.Pipeline
	metrics        *observability.PipelineMetrics
	tracerCleanup  func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Creates the Weaviate client if a URL is provided
//  5. Creates the LLM client for the configured backend
//  6. Assembles the answer pipeline
//  7. Sets up HTTP routes
//
// A missing Weaviate URL is not fatal: retrieval degrades to empty context
// and memory to stateless sessions.
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if !s.config.DisableMetrics {
		s.metrics = observability.NewPipelineMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	if err := s.initWeaviate(); err != nil {
		slog.Warn("Weaviate initialization failed, retrieval will degrade to empty context",
			"error", err)
	}

	if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	s.initPipeline()
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "beacon-otel-collector:4317"
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.2
	} else if cfg.SimilarityThreshold < 0 {
		cfg.SimilarityThreshold = 0
	}
	if cfg.MaxPassages == 0 {
		cfg.MaxPassages = 4
	}
	if cfg.MaxContextChars == 0 {
		cfg.MaxContextChars = retrieval.DefaultMaxContextChars
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 1 * time.Second
	}
	if cfg.StreamChunkSize == 0 {
		cfg.StreamChunkSize = 24
	}
	if cfg.StreamChunkDelay == 0 {
		cfg.StreamChunkDelay = 30 * time.Millisecond
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 20
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("beacon-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initWeaviate initializes the Weaviate vector database client.
// Returns nil without a client when no URL is configured.
func (s *service) initWeaviate() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("Weaviate URL not configured, retrieval and memory disabled")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	clientConf := weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	}

	s.weaviateClient, err = weaviate.NewClient(clientConf)
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ready, err := s.weaviateClient.Misc().ReadyChecker().Do(readyCtx); err != nil || !ready {
		slog.Warn("Weaviate not ready at startup, retrieval degrades until it comes up",
			"url", weaviateURL, "error", err)
	} else {
		slog.Info("Weaviate client initialized", "url", weaviateURL)
	}

	return nil
}

// initLLMClient creates the LLM client for the configured backend.
func (s *service) initLLMClient() error {
	var err error

	switch s.config.LLMBackend {
	case "ollama":
		s.llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	case "openai":
		s.llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	default:
		slog.Warn("Unknown LLM backend, defaulting to ollama", "backend", s.config.LLMBackend)
		s.llmClient, err = llm.NewOllamaClient()
	}

	return err
}

// initPipeline assembles the answer pipeline from configured components.
func (s *service) initPipeline() {
	embedder := retrieval.NewHTTPEmbedder(s.config.EmbeddingServiceURL, retrieval.EmbedderConfig{
		Dimension:  s.config.EmbeddingDim,
		MaxRetries: s.config.MaxRetries,
		BaseDelay:  s.config.RetryBaseDelay,
		Timeout:    15 * time.Second,
	})
	retriever := retrieval.NewWeaviateRetriever(s.weaviateClient)
	assembler := retrieval.NewContextAssembler(s.config.MaxContextChars)

	generator := pipeline.NewGenerator(s.llmClient, pipeline.GeneratorConfig{
		MaxRetries: s.config.MaxRetries,
		BaseDelay:  s.config.RetryBaseDelay,
		ChunkSize:  s.config.StreamChunkSize,
		ChunkDelay: s.config.StreamChunkDelay,
	})
	gate := pipeline.NewHeuristicGate(!s.config.DisableQualityGate)
	fallback := pipeline.NewFallbackEngine()

	var store memory.Store = memory.NewNoopStore()
	if s.config.MemoryEnabled && s.weaviateClient != nil {
		store = memory.NewWeaviateStore(s.weaviateClient)
	}

	var sentiment analysis.SentimentClassifier = analysis.NewNoopSentiment()
	if s.config.SentimentServiceURL != "" {
		sentiment = analysis.NewHTTPSentiment(s.config.SentimentServiceURL)
	}
	var intent analysis.IntentDetector = analysis.NewNoopIntent()
	if s.config.IntentServiceURL != "" {
		intent = analysis.NewHTTPIntent(s.config.IntentServiceURL)
	}

	s.pipe = pipeline.New(
		embedder, retriever, assembler,
		generator, gate, fallback,
		store, sentiment, intent,
		s.metrics,
		pipeline.Config{
			TopK:     s.config.MaxPassages,
			MinScore: s.config.SimilarityThreshold,
		},
	)
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("beacon-orchestrator"))

	limiter := middleware.NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	if !s.config.DisableMetrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := s.router.Group("/v1", limiter.Middleware())
	v1.POST("/chat", handlers.HandleChat(s.pipe))
	v1.POST("/chat/stream", handlers.HandleChatStream(s.pipe, s.metrics))
	v1.GET("/chat/ws", handlers.HandleChatWebSocket(s.pipe, s.metrics))
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
