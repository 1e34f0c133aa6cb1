// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the answer
// pipeline. Metrics include:
//   - Request counters (by endpoint, status)
//   - Pipeline stage latency histograms (retrieval, generation)
//   - Fallback and degraded-mode counters (by strategy)
//   - Token and stream-fragment counters
//   - Active stream gauges
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "beacon"

// Subsystem for pipeline metrics
const pipelineSubsystem = "pipeline"

// PipelineMetrics holds all Prometheus metrics for the answer pipeline.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring pipeline behavior
// and resource usage. Create once at startup via NewPipelineMetrics() and
// inject it where needed; metrics register against the default registry, so
// constructing it twice in one process panics.
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	// RequestsTotal counts answered requests by endpoint and status.
	// Labels: endpoint (chat, chat_stream, chat_ws), status (success, fallback, error)
	RequestsTotal *prometheus.CounterVec

	// RetrievalSeconds measures the embed + search + assemble phase.
	// Labels: endpoint
	RetrievalSeconds *prometheus.HistogramVec

	// GenerationSeconds measures the model generation phase.
	// Labels: endpoint, outcome (ok, degraded)
	GenerationSeconds *prometheus.HistogramVec

	// FallbacksTotal counts fallback replies by strategy.
	// Labels: strategy (related-information, general-assistance, emergency)
	FallbacksTotal *prometheus.CounterVec

	// PassagesRetrieved observes how many passages survived score filtering.
	PassagesRetrieved prometheus.Histogram

	// FragmentsTotal counts stream fragments delivered to clients.
	// Labels: endpoint
	FragmentsTotal *prometheus.CounterVec

	// ActiveStreams tracks currently open streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// NewPipelineMetrics creates and registers all pipeline metrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "requests_total",
				Help:      "Total answered requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		RetrievalSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "retrieval_seconds",
				Help:      "Duration of the retrieval phase in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"endpoint"},
		),

		GenerationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "generation_seconds",
				Help:      "Duration of the generation phase in seconds",
				Buckets:   []float64{0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"endpoint", "outcome"},
		),

		FallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "fallbacks_total",
				Help:      "Total fallback replies by strategy",
			},
			[]string{"strategy"},
		),

		PassagesRetrieved: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "passages_retrieved",
				Help:      "Passages above the similarity threshold per request",
				Buckets:   []float64{0, 1, 2, 3, 4, 6, 8},
			},
		),

		FragmentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "fragments_total",
				Help:      "Total stream fragments delivered to clients",
			},
			[]string{"endpoint"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
			[]string{"endpoint"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}
}

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a serving endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointChat is the batch chat endpoint.
	EndpointChat Endpoint = "chat"

	// EndpointChatStream is the SSE streaming endpoint.
	EndpointChatStream Endpoint = "chat_stream"

	// EndpointChatWS is the websocket streaming endpoint.
	EndpointChatWS Endpoint = "chat_ws"
)

// =============================================================================
// Helper Methods
// =============================================================================

// All helpers are nil-safe so components constructed without metrics (tests,
// the CLI) can call them unconditionally.

// RecordRequest records a completed request.
func (m *PipelineMetrics) RecordRequest(endpoint Endpoint, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordRetrieval records the retrieval-phase duration.
func (m *PipelineMetrics) RecordRetrieval(endpoint Endpoint, seconds float64, passages int) {
	if m == nil {
		return
	}
	m.RetrievalSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
	m.PassagesRetrieved.Observe(float64(passages))
}

// RecordGeneration records the generation-phase duration.
func (m *PipelineMetrics) RecordGeneration(endpoint Endpoint, seconds float64, degraded bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	m.GenerationSeconds.WithLabelValues(string(endpoint), outcome).Observe(seconds)
}

// RecordFallback records a fallback reply.
func (m *PipelineMetrics) RecordFallback(strategy string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(strategy).Inc()
}

// RecordFragment counts one delivered stream fragment.
func (m *PipelineMetrics) RecordFragment(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.FragmentsTotal.WithLabelValues(string(endpoint)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *PipelineMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *PipelineMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordKeepAlive increments the keepalive counter.
func (m *PipelineMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *PipelineMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}
