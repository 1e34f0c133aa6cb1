// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EventSink receives pipeline stream events for delivery to one client.
//
// # Description
//
// EventSink abstracts the transport (SSE, websocket) from the dispatch loop.
// Implementations stamp each event with ordering metadata before sending:
//
//   - Id: UUID v4 for deduplication
//   - CreatedAt: Unix milliseconds at write time
//   - Index: 0-based position within the stream
//   - TotalChars: running total of token content characters, including
//     this event
//
// A client that receives the final done event can verify it saw the whole
// answer by comparing its reassembled length against TotalChars.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; keepalives are written
// from a separate goroutine during long operations.
type EventSink interface {
	// WriteEvent stamps and delivers one event. Flushes immediately.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive sends a transport-level ping. Keepalives are not
	// events: they carry no index and are invisible to the client's
	// reassembly logic.
	WriteKeepAlive() error
}

// =============================================================================
// SSE Implementation
// =============================================================================

// sseSink implements EventSink over an HTTP response in SSE format.
//
// # Description
//
// Each event is written as:
//
//	event: {type}
//	data: {json}
//
// followed by a blank line, and flushed immediately. The sink maintains the
// per-stream Index and TotalChars counters under its mutex.
//
// # Limitations
//
//   - Requires an http.Flusher-capable ResponseWriter
//   - Cannot be reused across requests
type sseSink struct {
	writer     http.ResponseWriter
	flusher    http.Flusher
	index      int
	totalChars int
	mu         sync.Mutex
}

// NewSSESink creates an EventSink writing SSE to the given ResponseWriter.
// The caller must set SSE headers first via SetSSEHeaders.
func NewSSESink(w http.ResponseWriter) (EventSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseSink{writer: w, flusher: flusher}, nil
}

// WriteEvent implements the EventSink interface.
func (s *sseSink) WriteEvent(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stampEvent(&event, &s.index, &s.totalChars)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteKeepAlive implements the EventSink interface.
func (s *sseSink) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// SSE comment format: colon prefix, double newline. Ignored by clients
	// but resets load balancer idle timers (Nginx and ALB default 60s).
	if _, err := fmt.Fprintf(s.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// stampEvent assigns ordering metadata in place. Index counts all events;
// TotalChars accumulates token content only.
func stampEvent(event *datatypes.StreamEvent, index, totalChars *int) {
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.Index = *index
	*index++

	if event.Type == datatypes.EventToken {
		*totalChars += len(event.Content)
	}
	event.TotalChars = *totalChars
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
// Must be called before any response body is written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ EventSink = (*sseSink)(nil)
