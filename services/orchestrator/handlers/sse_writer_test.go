// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

// parseSSE extracts the data payloads from a recorded SSE body, skipping
// comments and event-name lines.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func TestSSESink_WritesEventFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	require.NoError(t, err)

	require.NoError(t, sink.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventToken, Content: "hello"}))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: token\ndata: "))
	assert.True(t, strings.HasSuffix(body, "\n\n"))

	events := parseSSE(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Content)
	assert.NotEmpty(t, events[0].Id)
	assert.NotZero(t, events[0].CreatedAt)
}

func TestSSESink_StampsIndexAndTotalChars(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	require.NoError(t, err)

	require.NoError(t, sink.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventMetadata, Metadata: &datatypes.StreamMetadata{ConversationID: "c1"}}))
	require.NoError(t, sink.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventToken, Content: "abcde"}))
	require.NoError(t, sink.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventToken, Content: "fgh"}))
	require.NoError(t, sink.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventDone, Done: &datatypes.StreamDone{}}))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 4)

	// Index counts every event; TotalChars accumulates token content only.
	for i, e := range events {
		assert.Equal(t, i, e.Index)
	}
	assert.Equal(t, 0, events[0].TotalChars)
	assert.Equal(t, 5, events[1].TotalChars)
	assert.Equal(t, 8, events[2].TotalChars)
	assert.Equal(t, 8, events[3].TotalChars, "non-token events carry the running total unchanged")
}

func TestSSESink_UniqueEventIds(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	require.NoError(t, err)

	require.NoError(t, sink.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventToken, Content: "a"}))
	require.NoError(t, sink.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventToken, Content: "b"}))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].Id, events[1].Id)
}

func TestSSESink_KeepAliveIsComment(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	require.NoError(t, err)

	require.NoError(t, sink.WriteKeepAlive())
	require.NoError(t, sink.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventToken, Content: "x"}))

	assert.Contains(t, rec.Body.String(), ": ping\n\n")

	// The ping consumed no index.
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Index)
}

// noFlushWriter implements http.ResponseWriter without http.Flusher.
type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header       { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(statusCode int) {}

func TestNewSSESink_RequiresFlusher(t *testing.T) {
	_, err := NewSSESink(&noFlushWriter{header: http.Header{}})
	require.Error(t, err)
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
