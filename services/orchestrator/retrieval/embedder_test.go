// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEmbedderConfig(dim int) EmbedderConfig {
	return EmbedderConfig{
		Dimension:  dim,
		MaxRetries: 2,
		BaseDelay:  1 * time.Millisecond,
		Timeout:    2 * time.Second,
	}
}

func embedService(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func vectorResponse(dim int) []byte {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = 0.1
	}
	body, _ := json.Marshal(map[string]interface{}{"vector": vec, "dim": dim})
	return body
}

func TestEmbed_Success(t *testing.T) {
	server := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello world", req.Text)
		w.Write(vectorResponse(4))
	})

	e := NewHTTPEmbedder(server.URL, testEmbedderConfig(4))
	vec, err := e.Embed(context.Background(), "hello world")

	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestEmbed_EmptyText(t *testing.T) {
	e := NewHTTPEmbedder("http://unused", testEmbedderConfig(4))
	_, err := e.Embed(context.Background(), "   ")
	assert.Error(t, err)
}

func TestEmbed_DimensionMismatchNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(vectorResponse(3))
	})

	e := NewHTTPEmbedder(server.URL, testEmbedderConfig(768))
	_, err := e.Embed(context.Background(), "question")

	require.Error(t, err)
	assert.True(t, IsDimensionMismatch(err))
	assert.Equal(t, int32(1), calls.Load(), "dimension mismatch must not be retried")

	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 768, dm.Want)
	assert.Equal(t, 3, dm.Got)
}

func TestEmbed_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(vectorResponse(4))
	})

	e := NewHTTPEmbedder(server.URL, testEmbedderConfig(4))
	vec, err := e.Embed(context.Background(), "question")

	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbed_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	e := NewHTTPEmbedder(server.URL, testEmbedderConfig(4))
	_, err := e.Embed(context.Background(), "question")

	require.Error(t, err)
	assert.False(t, IsDimensionMismatch(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbed_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	cfg := testEmbedderConfig(4)
	e := NewHTTPEmbedder(server.URL, cfg)
	_, err := e.Embed(context.Background(), "question")

	require.Error(t, err)
	assert.Equal(t, int32(cfg.MaxRetries+1), calls.Load())
}

func TestEmbed_ContextCancellation(t *testing.T) {
	server := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	cfg := testEmbedderConfig(4)
	cfg.BaseDelay = 1 * time.Hour
	e := NewHTTPEmbedder(server.URL, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Embed(ctx, "question")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
