// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

func TestRenderSnippet(t *testing.T) {
	turns := []Turn{
		{Question: "how do refunds work", Answer: "Refunds take 5 days.", Timestamp: 1},
		{Question: "can I expedite that", Answer: "Contact support.", Timestamp: 2},
	}

	snippet := RenderSnippet(turns)
	assert.Equal(t,
		"User: how do refunds work\nAssistant: Refunds take 5 days.\n"+
			"User: can I expedite that\nAssistant: Contact support.",
		snippet)
}

func TestRenderSnippet_Empty(t *testing.T) {
	assert.Equal(t, "", RenderSnippet(nil))
	assert.Equal(t, "", RenderSnippet([]Turn{}))
}

func TestWeaviateStore_LoadSortsNewestFirstAtStore(t *testing.T) {
	// With more turns stored than the limit, only a store-side descending
	// timestamp sort guarantees the limit keeps the most recent ones.
	var mu sync.Mutex
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(body, &req)
		mu.Lock()
		query = req.Query
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"Get":{"ChatMemory":[`+
			`{"question":"newest","answer":"a2","timestamp":20},`+
			`{"question":"older","answer":"a1","timestamp":10}]}}}`)
	}))
	defer srv.Close()

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   strings.TrimPrefix(srv.URL, "http://"),
		Scheme: "http",
	})
	require.NoError(t, err)

	store := NewWeaviateStore(client)
	turns, err := store.Load(context.Background(), "bot-1", "c-1", 2)
	require.NoError(t, err)

	// The response arrives newest first; callers get oldest first.
	require.Len(t, turns, 2)
	assert.Equal(t, "older", turns[0].Question)
	assert.Equal(t, "newest", turns[1].Question)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, query, "sort")
	assert.Contains(t, query, `"timestamp"`)
	assert.Contains(t, query, "desc")
}

func TestNoopStore(t *testing.T) {
	store := NewNoopStore()

	turns, err := store.Load(context.Background(), "bot-1", "c-1", 6)
	assert.NoError(t, err)
	assert.Empty(t, turns)

	assert.NoError(t, store.Save(context.Background(), "bot-1", "c-1", "q", "a"))
}
