// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP and websocket endpoints of the
// orchestrator, plus the event sinks that carry streamed answers to clients.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
	"github.com/headlandai/beacon/services/orchestrator/observability"
)

var chatTracer = otel.Tracer("beacon.orchestrator.handlers")

// Answerer is the pipeline surface the handlers depend on.
type Answerer interface {
	Answer(ctx context.Context, req *datatypes.AskRequest) (*datatypes.AskResponse, error)
	AnswerStream(ctx context.Context, req *datatypes.AskRequest, endpoint observability.Endpoint) <-chan datatypes.StreamEvent
}

// bindAskRequest parses and validates the request body, writing the error
// response itself. Returns nil when the request was rejected.
func bindAskRequest(c *gin.Context) *datatypes.AskRequest {
	var req datatypes.AskRequest
	if err := c.BindJSON(&req); err != nil {
		slog.Error("Failed to parse the chat request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Rejected invalid chat request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil
	}
	return &req
}

// HandleChat answers a question in one response.
//
// # Description
//
// POST /v1/chat. The response is always a full AskResponse on 200; pipeline
// degradation shows up in the response fields (fallback_used, context_used),
// not in the status code. Only a broken retrieval contract or cancellation
// produces a 5xx.
func HandleChat(answerer Answerer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		req := bindAskRequest(c)
		if req == nil {
			return
		}

		resp, err := answerer.Answer(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Chat pipeline failed", "error", err, "botID", req.BotID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to answer question"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
