// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/headlandai/beacon/services/orchestrator/observability"
)

// HandleChatStream answers a question over Server-Sent Events.
//
// # Description
//
// POST /v1/chat/stream. Validation failures are returned as plain JSON
// errors before the SSE handshake; once streaming starts, failures travel
// inside the stream as error events so the client never sees a half-SSE
// response.
//
// The event sequence is documented on Pipeline.AnswerStream; this handler
// only adds transport framing, per-event ordering metadata, and keepalives.
func HandleChatStream(answerer Answerer, metrics *observability.PipelineMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatStream")
		defer span.End()

		req := bindAskRequest(c)
		if req == nil {
			return
		}
		span.SetAttributes(attribute.String("chat.bot_id", req.BotID))

		SetSSEHeaders(c.Writer)
		sink, err := NewSSESink(c.Writer)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		metrics.StreamStarted(observability.EndpointChatStream)
		defer metrics.StreamEnded(observability.EndpointChatStream)
		start := time.Now()

		events := answerer.AnswerStream(ctx, req, observability.EndpointChatStream)
		dispatcher := NewStreamDispatcher(sink, metrics, observability.EndpointChatStream)
		result := dispatcher.Dispatch(ctx, events)

		span.SetAttributes(
			attribute.Int("stream.events", result.Events),
			attribute.Bool("stream.completed", result.Completed),
			attribute.Bool("stream.disconnected", result.Disconnected),
		)
		slog.Info("Chat stream finished",
			"botID", req.BotID,
			"conversationID", req.ConversationID,
			"events", result.Events,
			"completed", result.Completed,
			"disconnected", result.Disconnected,
			"duration", time.Since(start),
		)
	}
}
