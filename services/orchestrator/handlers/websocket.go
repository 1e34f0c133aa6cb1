// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
	"github.com/headlandai/beacon/services/orchestrator/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsSink implements EventSink over a websocket connection. Events are sent
// as JSON text messages; keepalives as websocket ping frames.
type wsSink struct {
	conn       *websocket.Conn
	index      int
	totalChars int
	mu         sync.Mutex
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

// WriteEvent implements the EventSink interface.
func (s *wsSink) WriteEvent(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stampEvent(&event, &s.index, &s.totalChars)

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteKeepAlive implements the EventSink interface.
func (s *wsSink) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

var _ EventSink = (*wsSink)(nil)

// HandleChatWebSocket serves streamed answers over a websocket.
//
// # Description
//
// GET /v1/chat/ws. The client sends one AskRequest JSON message per turn and
// receives the same event sequence as the SSE endpoint, one JSON message per
// event. The connection stays open between turns; per-turn counters reset
// with each new sink so Index and TotalChars always describe a single answer.
func HandleChatWebSocket(answerer Answerer, metrics *observability.PipelineMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Websocket client connected")

		for {
			var req datatypes.AskRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("Websocket client disconnected", "error", err.Error())
				return
			}
			if err := req.Validate(); err != nil {
				msg, _ := json.Marshal(datatypes.StreamEvent{
					Type:  datatypes.EventError,
					Error: err.Error(),
				})
				if werr := ws.WriteMessage(websocket.TextMessage, msg); werr != nil {
					return
				}
				continue
			}

			metrics.StreamStarted(observability.EndpointChatWS)
			ctx := c.Request.Context()
			events := answerer.AnswerStream(ctx, &req, observability.EndpointChatWS)
			dispatcher := NewStreamDispatcher(newWSSink(ws), metrics, observability.EndpointChatWS)
			result := dispatcher.Dispatch(ctx, events)
			metrics.StreamEnded(observability.EndpointChatWS)

			if result.Disconnected {
				return
			}
		}
	}
}
