// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
	"github.com/headlandai/beacon/services/orchestrator/observability"
)

// keepAliveInterval is how often a ping is sent while the pipeline is quiet.
const keepAliveInterval = 15 * time.Second

// DispatchResult summarizes a finished dispatch for logging and metrics.
type DispatchResult struct {
	// Completed is true when a terminal event reached the client.
	Completed bool
	// Disconnected is true when the client went away mid-stream.
	Disconnected bool
	// Events is how many events were delivered.
	Events int
}

// StreamDispatcher pumps pipeline events into an EventSink.
//
// # Description
//
// The dispatcher is the bridge between the pipeline's event channel and one
// client connection. It enforces the stream lifecycle: events flow while the
// stream is open, a terminal event (done, or error then done) closes it, and
// nothing is written afterward. Keepalive pings fill gaps longer than
// keepAliveInterval so intermediaries do not drop the idle connection.
//
// A write failure means the client is gone; the dispatcher stops reading but
// keeps draining the channel so the pipeline producer never blocks.
type StreamDispatcher struct {
	sink     EventSink
	metrics  *observability.PipelineMetrics
	endpoint observability.Endpoint
}

// NewStreamDispatcher creates a dispatcher for one connection.
func NewStreamDispatcher(sink EventSink, metrics *observability.PipelineMetrics, endpoint observability.Endpoint) *StreamDispatcher {
	return &StreamDispatcher{sink: sink, metrics: metrics, endpoint: endpoint}
}

// Dispatch forwards events until the channel closes, a terminal event is
// sent, or the client disconnects. It always drains events fully so the
// producer can finish.
func (d *StreamDispatcher) Dispatch(ctx context.Context, events <-chan datatypes.StreamEvent) DispatchResult {
	var result DispatchResult
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return result
			}
			if result.Completed || result.Disconnected {
				continue
			}
			if err := d.sink.WriteEvent(event); err != nil {
				slog.Debug("Stream write failed, client disconnected", "error", err)
				d.metrics.RecordClientDisconnect(d.endpoint)
				result.Disconnected = true
				continue
			}
			result.Events++
			ticker.Reset(keepAliveInterval)
			if event.Type == datatypes.EventDone {
				result.Completed = true
			}

		case <-ticker.C:
			if result.Completed || result.Disconnected {
				continue
			}
			if err := d.sink.WriteKeepAlive(); err != nil {
				d.metrics.RecordClientDisconnect(d.endpoint)
				result.Disconnected = true
				continue
			}
			d.metrics.RecordKeepAlive(d.endpoint)

		case <-ctx.Done():
			// The producer watches the same context and will close the
			// channel; drain what remains without writing.
			for range events {
			}
			result.Disconnected = true
			return result
		}
	}
}
