// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
	"github.com/headlandai/beacon/services/orchestrator/observability"
)

// recordingSink collects written events; failAfter makes writes start
// failing after that many successes.
type recordingSink struct {
	mu         sync.Mutex
	events     []datatypes.StreamEvent
	keepalives int
	failAfter  int
}

func (s *recordingSink) WriteEvent(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives++
	return nil
}

func eventChannel(events ...datatypes.StreamEvent) chan datatypes.StreamEvent {
	ch := make(chan datatypes.StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func TestDispatch_ForwardsUntilChannelCloses(t *testing.T) {
	sink := &recordingSink{}
	d := NewStreamDispatcher(sink, nil, observability.EndpointChatStream)

	result := d.Dispatch(context.Background(), eventChannel(
		datatypes.StreamEvent{Type: datatypes.EventMetadata, Metadata: &datatypes.StreamMetadata{}},
		datatypes.StreamEvent{Type: datatypes.EventToken, Content: "hi"},
		datatypes.StreamEvent{Type: datatypes.EventDone, Done: &datatypes.StreamDone{}},
	))

	assert.True(t, result.Completed)
	assert.False(t, result.Disconnected)
	assert.Equal(t, 3, result.Events)
	require.Len(t, sink.events, 3)
	assert.Equal(t, datatypes.EventDone, sink.events[2].Type)
}

func TestDispatch_NothingWrittenAfterDone(t *testing.T) {
	sink := &recordingSink{}
	d := NewStreamDispatcher(sink, nil, observability.EndpointChatStream)

	result := d.Dispatch(context.Background(), eventChannel(
		datatypes.StreamEvent{Type: datatypes.EventDone, Done: &datatypes.StreamDone{}},
		datatypes.StreamEvent{Type: datatypes.EventToken, Content: "stray"},
	))

	assert.True(t, result.Completed)
	assert.Equal(t, 1, result.Events)
	require.Len(t, sink.events, 1)
	assert.Equal(t, datatypes.EventDone, sink.events[0].Type)
}

func TestDispatch_WriteFailureDrainsChannel(t *testing.T) {
	sink := &recordingSink{failAfter: 1}
	d := NewStreamDispatcher(sink, nil, observability.EndpointChatStream)

	// The producer must never block even though the client is gone.
	result := d.Dispatch(context.Background(), eventChannel(
		datatypes.StreamEvent{Type: datatypes.EventToken, Content: "a"},
		datatypes.StreamEvent{Type: datatypes.EventToken, Content: "b"},
		datatypes.StreamEvent{Type: datatypes.EventToken, Content: "c"},
		datatypes.StreamEvent{Type: datatypes.EventDone, Done: &datatypes.StreamDone{}},
	))

	assert.True(t, result.Disconnected)
	assert.False(t, result.Completed)
	assert.Equal(t, 1, result.Events)
	assert.Len(t, sink.events, 1)
}

func TestDispatch_ContextCancellationDrains(t *testing.T) {
	sink := &recordingSink{}
	d := NewStreamDispatcher(sink, nil, observability.EndpointChatStream)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The producer notices the cancellation and closes the channel; the
	// dispatcher must drain to that close without writing anything.
	ch := make(chan datatypes.StreamEvent)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(ch)
	}()

	result := d.Dispatch(ctx, ch)
	assert.True(t, result.Disconnected)
	assert.Empty(t, sink.events)

	// The channel was fully drained.
	_, open := <-ch
	assert.False(t, open)
}
