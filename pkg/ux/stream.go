// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

// StreamResult contains the complete result of processing a stream.
type StreamResult struct {
	Answer         string
	ConversationID string
	FallbackUsed   bool
	TotalChars     int
}

// StreamProcessor renders a server event stream to the terminal.
type StreamProcessor interface {
	// Process reads and renders a streaming response from the reader.
	Process(reader io.Reader) (*StreamResult, error)
}

// sseStreamProcessor implements StreamProcessor for Server-Sent Events.
//
// On a fallback_strategy event the accumulated answer is discarded: the
// server follows the event with replacement fragments, and the terminal
// shows a visual break so the user understands the switch.
type sseStreamProcessor struct {
	writer       io.Writer
	answer       strings.Builder
	conversation string
	fallbackUsed bool
	totalChars   int
}

// NewStreamProcessor creates a new SSE stream processor writing to stdout.
func NewStreamProcessor() StreamProcessor {
	return &sseStreamProcessor{writer: os.Stdout}
}

// NewStreamProcessorWithWriter creates a stream processor with a custom
// writer (for testing).
func NewStreamProcessorWithWriter(w io.Writer) StreamProcessor {
	return &sseStreamProcessor{writer: w}
}

// Process reads and renders a streaming response.
func (p *sseStreamProcessor) Process(reader io.Reader) (*StreamResult, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event: ") {
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			line = strings.TrimPrefix(line, "data: ")
		}

		var event datatypes.StreamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		p.totalChars = event.TotalChars

		switch event.Type {
		case datatypes.EventMetadata:
			if event.Metadata != nil && p.conversation == "" {
				p.conversation = event.Metadata.ConversationID
			}

		case datatypes.EventToken:
			p.answer.WriteString(event.Content)
			fmt.Fprint(p.writer, event.Content)

		case datatypes.EventFallback:
			p.fallbackUsed = true
			p.answer.Reset()
			fmt.Fprintln(p.writer)
			if event.Fallback != nil {
				Warning("Switching to " + event.Fallback.StrategyType)
			}

		case datatypes.EventStatus:
			Muted(event.Message)

		case datatypes.EventError:
			p.finalize()
			return nil, fmt.Errorf("%s", event.Error)

		case datatypes.EventDone:
			p.finalize()
			if event.Done != nil && p.conversation == "" {
				p.conversation = event.Done.ConversationID
			}
			return p.result(), nil
		}
	}

	if err := scanner.Err(); err != nil {
		p.finalize()
		return nil, err
	}

	// Stream ended without an explicit done event.
	p.finalize()
	return p.result(), nil
}

func (p *sseStreamProcessor) result() *StreamResult {
	return &StreamResult{
		Answer:         p.answer.String(),
		ConversationID: p.conversation,
		FallbackUsed:   p.fallbackUsed,
		TotalChars:     p.totalChars,
	}
}

func (p *sseStreamProcessor) finalize() {
	if p.answer.Len() > 0 && !strings.HasSuffix(p.answer.String(), "\n") {
		fmt.Fprintln(p.writer)
	}
}
