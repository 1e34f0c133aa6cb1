// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/headlandai/beacon/pkg/ux"
	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive streamed chat session",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ux.Title("Beacon chat")
	ux.Muted("bot: " + botID + "  ·  type 'exit' to quit")

	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(ux.Styles.Highlight.Render("you> "))
		if !stdin.Scan() {
			return stdin.Err()
		}
		question := strings.TrimSpace(stdin.Text())
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			ux.Muted("bye")
			return nil
		}

		result, err := streamQuestion(ctx, question)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ux.Error(err.Error())
			continue
		}
		// Carry the conversation forward across turns.
		if result.ConversationID != "" {
			conversationID = result.ConversationID
		}
	}
}

// streamQuestion posts to /v1/chat/stream and renders the SSE stream.
func streamQuestion(ctx context.Context, question string) (*ux.StreamResult, error) {
	reqBody := datatypes.AskRequest{
		Message:        question,
		BotID:          botID,
		ConversationID: conversationID,
	}
	payload, err := json.Marshal(&reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		orchestratorBaseURL()+"/v1/chat/stream", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: streams legitimately run for minutes. Cancellation
	// comes from ctx (Ctrl-C).
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	return ux.NewStreamProcessor().Process(resp.Body)
}
