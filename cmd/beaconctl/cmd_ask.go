// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/headlandai/beacon/pkg/ux"
	"github.com/headlandai/beacon/services/orchestrator/datatypes"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	ux.Title("Beacon")
	ux.Muted("bot: " + botID)

	resp, err := sendAskRequest(question)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(resp.Answer)
	fmt.Println()

	details := fmt.Sprintf("conversation %s", resp.ConversationID)
	if resp.ContextUsed {
		details += fmt.Sprintf("  ·  %d sources (top score %.2f)", resp.SourcesCount, resp.ConfidenceScore)
	} else {
		details += "  ·  no knowledge base context"
	}
	if resp.FallbackUsed {
		ux.Warning("Answered with a fallback strategy")
	}
	ux.Muted(details)
	return nil
}

// sendAskRequest posts to /v1/chat and decodes the response.
func sendAskRequest(question string) (*datatypes.AskResponse, error) {
	reqBody := datatypes.AskRequest{
		Message:        question,
		BotID:          botID,
		ConversationID: conversationID,
	}
	payload, err := json.Marshal(&reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(orchestratorBaseURL()+"/v1/chat", "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed datatypes.AskResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &parsed, nil
}
