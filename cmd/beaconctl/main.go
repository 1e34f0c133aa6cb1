// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command beaconctl is the terminal client for a running Beacon orchestrator.
//
// # Usage
//
//	beaconctl ask --bot support-bot "How do refunds work?"
//	beaconctl chat --bot support-bot
//
// The orchestrator address comes from BEACON_URL (default
// http://localhost:12210).
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/headlandai/beacon/pkg/ux"
)

var (
	botID          string
	conversationID string
)

var rootCmd = &cobra.Command{
	Use:   "beaconctl",
	Short: "Beacon chat client",
	Long:  "beaconctl talks to a running Beacon orchestrator over HTTP.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&botID, "bot", "default", "bot id scoping retrieval and memory")
	rootCmd.PersistentFlags().StringVar(&conversationID, "conversation", "", "conversation id to continue")
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
}

// orchestratorBaseURL returns the server address from the environment.
func orchestratorBaseURL() string {
	if url := os.Getenv("BEACON_URL"); url != "" {
		return url
	}
	return "http://localhost:12210"
}
