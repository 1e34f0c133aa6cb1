// Copyright (C) 2025 Headland AI (oss@headland.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskRequest_Validate(t *testing.T) {
	req := AskRequest{Message: "how do refunds work", BotID: "bot-1"}
	assert.NoError(t, req.Validate())
}

func TestAskRequest_Validate_MissingFields(t *testing.T) {
	assert.Error(t, (&AskRequest{BotID: "bot-1"}).Validate())
	assert.Error(t, (&AskRequest{Message: "hi"}).Validate())
}

func TestAskRequest_Validate_ConversationIDFormat(t *testing.T) {
	req := AskRequest{Message: "hi", BotID: "bot-1", ConversationID: "not-a-uuid"}
	assert.Error(t, req.Validate())

	req.ConversationID = uuid.New().String()
	assert.NoError(t, req.Validate())
}

func TestAskRequest_Validate_MessageSizeLimit(t *testing.T) {
	req := AskRequest{Message: strings.Repeat("a", MaxMessageContentBytes), BotID: "bot-1"}
	assert.NoError(t, req.Validate())

	req.Message = strings.Repeat("a", MaxMessageContentBytes+1)
	assert.Error(t, req.Validate())
}

func TestAskRequest_EnsureDefaults(t *testing.T) {
	req := AskRequest{Message: "hi", BotID: "bot-1"}
	req.EnsureDefaults()
	assert.NotZero(t, req.Timestamp)

	stamped := AskRequest{Message: "hi", BotID: "bot-1", Timestamp: 12345}
	stamped.EnsureDefaults()
	assert.Equal(t, int64(12345), stamped.Timestamp)
}

func TestAskRequest_EnsureConversationID(t *testing.T) {
	req := AskRequest{Message: "hi", BotID: "bot-1"}
	id := req.EnsureConversationID()
	require.NotEmpty(t, id)
	assert.Equal(t, id, req.ConversationID)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)

	// A present id is preserved.
	assert.Equal(t, id, req.EnsureConversationID())
}

func TestStreamEvent_Terminal(t *testing.T) {
	assert.True(t, StreamEvent{Type: EventDone}.Terminal())
	assert.True(t, StreamEvent{Type: EventError}.Terminal())
	assert.False(t, StreamEvent{Type: EventToken}.Terminal())
	assert.False(t, StreamEvent{Type: EventMetadata}.Terminal())
	assert.False(t, StreamEvent{Type: EventFallback}.Terminal())
}
