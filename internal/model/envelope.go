// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// Envelope is the persisted unit: a transcript plus sidebar metadata.
//
// Archived and Starred are independent flags. The UI normally keeps them
// exclusive, but both being true is a legal stored state and is preserved
// as read.
type Envelope struct {
	Conversation []Message `json:"conversation"`
	Archived     bool      `json:"archived"`
	Starred      bool      `json:"starred"`
	Name         string    `json:"name"`
}

// NewEnvelope returns an envelope for a transcript with default metadata.
func NewEnvelope(conversation []Message, name string) *Envelope {
	if conversation == nil {
		conversation = []Message{}
	}
	return &Envelope{Conversation: conversation, Name: name}
}

// Turns returns the number of messages in the transcript.
func (e *Envelope) Turns() int {
	return len(e.Conversation)
}

// FirstUserContent returns the content of the first user message, or "".
func (e *Envelope) FirstUserContent() string {
	for _, m := range e.Conversation {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}
