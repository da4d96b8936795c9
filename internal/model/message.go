// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	clone "github.com/huandu/go-clone"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message. It serializes as a lowercase
// string.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Image is a base64-encoded image attached to a message.
type Image struct {
	B64 string `json:"b64_string"`
}

// Message is the canonical conversation unit shared by every backend.
// The role is fixed at creation; content only grows while an assistant
// reply is streaming.
type Message struct {
	Role    Role    `json:"role"`
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// HasImages reports whether any images are attached.
func (m Message) HasImages() bool {
	return len(m.Images) > 0
}

// ImageStrings returns the raw base64 payloads of the attached images.
func (m Message) ImageStrings() []string {
	if len(m.Images) == 0 {
		return nil
	}
	out := make([]string, len(m.Images))
	for i, img := range m.Images {
		out[i] = img.B64
	}
	return out
}

// ImagesFromStrings wraps raw base64 payloads as Images.
func ImagesFromStrings(b64 []string) []Image {
	if len(b64) == 0 {
		return nil
	}
	out := make([]Image, len(b64))
	for i, s := range b64 {
		out[i] = Image{B64: s}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	return clone.Clone(m).(Message)
}

// =============================================================================
// TRANSCRIPT HELPERS
// =============================================================================

// CloneTranscript returns a deep copy of msgs that shares no image slices
// with the original. A nil or empty input yields an empty, non-nil slice.
func CloneTranscript(msgs []Message) []Message {
	if len(msgs) == 0 {
		return []Message{}
	}
	return clone.Clone(msgs).([]Message)
}

// LastOfRole returns the last message with the given role.
func LastOfRole(msgs []Message, role Role) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i], true
		}
	}
	return Message{}, false
}
