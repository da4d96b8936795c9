// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import "fmt"

// =============================================================================
// ERRORS
// =============================================================================

// Sentinels for errors.Is. Errors returned by the store carry the path and
// the underlying cause but still match these.
var (
	// ErrConversationNotFound: the envelope file does not exist.
	ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

	// ErrCorruptData: the file exists but is not a valid envelope.
	ErrCorruptData = &ConversationError{Message: "corrupt conversation data"}

	// ErrEmptyHistory: there is nothing to persist. Exporters log this and
	// carry on; it is never surfaced to users as a failure.
	ErrEmptyHistory = &ConversationError{Message: "conversation history is empty"}
)

// ConversationError represents a conversation-related error.
// It implements the error interface and can be compared using errors.Is.
type ConversationError struct {
	Message string
	Path    string
	Cause   error
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ConversationError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

func notFoundError(path string) error {
	return &ConversationError{Message: ErrConversationNotFound.Message, Path: path}
}

func corruptError(path string, cause error) error {
	return &ConversationError{Message: ErrCorruptData.Message, Path: path, Cause: cause}
}
