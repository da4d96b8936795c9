// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"fmt"
	"strings"

	"github.com/jeranaias/comhra/internal/model"
)

// ErrBackendUnavailable matches every failed backend turn: network errors,
// auth failures, a runner that is not installed or not running, malformed
// streams.
var ErrBackendUnavailable = &BackendError{}

// BackendError describes a failed turn. errors.Is matches it against
// ErrBackendUnavailable; errors.As/Unwrap reach the client error beneath.
type BackendError struct {
	Kind  model.BackendKind
	Model string
	Cause error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Cause == nil {
		return "backend unavailable"
	}
	return fmt.Sprintf("backend unavailable (%s %s): %v", e.Kind, e.Model, e.Cause)
}

// Unwrap returns the underlying client error.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Is makes every BackendError match ErrBackendUnavailable.
func (e *BackendError) Is(target error) bool {
	_, ok := target.(*BackendError)
	return ok
}

// degradedReply appends an error notice to whatever partial text arrived,
// so the degraded message still extends the last streamed snapshot.
func degradedReply(partial string, err error) model.Message {
	var sb strings.Builder
	sb.WriteString(partial)
	if partial != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("[error] The model backend failed to answer: ")
	sb.WriteString(err.Error())
	return model.NewAssistantMessage(sb.String())
}
