// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/jeranaias/comhra/internal/backend"
	"github.com/jeranaias/comhra/internal/config"
	"github.com/jeranaias/comhra/internal/prompt"
	"github.com/jeranaias/comhra/internal/storage"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitBackendError indicates the model backend could not be reached
	ExitBackendError = 5
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitScriptError indicates a RAG script failed
	ExitScriptError = 9
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ValidationError represents a validation failure for user input.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   string // Value that was provided
	Reason  string // Why validation failed
	Example string // Example of valid value (optional)
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	Resource string // Type of resource (e.g., "model", "rag source")
	ID       string // Identifier that was not found
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ErrUnsupportedFormat creates an error for unsupported formats.
func ErrUnsupportedFormat(format string, supported []string) error {
	return &ValidationError{
		Field:   "format",
		Value:   format,
		Reason:  "unsupported format",
		Example: fmt.Sprintf("supported formats: %v", supported),
	}
}

// =============================================================================
// ERROR DISPLAY
// =============================================================================

// DisplayError writes err in the CLI's error format. In JSON mode it writes
// a failed JSONResponse instead.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		_ = NewJSONErrorResponse("", err).Write(w)
		return
	}
	fmt.Fprintf(w, "%s %s\n", RenderConditional(ErrorStyle, "[ERROR]"), err.Error())
}

// GetExitCode determines the exit code for an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return ExitUsageError
	}
	var configErrs config.ValidateErrors
	if errors.As(err, &configErrs) {
		return ExitConfigError
	}

	var notFoundErr *NotFoundError
	switch {
	case errors.As(err, &notFoundErr), errors.Is(err, storage.ErrConversationNotFound):
		return ExitNotFoundError
	case errors.Is(err, backend.ErrBackendUnavailable):
		return ExitBackendError
	case errors.Is(err, prompt.ErrScriptFailure):
		return ExitScriptError
	}
	return ExitGeneralError
}
