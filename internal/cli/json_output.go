// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"io"
	"time"
)

// JSONResponse is the envelope every --json command writes.
type JSONResponse struct {
	// Success indicates whether the command completed successfully
	Success bool `json:"success"`

	// Data contains the command-specific response data
	Data interface{} `json:"data"`

	// Error contains the error message if Success is false, null otherwise
	Error *string `json:"error"`

	// Timestamp is the ISO8601 timestamp when the response was generated
	Timestamp string `json:"timestamp"`

	// Command is the command that was executed
	Command string `json:"command,omitempty"`
}

// NewJSONResponse creates a new successful JSON response.
func NewJSONResponse(command string, data interface{}) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates a new error JSON response.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	errStr := err.Error()
	return &JSONResponse{
		Success:   false,
		Error:     &errStr,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// Write outputs the response as indented JSON.
func (r *JSONResponse) Write(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// OutputJSON runs handler and, in JSON mode, wraps its result in a
// JSONResponse. Outside JSON mode the handler prints its own output.
func OutputJSON(w io.Writer, jsonMode bool, command string, handler func() (interface{}, error)) error {
	data, err := handler()
	if !jsonMode {
		return err
	}
	if err != nil {
		_ = NewJSONErrorResponse(command, err).Write(w)
		return err
	}
	return NewJSONResponse(command, data).Write(w)
}

// =============================================================================
// COMMAND-SPECIFIC DATA STRUCTURES
// =============================================================================

// ModelData is one row of "models list".
type ModelData struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Variant string `json:"variant,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// ConversationData is one row of "conversations list" and "search".
type ConversationData struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Starred  bool      `json:"starred"`
	Archived bool      `json:"archived"`
	Turns    int       `json:"turns"`
	Preview  string    `json:"preview"`
	Modified time.Time `json:"modified"`
}

// RagSourceData is one row of "rag list".
type RagSourceData struct {
	Name   string `json:"name"`
	Script string `json:"script,omitempty"`
}

// VersionData represents the data returned by the version command.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}
