// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"fmt"
	"time"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message represents a chat message in the conversation.
type Message struct {
	Role    string   `json:"role"`             // "user", "assistant", "system"
	Content string   `json:"content"`          // The message content
	Images  []string `json:"images,omitempty"` // Base64-encoded images
}

// ChatRequest is the request body for /api/chat endpoint.
type ChatRequest struct {
	Model    string    `json:"model"`    // Model name (e.g., "phi3:latest")
	Messages []Message `json:"messages"` // Conversation history
	Stream   bool      `json:"stream"`   // Enable streaming
}

// PullRequest is the request body for /api/pull.
type PullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// DeleteRequest is the request body for /api/delete.
type DeleteRequest struct {
	Model string `json:"model"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ModelInfo contains information about an installed model.
type ModelInfo struct {
	Name       string       `json:"name"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// ModelDetails contains detailed model information.
type ModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// ListModelsResponse is the response from /api/tags endpoint.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// chatLine is one NDJSON line of a streaming /api/chat response.
type chatLine struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	EvalDuration    int64  `json:"eval_duration,omitempty"`
	Error           string `json:"error,omitempty"`
}

// StreamChunk represents a single chunk from a streaming chat response.
type StreamChunk struct {
	Content    string // Delta text of this chunk
	Done       bool   // True if this is the final chunk
	DoneReason string // Reason for completion (e.g., "stop", "length")
	Model      string

	// Statistics (only populated when Done is true)
	TotalDuration    time.Duration
	EvalDuration     time.Duration
	PromptTokens     int
	CompletionTokens int
}

// PullProgress is one status line of a streaming /api/pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Fraction returns completed/total, or -1 when the line carries no byte
// counts (manifest and verification phases).
func (p PullProgress) Fraction() float64 {
	if p.Total <= 0 {
		return -1
	}
	f := float64(p.Completed) / float64(p.Total)
	if f > 1 {
		f = 1
	}
	return f
}

// OllamaError represents an error response from Ollama API.
type OllamaError struct {
	Error string `json:"error"`
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// FormatSize returns a human-readable size string.
func (m *ModelInfo) FormatSize() string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case m.Size >= GB:
		return fmt.Sprintf("%.1f GB", float64(m.Size)/GB)
	case m.Size >= MB:
		return fmt.Sprintf("%.1f MB", float64(m.Size)/MB)
	case m.Size >= KB:
		return fmt.Sprintf("%.1f KB", float64(m.Size)/KB)
	default:
		return fmt.Sprintf("%d B", m.Size)
	}
}
