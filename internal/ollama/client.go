// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// DefaultBaseURL uses an explicit IPv4 loopback; "localhost" can resolve to
// ::1 first on some systems while Ollama listens on IPv4 only.
const DefaultBaseURL = "http://127.0.0.1:11434"

// DefaultModel is the model used when a caller does not name one.
const DefaultModel = "phi3:latest"

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout for non-streaming requests (default: 30s). Streaming chat and
	// pull requests are bounded only by their context.
	Timeout time.Duration

	// DefaultModel to use if none specified (default: "phi3:latest")
	DefaultModel string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      DefaultBaseURL,
		Timeout:      30 * time.Second,
		DefaultModel: DefaultModel,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the Ollama API.
// It provides methods for health checks, model management, and chat.
//
// The Client is safe for concurrent use.
type Client struct {
	config       *ClientConfig
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a new Ollama client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a new Ollama client with custom configuration.
// Zero fields are filled with defaults.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultModel
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		// Ollama runs on loopback over plain HTTP; streams can legitimately
		// run for minutes, so no client-level timeout here.
		streamClient: &http.Client{},
	}
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *ClientConfig {
	return c.config
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do sends a request and maps transport failures and error statuses to
// ClientErrors. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, &ClientError{Type: ErrTypeNotRunning, Message: ErrNotRunning.Message, Cause: err}
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrModelNotFound
	}
	var ollamaErr OllamaError
	if err := json.NewDecoder(resp.Body).Decode(&ollamaErr); err == nil && ollamaErr.Error != "" {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: ollamaErr.Error}
	}
	return nil, &ClientError{
		Type:    ErrTypeInvalidResponse,
		Message: method + " " + path + " failed: " + resp.Status,
	}
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that Ollama is reachable and running.
func (c *Client) CheckRunning(ctx context.Context) error {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels retrieves all installed models from Ollama.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return result.Models, nil
}

// ModelNames returns the set of installed model names.
func (c *Client) ModelNames(ctx context.Context) (map[string]bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(models))
	for _, m := range models {
		names[m.Name] = true
	}
	return names, nil
}

// Pull downloads a model, calling progress for each status line the
// server reports. Blocks until the pull succeeds, fails, or ctx ends.
func (c *Client) Pull(ctx context.Context, model string, progress func(PullProgress)) error {
	resp, err := c.do(ctx, c.streamClient, http.MethodPost, "/api/pull", PullRequest{Model: model, Stream: true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	log.Debug().Str("model", model).Msg("Pulling model")
	if progress == nil {
		progress = func(PullProgress) {}
	}
	return NewStreamReader(resp.Body).ProcessPull(ctx, progress)
}

// Delete removes an installed model.
func (c *Client) Delete(ctx context.Context, model string) error {
	resp, err := c.do(ctx, c.httpClient, http.MethodDelete, "/api/delete", DeleteRequest{Model: model})
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	log.Debug().Str("model", model).Msg("Deleted model")
	return nil
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamCallback is called for each chunk received during streaming.
type StreamCallback func(chunk StreamChunk)

// ChatStream sends a streaming chat request and calls the callback for each
// chunk. The callback runs synchronously in the order chunks arrive.
// Returns when streaming is complete or an error occurs.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) error {
	if model == "" {
		model = c.config.DefaultModel
	}

	req := ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	resp, err := c.do(ctx, c.streamClient, http.MethodPost, "/api/chat", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return NewStreamReader(resp.Body).Process(ctx, callback)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsModelNotFound checks if an error is a model not found error.
func IsModelNotFound(err error) bool {
	return hasType(err, ErrTypeModelNotFound)
}

// IsNotRunning checks if an error indicates Ollama is not running.
func IsNotRunning(err error) bool {
	return hasType(err, ErrTypeNotRunning)
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return hasType(err, ErrTypeTimeout)
}

func hasType(err error, t ErrorType) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == t
	}
	return false
}

func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
