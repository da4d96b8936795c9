// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/jeranaias/comhra/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// Error variables for common hosted API failures.
var (
	// ErrNotConfigured indicates the API key (or base URL) is not set.
	ErrNotConfigured = errors.New("hosted API not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrEmptyResponse indicates the stream ended without any choices.
	ErrEmptyResponse = errors.New("empty response from hosted API")
)

// APIError represents an error reported by the hosted API.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("hosted API error (HTTP %d): %s", e.Status, e.Message)
}

// =============================================================================
// CLIENT
// =============================================================================

// Config configures a hosted API client.
type Config struct {
	APIKey  string
	Variant model.APIVariant
	// BaseURL is required for the Generic variant and overrides the
	// default endpoint for OpenAI.
	BaseURL string
	// Timeout bounds establishing the stream, not its duration.
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	api *openai.Client
	cfg Config
}

// NewClient builds a client for cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Variant == "" {
		cfg.Variant = model.VariantOpenAI
	}
	if cfg.Variant == model.VariantOpenAI && cfg.APIKey == "" {
		return nil, errors.Wrap(ErrNotConfigured, "missing API key")
	}
	if cfg.Variant == model.VariantGeneric && cfg.BaseURL == "" {
		return nil, errors.Wrap(ErrNotConfigured, "generic API needs a base URL")
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	apiCfg.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Timeout,
		},
	}

	return &Client{api: openai.NewClientWithConfig(apiCfg), cfg: cfg}, nil
}

// ForModel builds a client from a hosted model descriptor.
func ForModel(desc model.ModelDescriptor, timeout time.Duration) (*Client, error) {
	return NewClient(Config{
		APIKey:  desc.APIKey,
		Variant: desc.Variant,
		BaseURL: desc.BaseURL,
		Timeout: timeout,
	})
}

// Variant returns the API dialect this client speaks.
func (c *Client) Variant() model.APIVariant {
	return c.cfg.Variant
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// DeltaCallback receives each content delta in arrival order.
type DeltaCallback func(delta string)

// ChatStream sends messages and calls onDelta for every non-empty content
// delta. It returns the finish reason when the stream ends normally.
func (c *Client) ChatStream(ctx context.Context, modelName string, messages []openai.ChatCompletionMessage, onDelta DeltaCallback) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    modelName,
		Messages: messages,
		Stream:   true,
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", mapError(err)
	}
	defer stream.Close()

	finish := ""
	sawChoice := false
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return finish, mapError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		sawChoice = true
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			onDelta(choice.Delta.Content)
		}
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}

	if !sawChoice {
		return "", ErrEmptyResponse
	}
	log.Debug().Str("model", modelName).Str("finish_reason", finish).Msg("Hosted stream complete")
	return finish, nil
}

// ListModelIDs returns the model IDs the endpoint advertises.
func (c *Client) ListModelIDs(ctx context.Context) ([]string, error) {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// =============================================================================
// MESSAGE CONVERSION
// =============================================================================

// ToChatMessages converts canonical messages into request messages. Turns
// with images are sent as multi-part content with data URLs.
func ToChatMessages(msgs []model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.HasImages() {
			out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    ImageDataURL(img.B64),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), MultiContent: parts})
	}
	return out
}

// ImageDataURL wraps a base64 image in a data URL, sniffing the MIME type
// from the decoded header bytes.
func ImageDataURL(b64 string) string {
	mime := "image/png"
	head := b64
	if len(head) > 64 {
		head = head[:64]
	}
	if raw, err := base64.StdEncoding.DecodeString(head[:len(head)/4*4]); err == nil && len(raw) > 0 {
		if detected := http.DetectContentType(raw); len(detected) > 6 && detected[:6] == "image/" {
			mime = detected
		}
	}
	return "data:" + mime + ";base64," + b64
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// mapError converts go-openai errors into this package's sentinels.
func mapError(err error) error {
	status := 0
	msg := err.Error()

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, msg = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return errors.Wrap(err, "hosted API request failed")
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Wrap(ErrAuthFailed, msg)
	case http.StatusNotFound:
		return errors.Wrap(ErrModelNotFound, msg)
	case http.StatusTooManyRequests:
		return errors.Wrap(ErrRateLimited, msg)
	}
	return &APIError{Status: status, Message: msg}
}
