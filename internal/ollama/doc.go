// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
//
// It covers what the local adapter and the model manager need: listing
// installed models, streaming chat with image attachments, pulling models
// with progress, and deleting them.
//
// # Key Types
//
//   - Client: HTTP client for the Ollama API
//   - Message: chat message with role, content and base64 images
//   - StreamReader: NDJSON reader for chat and pull streams
//   - ClientError: typed error; see IsNotRunning, IsModelNotFound, IsTimeout
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: url})
//	err := client.ChatStream(ctx, "phi3:latest", msgs, func(c ollama.StreamChunk) {
//	    fmt.Print(c.Content)
//	})
package ollama
