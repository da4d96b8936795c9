// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the hosted chat API client.
//
// It wraps github.com/sashabaranov/go-openai for OpenAI and for any
// OpenAI-compatible endpoint (the Generic variant), streaming content
// deltas to a callback and mapping HTTP failures onto sentinel errors.
//
// # Usage
//
//	client, err := cloud.ForModel(desc, 30*time.Second)
//	finish, err := client.ChatStream(ctx, desc.Name, cloud.ToChatMessages(msgs), func(d string) {
//	    fmt.Print(d)
//	})
package cloud
