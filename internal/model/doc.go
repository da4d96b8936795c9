// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// These types are backend-agnostic: every adapter converts to and from them,
// and the conversation store persists them verbatim.
//
// # Key Types
//
//   - Message: role, content and optional base64 images
//   - Envelope: a persisted transcript with archived/starred flags and a name
//   - ModelDescriptor: a model name plus the backend kind that serves it
//   - RagSource: NoRag or an external search script
//   - CuratedModel: an entry of the local download catalog
//
// # Usage
//
//	msg := model.NewUserMessage("Hello")
//	env := model.NewEnvelope([]model.Message{msg}, "greeting")
//	desc := model.HostedModel("gpt-4o", key, model.VariantOpenAI)
package model
