// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/cloud"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/storage"
)

// =============================================================================
// HOSTED ADAPTER
// =============================================================================

// HostedAdapter talks to an OpenAI-compatible hosted API. Its history is
// kept in canonical form and converted per request.
type HostedAdapter struct {
	client    *cloud.Client
	store     *storage.ConversationStore
	modelName string
	history   []model.Message
}

// NewHosted creates a hosted adapter seeded with a copy of seed.
func NewHosted(client *cloud.Client, store *storage.ConversationStore, modelName string, seed []model.Message) *HostedAdapter {
	return &HostedAdapter{
		client:    client,
		store:     store,
		modelName: modelName,
		history:   model.CloneTranscript(seed),
	}
}

// Kind implements Adapter.
func (a *HostedAdapter) Kind() model.BackendKind { return model.KindHosted }

// ModelName implements Adapter.
func (a *HostedAdapter) ModelName() string { return a.modelName }

// Ask implements Adapter.
func (a *HostedAdapter) Ask(ctx context.Context, user model.Message, emit EmitFunc) (model.Message, error) {
	a.history = append(a.history, user.Clone())

	var reply strings.Builder
	_, err := a.client.ChatStream(ctx, a.modelName, cloud.ToChatMessages(a.history), func(delta string) {
		reply.WriteString(delta)
		emit(model.NewAssistantMessage(reply.String()))
	})

	final := model.NewAssistantMessage(reply.String())
	if err != nil {
		log.Error().Err(err).Str("model", a.modelName).Msg("Hosted backend turn failed")
		final = degradedReply(reply.String(), err)
		emit(final)
		err = &BackendError{Kind: model.KindHosted, Model: a.modelName, Cause: err}
	}

	a.history = append(a.history, final)
	return final, err
}

// Conversation implements Adapter.
func (a *HostedAdapter) Conversation() []model.Message {
	return model.CloneTranscript(a.history)
}

// ResetConversation implements Adapter.
func (a *HostedAdapter) ResetConversation(path string) error {
	if err := a.ExportConversation(path); err != nil {
		return err
	}
	a.history = nil
	return nil
}

// LoadConversationFile implements Adapter.
func (a *HostedAdapter) LoadConversationFile(path string) error {
	loaded, err := loadTranscript(a.store, path)
	if err != nil {
		return err
	}
	if err := a.ExportConversation(path); err != nil {
		return err
	}
	a.history = loaded
	return nil
}

// ExportConversation implements Adapter.
func (a *HostedAdapter) ExportConversation(path string) error {
	return exportTranscript(a.store, a.history, path)
}

var _ Adapter = (*HostedAdapter)(nil)
