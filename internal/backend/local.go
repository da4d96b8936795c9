// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/ollama"
	"github.com/jeranaias/comhra/internal/storage"
)

// =============================================================================
// LOCAL ADAPTER
// =============================================================================

// localTurn keeps the request form of a message next to its canonical
// images, so history can be handed back without re-decoding anything.
type localTurn struct {
	msg    ollama.Message
	images []model.Image
}

func toLocalTurn(m model.Message) localTurn {
	return localTurn{
		msg: ollama.Message{
			Role:    string(m.Role),
			Content: m.Content,
			Images:  m.ImageStrings(),
		},
		images: m.Clone().Images,
	}
}

func (t localTurn) canonical() model.Message {
	return model.Message{
		Role:    model.Role(t.msg.Role),
		Content: t.msg.Content,
		Images:  append([]model.Image(nil), t.images...),
	}
}

// LocalAdapter talks to the local Ollama runner.
type LocalAdapter struct {
	client    *ollama.Client
	store     *storage.ConversationStore
	modelName string
	history   []localTurn
}

// NewLocal creates a local adapter seeded with a copy of seed.
func NewLocal(client *ollama.Client, store *storage.ConversationStore, modelName string, seed []model.Message) *LocalAdapter {
	if modelName == "" {
		modelName = client.GetConfig().DefaultModel
	}
	a := &LocalAdapter{client: client, store: store, modelName: modelName}
	a.setHistory(seed)
	return a
}

func (a *LocalAdapter) setHistory(msgs []model.Message) {
	a.history = make([]localTurn, 0, len(msgs))
	for _, m := range msgs {
		a.history = append(a.history, toLocalTurn(m))
	}
}

// Kind implements Adapter.
func (a *LocalAdapter) Kind() model.BackendKind { return model.KindLocal }

// ModelName implements Adapter.
func (a *LocalAdapter) ModelName() string { return a.modelName }

// Ask implements Adapter.
func (a *LocalAdapter) Ask(ctx context.Context, user model.Message, emit EmitFunc) (model.Message, error) {
	a.history = append(a.history, toLocalTurn(user))

	request := make([]ollama.Message, len(a.history))
	for i, t := range a.history {
		request[i] = t.msg
	}

	var reply strings.Builder
	err := a.client.ChatStream(ctx, a.modelName, request, func(chunk ollama.StreamChunk) {
		if chunk.Done {
			log.Debug().
				Str("model", chunk.Model).
				Str("done_reason", chunk.DoneReason).
				Int("prompt_tokens", chunk.PromptTokens).
				Int("completion_tokens", chunk.CompletionTokens).
				Dur("total", chunk.TotalDuration).
				Dur("eval", chunk.EvalDuration).
				Msg("Local reply finished")
		}
		if chunk.Content == "" {
			return
		}
		reply.WriteString(chunk.Content)
		emit(model.NewAssistantMessage(reply.String()))
	})

	final := model.NewAssistantMessage(reply.String())
	if err != nil {
		log.Error().Err(err).Str("model", a.modelName).Msg("Local backend turn failed")
		final = degradedReply(reply.String(), err)
		emit(final)
		err = &BackendError{Kind: model.KindLocal, Model: a.modelName, Cause: err}
	}

	a.history = append(a.history, toLocalTurn(final))
	return final, err
}

// Conversation implements Adapter.
func (a *LocalAdapter) Conversation() []model.Message {
	out := make([]model.Message, len(a.history))
	for i, t := range a.history {
		out[i] = t.canonical()
	}
	return out
}

// ResetConversation implements Adapter.
func (a *LocalAdapter) ResetConversation(path string) error {
	if err := a.ExportConversation(path); err != nil {
		return err
	}
	a.history = nil
	return nil
}

// LoadConversationFile implements Adapter.
func (a *LocalAdapter) LoadConversationFile(path string) error {
	loaded, err := loadTranscript(a.store, path)
	if err != nil {
		return err
	}
	if err := a.ExportConversation(path); err != nil {
		return err
	}
	a.setHistory(loaded)
	return nil
}

// ExportConversation implements Adapter.
func (a *LocalAdapter) ExportConversation(path string) error {
	return exportTranscript(a.store, a.Conversation(), path)
}

var _ Adapter = (*LocalAdapter)(nil)
