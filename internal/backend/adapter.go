// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend adapts canonical conversations to concrete model backends.
package backend

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/jeranaias/comhra/internal/cloud"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/ollama"
	"github.com/jeranaias/comhra/internal/storage"
)

// =============================================================================
// ADAPTER CONTRACT
// =============================================================================

// EmitFunc receives cumulative assistant snapshots: each call carries the
// whole reply so far, never a delta.
type EmitFunc func(model.Message)

// Adapter is one backend's view of a conversation. The set of adapters is
// closed (Local, Hosted) and New picks one by descriptor kind.
//
// Adapters are not safe for concurrent use. A session hands its adapter to
// a single owner goroutine.
//
// There is no cancellation path for a turn: Ask runs until the backend
// stream ends or fails. Its context exists so process shutdown can tear
// down the connection, not to abort individual turns.
type Adapter interface {
	// Kind reports which backend variant this is.
	Kind() model.BackendKind

	// ModelName is the backend model this adapter talks to.
	ModelName() string

	// Ask appends user to the history, streams the reply through emit and
	// appends the final assistant message. On backend failure the returned
	// error matches ErrBackendUnavailable and the returned message is a
	// degraded reply carrying an error notice; it has already been emitted
	// and appended, so the conversation stays usable.
	Ask(ctx context.Context, user model.Message, emit EmitFunc) (model.Message, error)

	// Conversation returns a deep copy of the canonical history.
	Conversation() []model.Message

	// ResetConversation saves the history to path, then clears it.
	ResetConversation(path string) error

	// LoadConversationFile saves the current history to path, then replaces
	// it with the envelope stored there. A missing file yields
	// storage.ErrConversationNotFound and leaves the history untouched.
	LoadConversationFile(path string) error

	// ExportConversation saves the history to path without clearing it.
	// An empty history is logged and skipped.
	ExportConversation(path string) error
}

// Deps are the shared collaborators adapters are built from.
type Deps struct {
	Store  *storage.ConversationStore
	Ollama *ollama.Client
	// HostedTimeout bounds establishing a hosted stream.
	HostedTimeout time.Duration
}

// New builds the adapter for desc, seeded with a snapshot of seed.
func New(desc model.ModelDescriptor, seed []model.Message, deps Deps) (Adapter, error) {
	if deps.Store == nil {
		return nil, errors.New("backend: conversation store is required")
	}

	switch desc.Kind {
	case model.KindLocal:
		client := deps.Ollama
		if client == nil {
			client = ollama.NewClient()
		}
		return NewLocal(client, deps.Store, desc.Name, seed), nil

	case model.KindHosted:
		client, err := cloud.ForModel(desc, deps.HostedTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "backend: cannot build hosted client for %s", desc.Name)
		}
		return NewHosted(client, deps.Store, desc.Name, seed), nil
	}
	return nil, errors.Errorf("backend: unsupported kind %s", desc.Kind)
}
