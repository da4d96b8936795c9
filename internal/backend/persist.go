// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/storage"
)

// exportTranscript saves msgs to path, treating an empty transcript as a
// logged no-op.
func exportTranscript(store *storage.ConversationStore, msgs []model.Message, path string) error {
	if len(msgs) == 0 {
		log.Debug().Str("path", path).Err(storage.ErrEmptyHistory).Msg("Skipping export")
		return nil
	}
	return store.Save(msgs, path)
}

// loadTranscript reads the envelope at path, requiring it to exist.
func loadTranscript(store *storage.ConversationStore, path string) ([]model.Message, error) {
	env, err := store.LoadExisting(path)
	if err != nil {
		return nil, err
	}
	return env.Conversation, nil
}
