// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence for comhra.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/util"
)

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationStore owns the on-disk envelopes. Paths handed to it are
// resolved against BaseDir unless they are absolute.
//
// There is no locking between processes: two writers to the same path race
// and the last rename wins.
type ConversationStore struct {
	// BaseDir is the directory holding conversation files.
	// Default: ~/.comhra/conversations/
	BaseDir string
}

// NewConversationStore creates a store rooted at baseDir, creating the
// directory if needed.
func NewConversationStore(baseDir string) (*ConversationStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create conversations directory")
	}
	return &ConversationStore{BaseDir: baseDir}, nil
}

// NewFilename returns a fresh, unique conversation file name.
func NewFilename() string {
	return uuid.New().String() + ".json"
}

// Path resolves a conversation path against BaseDir.
func (s *ConversationStore) Path(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.BaseDir, path)
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the envelope at path. A missing file is not an error: it yields
// (nil, nil) so callers can start fresh. A file that exists but does not
// parse yields an error matching ErrCorruptData.
func (s *ConversationStore) Load(path string) (*model.Envelope, error) {
	full := s.Path(path)

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read conversation %s", full)
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, corruptError(full, err)
	}
	for i, msg := range env.Conversation {
		if !msg.Role.Valid() {
			return nil, corruptError(full, errors.Errorf("message %d has unknown role %q", i, msg.Role))
		}
	}
	if env.Conversation == nil {
		env.Conversation = []model.Message{}
	}
	return &env, nil
}

// LoadExisting is Load for callers that need the file to exist. A missing
// file yields ErrConversationNotFound.
func (s *ConversationStore) LoadExisting(path string) (*model.Envelope, error) {
	env, err := s.Load(path)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, notFoundError(s.Path(path))
	}
	return env, nil
}

// Save writes transcript to path. The archived, starred and name fields of
// any envelope already at path are carried forward; without one, name is
// the file stem and both flags are false.
func (s *ConversationStore) Save(transcript []model.Message, path string) error {
	full := s.Path(path)

	prior, err := s.Load(full)
	if err != nil {
		return errors.Wrap(err, "failed to read prior envelope")
	}

	env := model.NewEnvelope(model.CloneTranscript(transcript), util.FileStem(full))
	if prior != nil {
		env.Archived = prior.Archived
		env.Starred = prior.Starred
		env.Name = prior.Name
	}

	if err := s.write(full, env); err != nil {
		return err
	}
	log.Debug().Str("path", full).Int("turns", env.Turns()).Msg("Saved conversation")
	return nil
}

func (s *ConversationStore) write(full string, env *model.Envelope) error {
	if err := util.WriteJSONFile(full, env, 0644); err != nil {
		return errors.Wrapf(err, "failed to write conversation %s", full)
	}
	return nil
}

// =============================================================================
// METADATA OPERATIONS
// =============================================================================

// Update loads the envelope at path, applies fn, and writes it back.
func (s *ConversationStore) Update(path string, fn func(env *model.Envelope)) (*model.Envelope, error) {
	full := s.Path(path)
	env, err := s.LoadExisting(full)
	if err != nil {
		return nil, err
	}
	fn(env)
	if err := s.write(full, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Rename sets the display name.
func (s *ConversationStore) Rename(path, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("conversation name cannot be empty")
	}
	_, err := s.Update(path, func(env *model.Envelope) { env.Name = name })
	return err
}

// SetStarred sets the starred flag.
func (s *ConversationStore) SetStarred(path string, starred bool) error {
	_, err := s.Update(path, func(env *model.Envelope) { env.Starred = starred })
	return err
}

// SetArchived sets the archived flag.
func (s *ConversationStore) SetArchived(path string, archived bool) error {
	_, err := s.Update(path, func(env *model.Envelope) { env.Archived = archived })
	return err
}

// ToggleStarred flips the starred flag and returns the new value.
func (s *ConversationStore) ToggleStarred(path string) (bool, error) {
	env, err := s.Update(path, func(env *model.Envelope) { env.Starred = !env.Starred })
	if err != nil {
		return false, err
	}
	return env.Starred, nil
}

// ToggleArchived flips the archived flag and returns the new value.
func (s *ConversationStore) ToggleArchived(path string) (bool, error) {
	env, err := s.Update(path, func(env *model.Envelope) { env.Archived = !env.Archived })
	if err != nil {
		return false, err
	}
	return env.Archived, nil
}

// =============================================================================
// LIST / DELETE
// =============================================================================

// List returns the file names of all envelopes in BaseDir, sorted.
func (s *ConversationStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrap(err, "failed to list conversations")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsConversationFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the envelope at path.
func (s *ConversationStore) Delete(path string) error {
	full := s.Path(path)
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return notFoundError(full)
		}
		return errors.Wrapf(err, "failed to delete conversation %s", full)
	}
	log.Debug().Str("path", full).Msg("Deleted conversation")
	return nil
}

// IsConversationFile reports whether name looks like an envelope file.
// Temp files left by atomic writes are excluded.
func IsConversationFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
