// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence for comhra.
//
// Each conversation is one JSON envelope file:
//
//	{"conversation": [{"role": "user", "content": "...", "images": [{"b64_string": "..."}]}],
//	 "archived": false, "starred": false, "name": "trip-planning"}
//
// Saves are merge-on-write: the caller supplies only the transcript, and the
// archived, starred and name fields of any envelope already on disk are kept.
//
// # Usage
//
//	store, _ := storage.NewConversationStore(dir)
//	path := storage.NewFilename()
//	err := store.Save(transcript, path)
//	env, err := store.Load(path) // nil, nil when absent
package storage
