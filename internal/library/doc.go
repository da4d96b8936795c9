// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package library keeps a SQLite index of saved conversations for the
// sidebar: names, flags, turn counts and a preview, plus full-text search
// over message text.
//
// The conversation files stay the source of truth. Sync rebuilds the index
// from them, Refresh and Remove update single entries, and a Watcher keeps
// the index current while files change on disk.
//
// # Usage
//
//	lib, err := library.Open(store, filepath.Join(dataDir, "library.db"))
//	if err != nil {
//	    return err
//	}
//	defer lib.Close()
//
//	lib.Sync(ctx)
//	starred, _ := lib.List(library.Filter{Starred: library.Only})
package library
