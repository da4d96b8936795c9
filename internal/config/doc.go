// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads comhra settings from ~/.comhra/config.toml.
//
// Values are layered: built-in defaults, then the TOML file, then
// environment variables (COMHRA_*). The result is validated before use.
//
// # Key Types
//
//   - Config: sections general, local, hosted, session, logging
//   - ValidateErrors: every problem found by Validate
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	store, err := storage.NewConversationStore(cfg.ConversationsDir())
package config
