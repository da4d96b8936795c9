// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the comhra command line.
//
// # Commands
//
//   - chat: interactive session with streaming replies and slash commands
//   - models: list, curated, pull, rm, discover
//   - conversations: list, show, rename, star, archive, delete, export, search
//   - rag: list
//   - config: show, get, set, path
//   - version
//
// The chat command runs a session.Orchestrator whose emissions are
// published on an in-process watermill bus and rendered by TerminalSink.
//
// Every listing command accepts --json and writes a JSONResponse.
package cli
