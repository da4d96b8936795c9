// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes saved conversations out as Markdown or JSON.
//
// # Key Types
//
//   - Document: an envelope plus where it came from
//   - Exporter: renders a Document in one format
//   - Options: output directory and metadata switches
//
// # Usage
//
//	doc := &export.Document{Envelope: env, Path: "trip.json"}
//	path, err := export.ExportMarkdown(doc, export.DefaultOptions())
//
// User turns are exported as typed: RAG context injected at send time is
// stripped.
package export
