// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across comhra packages.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - WriteJSONFile: JSON encoding on top of AtomicWriteFile
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - Preview: single-line, truncated rendering of free text
//   - FileStem: base name without extension
//
// # Usage
//
//	// Persist an envelope without risking a half-written file
//	err := util.WriteJSONFile(path, envelope, 0644)
//
//	// Sidebar preview of the first user turn
//	line := util.Preview(msg.Content, 60)
package util
