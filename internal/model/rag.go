// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "github.com/jeranaias/comhra/internal/util"

// RagSource says how a user turn is augmented before dispatch. The zero
// value is NoRag.
type RagSource struct {
	// ScriptPath is the external search script; empty means no augmentation.
	ScriptPath string
}

// NoRag leaves prompts untouched.
var NoRag = RagSource{}

// ExternalScript augments prompts with the stdout of the script at path.
func ExternalScript(path string) RagSource {
	return RagSource{ScriptPath: path}
}

// IsNone reports whether the source performs no augmentation.
func (r RagSource) IsNone() bool {
	return r.ScriptPath == ""
}

// Name is the label shown in source pickers.
func (r RagSource) Name() string {
	if r.IsNone() {
		return "No RAG"
	}
	return util.FileStem(r.ScriptPath)
}
