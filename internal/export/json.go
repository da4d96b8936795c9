// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter writes the envelope unchanged, indented. The result loads
// back as a conversation file; options do not filter it.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// Export converts a conversation to JSON format.
func (e *JSONExporter) Export(doc *Document) ([]byte, error) {
	if doc == nil || doc.Envelope == nil {
		return nil, errors.New("conversation is nil")
	}
	return json.MarshalIndent(doc.Envelope, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
