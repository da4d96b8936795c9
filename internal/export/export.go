// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/model"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Document is a conversation to export.
type Document struct {
	Envelope *model.Envelope

	// Path is the conversation file the envelope was read from.
	Path string

	// Updated is the file's modification time, if known.
	Updated time.Time
}

// Title returns the conversation name, falling back to the file stem.
func (d *Document) Title() string {
	if d.Envelope != nil && d.Envelope.Name != "" {
		return d.Envelope.Name
	}
	if d.Path != "" {
		return filepath.Base(d.Path)
	}
	return "conversation"
}

// Exporter renders a document in one format.
type Exporter interface {
	// Export converts a conversation to the target format and returns the content.
	Export(doc *Document) ([]byte, error)

	// FileExtension returns the appropriate file extension (e.g., ".md").
	FileExtension() string

	// MimeType returns the MIME type for the exported format.
	MimeType() string
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// OutputDir is the directory where files will be saved.
	// Default: current working directory
	OutputDir string

	// IncludeMetadata includes the frontmatter and session section.
	IncludeMetadata bool

	// IncludeSystem includes system messages.
	IncludeSystem bool
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:       ".",
		IncludeMetadata: true,
		IncludeSystem:   true,
	}
}

// ForFormat returns the exporter for a format name.
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch format {
	case "markdown", "md", "":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	}
	return nil, errors.Errorf("unsupported export format: %s", format)
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ExportToFile renders doc with exporter and writes it into opts.OutputDir.
// It returns the path of the written file.
func ExportToFile(doc *Document, exporter Exporter, opts *Options) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	content, err := exporter.Export(doc)
	if err != nil {
		return "", errors.Wrap(err, "export failed")
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("conversation_%s_%s%s",
		sanitizeFilename(doc.Title()),
		timestamp,
		exporter.FileExtension(),
	)

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}

	outputPath := filepath.Join(opts.OutputDir, filename)
	if err := os.WriteFile(outputPath, content, 0644); err != nil {
		return "", errors.Wrap(err, "write file")
	}

	log.Info().Str("path", outputPath).Str("type", exporter.MimeType()).Msg("Exported conversation")
	return outputPath, nil
}

// ExportMarkdown exports to Markdown format.
func ExportMarkdown(doc *Document, opts *Options) (string, error) {
	return ExportToFile(doc, NewMarkdownExporter(opts), opts)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename removes or replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	maxLen := 50
	runes := []rune(s)
	if len(runes) > maxLen {
		runes = runes[:maxLen]
	}

	// Replace problematic characters (Windows and Unix)
	replacer := map[rune]rune{
		'/':  '-',
		'\\': '-',
		':':  '-',
		'*':  '-',
		'?':  '-',
		'"':  '-',
		'<':  '-',
		'>':  '-',
		'|':  '-',
		' ':  '_',
		'\t': '_',
		'\n': '_',
		'\r': '_',
	}

	result := make([]rune, 0, len(runes))
	for _, r := range runes {
		if replacement, found := replacer[r]; found {
			result = append(result, replacement)
		} else if r < 32 || r == 127 {
			result = append(result, '-')
		} else {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "conversation"
	}
	return string(result)
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
