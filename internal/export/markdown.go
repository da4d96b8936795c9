// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/prompt"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports conversations to Markdown format.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a conversation to Markdown format.
func (e *MarkdownExporter) Export(doc *Document) ([]byte, error) {
	if doc == nil || doc.Envelope == nil {
		return nil, errors.New("conversation is nil")
	}
	env := doc.Envelope
	if len(env.Conversation) == 0 {
		return nil, errors.New("conversation has no messages")
	}

	messages := e.visible(env.Conversation)
	title := doc.Title()

	var sb strings.Builder

	// YAML frontmatter with metadata
	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		sb.WriteString(fmt.Sprintf("title: %s\n", escapeYAML(title)))
		if !doc.Updated.IsZero() {
			sb.WriteString(fmt.Sprintf("updated: %s\n", doc.Updated.Format(time.RFC3339)))
		}
		sb.WriteString(fmt.Sprintf("messages: %d\n", len(messages)))
		sb.WriteString(fmt.Sprintf("starred: %t\n", env.Starred))
		sb.WriteString(fmt.Sprintf("archived: %t\n", env.Archived))
		sb.WriteString(fmt.Sprintf("exported: %s\n", time.Now().Format(time.RFC3339)))
		sb.WriteString("generator: comhra\n")
		sb.WriteString("---\n\n")
	}

	sb.WriteString(fmt.Sprintf("# %s\n\n", escapeMarkdown(title)))

	if e.options.IncludeMetadata {
		sb.WriteString("## Conversation Information\n\n")
		if doc.Path != "" {
			sb.WriteString(fmt.Sprintf("- **File**: %s\n", doc.Path))
		}
		if !doc.Updated.IsZero() {
			sb.WriteString(fmt.Sprintf("- **Last Updated**: %s\n", formatTimestamp(doc.Updated)))
		}
		sb.WriteString(fmt.Sprintf("- **Messages**: %d\n", len(messages)))
		sb.WriteString("\n---\n\n")
	}

	sb.WriteString("## Conversation\n\n")

	for i, msg := range messages {
		sb.WriteString(fmt.Sprintf("### %s\n\n", formatRoleLabel(msg.Role)))

		content := msg.Content
		if msg.Role == model.RoleUser {
			content = prompt.Unformat(content)
		}
		sb.WriteString(strings.TrimSpace(content))
		sb.WriteString("\n\n")

		if n := len(msg.Images); n > 0 {
			sb.WriteString(fmt.Sprintf("*%d image(s) attached*\n\n", n))
		}

		// Separator between messages (except last)
		if i < len(messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	sb.WriteString("\n---\n\n")
	sb.WriteString(fmt.Sprintf("*Exported from comhra on %s*\n",
		time.Now().Format("January 2, 2006 at 3:04 PM")))

	return []byte(sb.String()), nil
}

func (e *MarkdownExporter) visible(msgs []model.Message) []model.Message {
	if e.options.IncludeSystem {
		return msgs
	}
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != model.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// formatRoleLabel returns a formatted label for the message role.
func formatRoleLabel(role model.Role) string {
	if role == "" {
		return "Unknown"
	}
	return "[" + role.DisplayName() + "]"
}

// escapeMarkdown escapes special Markdown characters in plain text.
func escapeMarkdown(s string) string {
	// Only escape characters that would break formatting in titles/headings
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}

// escapeYAML escapes special YAML characters in values.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
