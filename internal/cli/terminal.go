// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// =============================================================================
// TTY DETECTION
// =============================================================================

// IsStdoutTTY returns true if stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// =============================================================================
// TERMINAL WIDTH
// =============================================================================

const (
	// DefaultTerminalWidth is the fallback width when detection fails
	DefaultTerminalWidth = 80

	// MinTerminalWidth is the minimum width we'll use for wrapping
	MinTerminalWidth = 40
)

// GetTerminalWidth returns the current terminal width, or
// DefaultTerminalWidth when it cannot be determined.
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return DefaultTerminalWidth
	}
	if width < MinTerminalWidth {
		return MinTerminalWidth
	}
	return width
}

// WrapText wraps text to fit within maxWidth, keeping existing newlines.
// A non-positive maxWidth means the terminal width.
func WrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		maxWidth = GetTerminalWidth()
	}
	if maxWidth > 10 {
		maxWidth -= 2
	}

	var result strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			result.WriteString("\n")
		}
		if len([]rune(line)) <= maxWidth {
			result.WriteString(line)
			continue
		}

		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			if len([]rune(current))+1+len([]rune(word)) <= maxWidth {
				current += " " + word
			} else {
				result.WriteString(current)
				result.WriteString("\n")
				current = word
			}
		}
		result.WriteString(current)
	}
	return result.String()
}

// =============================================================================
// COLOR OUTPUT CONTROL
// =============================================================================

var (
	colorsEnabled     bool
	colorsEnabledOnce sync.Once
	colorsMu          sync.RWMutex
)

// ColorsEnabled returns true if colored output should be used. NO_COLOR
// wins over FORCE_COLOR, which wins over TTY detection.
func ColorsEnabled() bool {
	colorsEnabledOnce.Do(func() {
		enabled := IsStdoutTTY()
		if os.Getenv("FORCE_COLOR") != "" {
			enabled = true
		}
		if os.Getenv("NO_COLOR") != "" {
			enabled = false
		}
		colorsMu.Lock()
		colorsEnabled = enabled
		colorsMu.Unlock()
	})
	colorsMu.RLock()
	defer colorsMu.RUnlock()
	return colorsEnabled
}

// ForceColorsEnabled overrides color detection (for testing).
func ForceColorsEnabled(enabled bool) {
	colorsEnabledOnce.Do(func() {})
	colorsMu.Lock()
	colorsEnabled = enabled
	colorsMu.Unlock()
	if enabled {
		lipgloss.SetColorProfile(termenv.ANSI256)
	} else {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// GetColorProfile returns Ascii when colors are disabled, otherwise the
// profile termenv detects.
func GetColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}
