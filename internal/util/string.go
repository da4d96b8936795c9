// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"path/filepath"
	"strings"
)

// TruncateRunes truncates s to at most maxRunes characters, appending "..."
// when something was cut. Counting runes keeps multi-byte characters whole.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// Preview collapses all whitespace runs in s to single spaces and truncates
// the result, for one-line listings.
func Preview(s string, maxRunes int) string {
	return TruncateRunes(strings.Join(strings.Fields(s), " "), maxRunes)
}

// FileStem returns the base name of path without its extension.
func FileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
