// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// formatDuration formats a time.Duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// formatAge renders how long ago t was, e.g. "3h ago".
func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return formatDuration(d) + " ago"
}

// formatParams renders a curated model size given in billions of parameters.
func formatParams(b float64) string {
	if b <= 0 {
		return "-"
	}
	if b < 1 {
		return fmt.Sprintf("%.0fM", b*1000)
	}
	return fmt.Sprintf("%gB", b)
}

// confirm asks a yes/no question on in. Anything but y/yes is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	reader := bufio.NewReader(in)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// ValidateOutputPath ensures an export directory is inside the home
// directory, the working directory or the temp directory.
func ValidateOutputPath(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", errors.New("path traversal not allowed")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", errors.Wrap(err, "invalid path")
	}

	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	for _, dir := range []string{home, cwd, os.TempDir()} {
		if dir != "" && isPathWithinDir(abs, dir) {
			return abs, nil
		}
	}
	return "", errors.New("path must be within home, cwd, or temp directory")
}

// isPathWithinDir checks containment on path boundaries, so /home/userEVIL
// is not inside /home/user.
func isPathWithinDir(path, dir string) bool {
	cleanPath := filepath.Clean(path)
	cleanDir := filepath.Clean(dir)
	if cleanPath == cleanDir {
		return true
	}
	return strings.HasPrefix(cleanPath, cleanDir+string(filepath.Separator))
}
