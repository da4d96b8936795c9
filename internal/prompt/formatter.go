// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/util"
)

// =============================================================================
// TEMPLATE
// =============================================================================

const (
	contextOpen  = "<|context|>\n"
	contextClose = "\n<|end_context|>\n"
	userOpen     = "<|user|>\n"
	userClose    = "\n<|end_user|>"

	// userMarker separates the context block from the user's text.
	userMarker = contextClose + userOpen

	// Inside a block every "<|" is written as "<||", so no block can
	// contain a marker.
	markerStart   = "<|"
	markerEscaped = "<||"
)

// DefaultScriptTimeout bounds one RAG script run.
const DefaultScriptTimeout = 30 * time.Second

// maxStderr is how much script stderr is kept in an error.
const maxStderr = 2000

// ErrScriptFailure is wrapped by every error from a failed RAG script.
var ErrScriptFailure = errors.New("rag script failed")

// =============================================================================
// SCRIPT RUNNER
// =============================================================================

// ScriptRunner runs a RAG script with the prompt as its single argument and
// returns its stdout.
type ScriptRunner interface {
	Run(ctx context.Context, script, prompt string) (string, error)
}

// ExecRunner runs scripts as child processes.
type ExecRunner struct {
	Timeout time.Duration
}

// Run implements ScriptRunner. A non-zero exit is an error that carries the
// script's stderr.
func (r ExecRunner) Run(ctx context.Context, script, prompt string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, script, prompt)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	log.Debug().
		Str("script", script).
		Dur("duration", time.Since(start)).
		Int("stdout_bytes", stdout.Len()).
		Msg("RAG script finished")

	if err != nil {
		msg := strings.TrimSpace(util.TruncateRunes(stderr.String(), maxStderr))
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.Wrapf(ErrScriptFailure, "%s timed out after %s", script, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", errors.Wrapf(ErrScriptFailure, "%s exited with code %d: %s", script, exitErr.ExitCode(), msg)
		}
		return "", errors.Wrapf(ErrScriptFailure, "%s: %v", script, err)
	}
	return stdout.String(), nil
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter applies a RAG source to user text.
type Formatter struct {
	Runner ScriptRunner
}

// NewFormatter creates a formatter that runs scripts as child processes.
func NewFormatter() *Formatter {
	return &Formatter{Runner: ExecRunner{}}
}

// Format returns the prompt for text under src. With no RAG source it is the
// identity. A script failure is returned, never swallowed.
func (f *Formatter) Format(ctx context.Context, text string, src model.RagSource) (string, error) {
	if src.IsNone() {
		return text, nil
	}

	runner := f.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	out, err := runner.Run(ctx, src.ScriptPath, text)
	if err != nil {
		if !errors.Is(err, ErrScriptFailure) {
			err = errors.Wrapf(ErrScriptFailure, "%s: %v", src.ScriptPath, err)
		}
		log.Warn().Err(err).Str("source", src.Name()).Msg("RAG script failed")
		return "", err
	}
	return render(strings.TrimRight(out, "\n"), text), nil
}

func render(ragContext, text string) string {
	ragContext = escapeBlock(ragContext)
	text = escapeBlock(text)

	var sb strings.Builder
	sb.Grow(len(contextOpen) + len(ragContext) + len(userMarker) + len(text) + len(userClose))
	sb.WriteString(contextOpen)
	sb.WriteString(ragContext)
	sb.WriteString(userMarker)
	sb.WriteString(text)
	sb.WriteString(userClose)
	return sb.String()
}

func escapeBlock(s string) string {
	return strings.ReplaceAll(s, markerStart, markerEscaped)
}

func unescapeBlock(s string) string {
	return strings.ReplaceAll(s, markerEscaped, markerStart)
}

// Unformat returns the user's text from a formatted prompt. Anything that
// does not have the template's shape is returned unchanged, so
// Unformat(Format(t, NoRag)) == t.
//
// Markers in the script output or in the user's text are escaped by Format,
// so they never end the user block early. Text the user typed without a RAG
// source that itself has the full template shape cannot be told apart from
// a formatted prompt.
func Unformat(s string) string {
	if len(s) < len(contextOpen)+len(userClose) ||
		!strings.HasPrefix(s, contextOpen) || !strings.HasSuffix(s, userClose) {
		return s
	}
	body := s[len(contextOpen) : len(s)-len(userClose)]
	i := strings.Index(body, userMarker)
	if i < 0 {
		return s
	}
	return unescapeBlock(body[i+len(userMarker):])
}
