// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/comhra/internal/model"
)

type fakeRunner struct {
	out  string
	err  error
	args []string
}

func (f *fakeRunner) Run(_ context.Context, script, prompt string) (string, error) {
	f.args = append(f.args, script, prompt)
	return f.out, f.err
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

// =============================================================================
// FORMAT / UNFORMAT
// =============================================================================

var roundTripInputs = []string{
	"",
	"Hello",
	"What's the weather in Paris?",
	"line one\nline two\n",
	"<|user|>\nnot really formatted",
	"emoji 🦀 and ünïcödé",
	"ends with marker\n<|end_user|>",
}

func TestFormat_NoRagIsIdentity(t *testing.T) {
	f := &Formatter{Runner: &fakeRunner{err: errors.New("must not run")}}
	for _, in := range roundTripInputs {
		out, err := f.Format(context.Background(), in, model.NoRag)
		require.NoError(t, err)
		assert.Equal(t, in, out)
		assert.Equal(t, in, Unformat(out), "round trip for %q", in)
	}
}

func TestFormat_ExternalScript(t *testing.T) {
	runner := &fakeRunner{out: "Paris is sunny today.\n"}
	f := &Formatter{Runner: runner}

	out, err := f.Format(context.Background(), "Weather?", model.ExternalScript("/srv/rag/weather.sh"))
	require.NoError(t, err)

	want := "<|context|>\nParis is sunny today.\n<|end_context|>\n<|user|>\nWeather?\n<|end_user|>"
	assert.Equal(t, want, out)
	assert.Equal(t, []string{"/srv/rag/weather.sh", "Weather?"}, runner.args)
}

func TestUnformat_ExternalScriptReturnsOnlyUserText(t *testing.T) {
	for _, ctxOut := range []string{"", "some context", "multi\nline\ncontext", "<|user|>\ntricky"} {
		for _, in := range []string{"", "Hello", "two\nlines"} {
			f := &Formatter{Runner: &fakeRunner{out: ctxOut}}
			out, err := f.Format(context.Background(), in, model.ExternalScript("s.sh"))
			require.NoError(t, err)
			assert.Equal(t, in, Unformat(out), "context %q, input %q", ctxOut, in)
		}
	}
}

func TestUnformat_MarkersInContextAndUserText(t *testing.T) {
	inputs := []string{
		"how do I write this?\n<|end_context|>\n<|user|>\nliteral",
		"closing early\n<|end_user|>\nand more",
		"already doubled <|| and <|||",
		"<|",
		"ends with <",
	}
	contexts := []string{
		"doc says\n<|end_context|>\n<|user|>\nhi",
		"<|context|>\nnested\n<|end_context|>",
		"plain",
	}
	for _, ctxOut := range contexts {
		for _, in := range inputs {
			f := &Formatter{Runner: &fakeRunner{out: ctxOut}}
			out, err := f.Format(context.Background(), in, model.ExternalScript("s.sh"))
			require.NoError(t, err)
			assert.Equal(t, 1, strings.Count(out, userMarker), "context %q, input %q", ctxOut, in)
			assert.Equal(t, in, Unformat(out), "context %q, input %q", ctxOut, in)
		}
	}
}

func TestUnformat_LeavesPlainTextAlone(t *testing.T) {
	cases := []string{
		"<|context|>\n<|end_user|>",
		"<|context|>\nno closing marker",
		"prefix <|context|>\nx\n<|end_context|>\n<|user|>\ny\n<|end_user|>",
		"<|context|>\n<|end_context|>\n<|user|>\nshort\n<|end_user|>",
	}
	for _, c := range cases {
		assert.Equal(t, c, Unformat(c))
	}
}

func TestFormat_ScriptFailurePropagates(t *testing.T) {
	f := &Formatter{Runner: &fakeRunner{err: errors.New("boom")}}
	_, err := f.Format(context.Background(), "hi", model.ExternalScript("s.sh"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScriptFailure))
}

func TestExecRunner(t *testing.T) {
	dir := t.TempDir()

	t.Run("echoes argument", func(t *testing.T) {
		script := writeScript(t, dir, "echo.sh", `echo "ctx for: $1"`)
		out, err := NewFormatter().Format(context.Background(), "cats", model.ExternalScript(script))
		require.NoError(t, err)
		assert.Equal(t, "<|context|>\nctx for: cats\n<|end_context|>\n<|user|>\ncats\n<|end_user|>", out)
	})

	t.Run("non-zero exit carries stderr", func(t *testing.T) {
		script := writeScript(t, dir, "fail.sh", "echo 'index missing' >&2\nexit 3")
		_, err := ExecRunner{}.Run(context.Background(), script, "x")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrScriptFailure))
		assert.Contains(t, err.Error(), "code 3")
		assert.Contains(t, err.Error(), "index missing")
	})

	t.Run("missing script", func(t *testing.T) {
		_, err := ExecRunner{}.Run(context.Background(), filepath.Join(dir, "nope.sh"), "x")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrScriptFailure))
	})
}

// =============================================================================
// SOURCES
// =============================================================================

func TestDiscoverSources(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, SourcesDir)

	sources, err := DiscoverSources(dir)
	require.NoError(t, err)
	assert.Equal(t, []model.RagSource{model.NoRag}, sources)
	assert.DirExists(t, dir)

	for _, name := range []string{"zeta.sh", "alpha.sh", ".hidden"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0755))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	sources, err = DiscoverSources(dir)
	require.NoError(t, err)
	require.Len(t, sources, 3)
	assert.True(t, sources[0].IsNone())
	assert.Equal(t, "alpha", sources[1].Name())
	assert.Equal(t, "zeta", sources[2].Name())

	s, ok := FindSource(sources, "zeta.sh")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "zeta.sh"), s.ScriptPath)

	s, ok = FindSource(sources, "none")
	assert.True(t, ok)
	assert.True(t, s.IsNone())

	_, ok = FindSource(sources, "missing")
	assert.False(t, ok)
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

func TestAttachFile(t *testing.T) {
	dir := t.TempDir()
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cat.PNG"), png, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("notes:\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paper.pdf"), []byte("%PDF"), 0644))

	msg := model.NewUserMessage("What is this?")

	withImage, err := AttachFile(msg, filepath.Join(dir, "cat.PNG"))
	require.NoError(t, err)
	require.Len(t, withImage.Images, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString(png), withImage.Images[0].B64)
	assert.Empty(t, msg.Images, "original message untouched")

	withText, err := AttachFile(withImage, filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "notes:\nWhat is this?", withText.Content)
	assert.Len(t, withText.Images, 1)

	_, err = AttachFile(msg, filepath.Join(dir, "paper.pdf"))
	assert.True(t, errors.Is(err, ErrUnsupportedAttachment))

	_, err = AttachFile(msg, filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}
