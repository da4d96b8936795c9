// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/model"
)

// SourcesDir is the RAG script directory, relative to the data dir.
const SourcesDir = "rag_sources"

// DiscoverSources lists the RAG sources a user can pick: NoRag first, then
// one ExternalScript per regular file in dir, sorted by name. A missing dir
// is created and yields only NoRag.
func DiscoverSources(dir string) ([]model.RagSource, error) {
	sources := []model.RagSource{model.NoRag}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		log.Info().Str("dir", dir).Msg("Creating RAG source folder")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return sources, errors.Wrap(err, "failed to create RAG source folder")
		}
		return sources, nil
	}
	if err != nil {
		return sources, errors.Wrap(err, "failed to read RAG source folder")
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sources = append(sources, model.ExternalScript(filepath.Join(dir, name)))
	}
	return sources, nil
}

// FindSource returns the source whose name matches name. An empty name or
// "none" selects NoRag.
func FindSource(sources []model.RagSource, name string) (model.RagSource, bool) {
	if name == "" || strings.EqualFold(name, "none") {
		return model.NoRag, true
	}
	for _, s := range sources {
		if !s.IsNone() && (s.Name() == name || filepath.Base(s.ScriptPath) == name) {
			return s, true
		}
	}
	return model.NoRag, false
}
