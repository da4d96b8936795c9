// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog discovers the models every backend can serve.
package catalog

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/ollama"
)

// =============================================================================
// SOURCES
// =============================================================================

// Source contributes model descriptors for one backend.
type Source interface {
	Name() string
	Models(ctx context.Context) ([]model.ModelDescriptor, error)
}

// LocalSource lists the models installed in the local runner.
type LocalSource struct {
	Client *ollama.Client
}

// Name implements Source.
func (s LocalSource) Name() string { return "ollama" }

// Models implements Source.
func (s LocalSource) Models(ctx context.Context) ([]model.ModelDescriptor, error) {
	installed, err := s.Client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.ModelDescriptor, 0, len(installed))
	for _, m := range installed {
		out = append(out, model.LocalModel(m.Name))
	}
	return out, nil
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog concatenates the models of all its sources. Nothing is cached:
// every call re-queries live backend state.
type Catalog struct {
	sources []Source
}

// New creates a catalog over sources, listed in the given order.
func New(sources ...Source) *Catalog {
	return &Catalog{sources: sources}
}

// ListModels queries every source concurrently. A failing source is logged
// and contributes nothing; the others are still returned.
func (c *Catalog) ListModels(ctx context.Context) []model.ModelDescriptor {
	results := make([][]model.ModelDescriptor, len(c.sources))

	var g errgroup.Group
	for i, src := range c.sources {
		g.Go(func() error {
			models, err := src.Models(ctx)
			if err != nil {
				log.Warn().Err(err).Str("source", src.Name()).Msg("Model source unavailable")
				return nil
			}
			results[i] = models
			return nil
		})
	}
	_ = g.Wait()

	var all []model.ModelDescriptor
	for _, r := range results {
		all = append(all, r...)
	}
	if all == nil {
		all = []model.ModelDescriptor{}
	}
	return all
}

// Find returns the first descriptor named name, preferring kind when more
// than one backend offers the same name.
func Find(models []model.ModelDescriptor, name string, kind model.BackendKind) (model.ModelDescriptor, bool) {
	var fallback *model.ModelDescriptor
	for i := range models {
		if models[i].Name != name {
			continue
		}
		if models[i].Kind == kind {
			return models[i], true
		}
		if fallback == nil {
			fallback = &models[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return model.ModelDescriptor{}, false
}
