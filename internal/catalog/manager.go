// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/ollama"
)

// CuratedListFile is the curated local model list, relative to the data dir.
const CuratedListFile = "ollama_model_list.json"

// DefaultProgressInterval is the minimum spacing between progress reports.
const DefaultProgressInterval = 100 * time.Millisecond

// ProgressFunc receives the completed fraction of a download in [0, 1].
type ProgressFunc func(fraction float64)

// Manager manages models installed in the local runner.
type Manager struct {
	client      *ollama.Client
	curatedPath string

	// ProgressInterval throttles Pull progress callbacks.
	ProgressInterval time.Duration
}

// NewManager creates a manager. curatedPath may point at a missing file.
func NewManager(client *ollama.Client, curatedPath string) *Manager {
	return &Manager{
		client:           client,
		curatedPath:      curatedPath,
		ProgressInterval: DefaultProgressInterval,
	}
}

// ReadCurated loads the curated model list. A missing file is an empty list.
func ReadCurated(path string) ([]model.CuratedModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.CuratedModel{}, nil
		}
		return nil, errors.Wrapf(err, "failed to read curated list %s", path)
	}
	var list []model.CuratedModel
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrapf(err, "invalid curated list %s", path)
	}
	return list, nil
}

// LocalModels returns the curated list with Downloaded computed by set
// membership against the runner's installed models. When the runner
// cannot be reached every entry reports not downloaded.
func (m *Manager) LocalModels(ctx context.Context) ([]model.CuratedModel, error) {
	list, err := ReadCurated(m.curatedPath)
	if err != nil {
		return nil, err
	}

	installed, err := m.client.ModelNames(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not list installed models")
		installed = map[string]bool{}
	}
	for i := range list {
		list[i].Downloaded = installed[list[i].DownloadName]
	}
	return list, nil
}

// Pull downloads name unless it is already installed. progress, if set, is
// called at most once per ProgressInterval, except that a completed layer
// (fraction 1) is always reported.
func (m *Manager) Pull(ctx context.Context, name string, progress ProgressFunc) error {
	installed, err := m.client.ModelNames(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot reach local runner")
	}
	if installed[name] {
		log.Info().Str("model", name).Msg("Model already installed")
		return nil
	}

	limiter := rate.NewLimiter(rate.Every(m.ProgressInterval), 1)
	log.Info().Str("model", name).Msg("Downloading model")
	err = m.client.Pull(ctx, name, func(p ollama.PullProgress) {
		f := p.Fraction()
		if progress == nil || f < 0 {
			return
		}
		if f >= 1 || limiter.Allow() {
			progress(f)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "failed to pull %s", name)
	}
	return nil
}

// Delete removes an installed model.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := m.client.Delete(ctx, name); err != nil {
		return errors.Wrapf(err, "failed to delete %s", name)
	}
	return nil
}
