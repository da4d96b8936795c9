// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/cloud"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/util"
)

// APIModelsFile is the model list file for hosted backends, relative to
// the models directory.
const APIModelsFile = "api_models.json"

// FileSource reads a model list file: a JSON array of descriptors, one file
// per non-local backend kind. A missing file is an empty list.
type FileSource struct {
	Path string
}

// Name implements Source.
func (s FileSource) Name() string { return filepath.Base(s.Path) }

// Models implements Source.
func (s FileSource) Models(ctx context.Context) ([]model.ModelDescriptor, error) {
	return ReadModelList(s.Path)
}

// ReadModelList loads a model list file.
func ReadModelList(path string) ([]model.ModelDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.ModelDescriptor{}, nil
		}
		return nil, errors.Wrapf(err, "failed to read model list %s", path)
	}

	var models []model.ModelDescriptor
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, errors.Wrapf(err, "invalid model list %s", path)
	}
	return models, nil
}

// WriteModelList saves models to path. An empty list is skipped so an
// existing file is never truncated to nothing.
func WriteModelList(path string, models []model.ModelDescriptor) error {
	if len(models) == 0 {
		log.Info().Str("path", path).Msg("Model list empty, not writing")
		return nil
	}
	if err := util.WriteJSONFile(path, models, 0600); err != nil {
		return errors.Wrap(err, "failed to write model list")
	}
	log.Debug().Str("path", path).Int("models", len(models)).Msg("Wrote model list")
	return nil
}

// DiscoverHosted asks a hosted endpoint for its models and returns
// descriptors that reuse template's key, variant and base URL.
func DiscoverHosted(ctx context.Context, client *cloud.Client, template model.ModelDescriptor) ([]model.ModelDescriptor, error) {
	ids, err := client.ListModelIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.ModelDescriptor, 0, len(ids))
	for _, id := range ids {
		d := template
		d.Name = id
		d.Kind = model.KindHosted
		out = append(out, d)
	}
	return out, nil
}
