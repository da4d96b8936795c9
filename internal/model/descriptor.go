// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// =============================================================================
// BACKEND KIND
// =============================================================================

// BackendKind identifies which adapter serves a model.
type BackendKind int

const (
	// KindLocal is the locally managed model runner (Ollama).
	KindLocal BackendKind = iota
	// KindHosted is a hosted chat-completions API.
	KindHosted
)

// String returns the kind name used in logs and listings.
func (k BackendKind) String() string {
	switch k {
	case KindLocal:
		return "Ollama"
	case KindHosted:
		return "Api"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

// APIVariant selects the hosted API dialect.
type APIVariant string

const (
	// VariantOpenAI talks to api.openai.com.
	VariantOpenAI APIVariant = "OpenAI"
	// VariantGeneric talks to any OpenAI-compatible endpoint at BaseURL.
	VariantGeneric APIVariant = "Generic"
)

// =============================================================================
// MODEL DESCRIPTOR
// =============================================================================

// ModelDescriptor names a model and the backend that serves it. Names are
// not unique across backends; Kind disambiguates.
type ModelDescriptor struct {
	Name    string
	Kind    BackendKind
	APIKey  string
	Variant APIVariant
	BaseURL string
}

// LocalModel returns a descriptor for a model served by the local runner.
func LocalModel(name string) ModelDescriptor {
	return ModelDescriptor{Name: name, Kind: KindLocal}
}

// HostedModel returns a descriptor for a hosted model.
func HostedModel(name, apiKey string, variant APIVariant) ModelDescriptor {
	return ModelDescriptor{Name: name, Kind: KindHosted, APIKey: apiKey, Variant: variant}
}

// Label returns "name (kind)" for listings.
func (d ModelDescriptor) Label() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Kind)
}

// descriptorJSON is the on-disk shape of a model list entry:
//
//	{"name": "phi3:latest", "model_type": "Ollama"}
//	{"name": "gpt-4o", "model_type": {"Api": ["sk-...", "OpenAI"]}}
type descriptorJSON struct {
	Name      string          `json:"name"`
	ModelType json.RawMessage `json:"model_type"`
	BaseURL   string          `json:"base_url,omitempty"`
}

type apiModelType struct {
	Api [2]string `json:"Api"`
}

// MarshalJSON implements json.Marshaler.
func (d ModelDescriptor) MarshalJSON() ([]byte, error) {
	var modelType interface{}
	switch d.Kind {
	case KindLocal:
		modelType = "Ollama"
	case KindHosted:
		variant := d.Variant
		if variant == "" {
			variant = VariantOpenAI
		}
		modelType = apiModelType{Api: [2]string{d.APIKey, string(variant)}}
	default:
		return nil, errors.Errorf("unknown backend kind %d", int(d.Kind))
	}

	raw, err := json.Marshal(modelType)
	if err != nil {
		return nil, err
	}
	return json.Marshal(descriptorJSON{Name: d.Name, ModelType: raw, BaseURL: d.BaseURL})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *ModelDescriptor) UnmarshalJSON(data []byte) error {
	var raw descriptorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Name == "" {
		return errors.New("model descriptor has no name")
	}

	var tag string
	if err := json.Unmarshal(raw.ModelType, &tag); err == nil {
		if tag != "Ollama" {
			return errors.Errorf("unsupported model type %q", tag)
		}
		*d = ModelDescriptor{Name: raw.Name, Kind: KindLocal}
		return nil
	}

	var api apiModelType
	if err := json.Unmarshal(raw.ModelType, &api); err != nil {
		return errors.Wrapf(err, "model %q: invalid model_type", raw.Name)
	}
	variant := APIVariant(api.Api[1])
	if variant != VariantOpenAI && variant != VariantGeneric {
		return errors.Errorf("model %q: unsupported api variant %q", raw.Name, api.Api[1])
	}
	*d = ModelDescriptor{
		Name:    raw.Name,
		Kind:    KindHosted,
		APIKey:  api.Api[0],
		Variant: variant,
		BaseURL: raw.BaseURL,
	}
	return nil
}

// =============================================================================
// CURATED MODELS
// =============================================================================

// CuratedModel is an entry of the hand-maintained list of models offered
// for download to the local runner. Downloaded is recomputed on every
// listing from the runner's installed set.
type CuratedModel struct {
	DisplayName  string  `json:"display_name"`
	DownloadName string  `json:"download_name"`
	SizeInB      float64 `json:"size_in_b"`
	Description  string  `json:"description"`
	Downloaded   bool    `json:"is_downloaded"`
}
