// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog discovers the models every backend can serve.
//
// A Catalog fans out over its Sources with errgroup and concatenates the
// results; a source that fails is logged and contributes nothing, so a
// stopped Ollama never hides the hosted models. Manager covers the local
// runner's download catalog: the curated list, pull with progress, delete.
//
// # Usage
//
//	cat := catalog.New(
//	    catalog.LocalSource{Client: client},
//	    catalog.FileSource{Path: filepath.Join(modelsDir, catalog.APIModelsFile)},
//	)
//	models := cat.ListModels(ctx)
package catalog
