// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jeranaias/comhra/internal/backend"
	"github.com/jeranaias/comhra/internal/catalog"
	"github.com/jeranaias/comhra/internal/config"
	"github.com/jeranaias/comhra/internal/library"
	"github.com/jeranaias/comhra/internal/logging"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/ollama"
	"github.com/jeranaias/comhra/internal/prompt"
	"github.com/jeranaias/comhra/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// APP
// =============================================================================

// App holds the collaborators every command is built from.
type App struct {
	Config    *config.Config
	Store     *storage.ConversationStore
	Ollama    *ollama.Client
	Catalog   *catalog.Catalog
	Manager   *catalog.Manager
	Formatter *prompt.Formatter

	libOnce sync.Once
	library *library.Library
	libErr  error
}

// NewApp wires the stores and clients for cfg.
func NewApp(cfg *config.Config) (*App, error) {
	store, err := storage.NewConversationStore(cfg.ConversationsDir())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ModelsDir(), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create models directory")
	}

	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      cfg.Local.OllamaURL,
		Timeout:      cfg.LocalTimeout(),
		DefaultModel: cfg.General.DefaultModel,
	})

	a := &App{
		Config:    cfg,
		Store:     store,
		Ollama:    client,
		Manager:   catalog.NewManager(client, cfg.CuratedListPath()),
		Formatter: prompt.NewFormatter(),
	}
	a.Catalog = catalog.New(
		catalog.LocalSource{Client: client},
		catalog.FileSource{Path: a.ModelListPath()},
	)
	return a, nil
}

// Deps returns the backend collaborators.
func (a *App) Deps() backend.Deps {
	return backend.Deps{
		Store:         a.Store,
		Ollama:        a.Ollama,
		HostedTimeout: a.Config.HostedTimeout(),
	}
}

// ModelListPath is the hosted model list file.
func (a *App) ModelListPath() string {
	return filepath.Join(a.Config.ModelsDir(), catalog.APIModelsFile)
}

// RagSources lists the RAG choices, NoRag first.
func (a *App) RagSources() ([]model.RagSource, error) {
	return prompt.DiscoverSources(a.Config.RagSourcesDir())
}

// ResolveModel finds name in the catalog, preferring the configured
// default backend. An empty name is the configured default model.
func (a *App) ResolveModel(ctx context.Context, name string) (model.ModelDescriptor, error) {
	if name == "" {
		return a.Config.DefaultDescriptor(), nil
	}
	prefer := model.KindLocal
	if a.Config.General.DefaultBackend == config.BackendHosted {
		prefer = model.KindHosted
	}
	if desc, ok := catalog.Find(a.Catalog.ListModels(ctx), name, prefer); ok {
		return desc, nil
	}
	return model.ModelDescriptor{}, ErrNotFound("model", name)
}

// Library opens the conversation index on first use and syncs it with the
// store.
func (a *App) Library(ctx context.Context) (*library.Library, error) {
	a.libOnce.Do(func() {
		lib, err := library.Open(a.Store, a.Config.LibraryPath())
		if err != nil {
			a.libErr = err
			return
		}
		if _, err := lib.Sync(ctx); err != nil {
			lib.Close()
			a.libErr = err
			return
		}
		a.library = lib
	})
	return a.library, a.libErr
}

// Close releases the library database if it was opened.
func (a *App) Close() error {
	if a.library != nil {
		return a.library.Close()
	}
	return nil
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
	jsonOutput bool
}

// rootState carries the global flags and the lazily built App shared by
// the subcommands of one invocation.
type rootState struct {
	flags globalFlags
	app   *App
}

// load reads the config, initializes logging and builds the App.
// interactive quiets logging to warnings unless a level or log file was
// asked for, so log lines do not interleave with streamed replies.
func (s *rootState) load(interactive bool) (*App, error) {
	if s.app != nil {
		return s.app, nil
	}

	var (
		cfg *config.Config
		err error
	)
	if s.flags.configPath != "" {
		cfg, err = config.LoadFromPath(s.flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if s.flags.dataDir != "" {
		cfg.General.DataDir = s.flags.dataDir
	}

	settings := logging.FromConfig(cfg)
	switch {
	case s.flags.logLevel != "":
		settings.Level = s.flags.logLevel
	case interactive && settings.File == "" && os.Getenv("COMHRA_LOG_LEVEL") == "":
		settings.Level = "warn"
	}
	logging.Init(settings)

	app, err := NewApp(cfg)
	if err != nil {
		return nil, err
	}
	config.SetGlobal(cfg)
	s.app = app
	log.Debug().Str("data_dir", cfg.DataPath()).Msg("Configuration loaded")
	return app, nil
}

func (s *rootState) close() {
	if s.app != nil {
		if err := s.app.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close library")
		}
	}
}

// NewRootCommand builds the command tree. Every call returns an
// independent tree.
func NewRootCommand() *cobra.Command {
	root, _ := newRoot()
	return root
}

func newRoot() (*cobra.Command, *rootState) {
	state := &rootState{}

	root := &cobra.Command{
		Use:   "comhra",
		Short: "Chat with local and hosted language models",
		Long: `comhra keeps one conversation going across a local Ollama runner and
hosted OpenAI-compatible APIs. Conversations are saved as JSON files and
can be reloaded, renamed, starred, archived and exported.

Examples:
  comhra chat                          start chatting on the default model
  comhra chat -m gpt-4o --rag notes    hosted model with a RAG script
  comhra models list                   every model from every backend
  comhra conversations list --starred  starred conversations
  comhra conversations export <file>   write a conversation as Markdown`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&state.flags.configPath, "config", "", "config file (default ~/.comhra/config.toml)")
	pf.StringVar(&state.flags.dataDir, "data-dir", "", "data directory (overrides general.data_dir)")
	pf.StringVar(&state.flags.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.BoolVar(&state.flags.jsonOutput, "json", false, "write machine-readable JSON")

	root.AddCommand(
		newChatCommand(state),
		newModelsCommand(state),
		newConversationsCommand(state),
		newRagCommand(state),
		newConfigCommand(state),
		newVersionCommand(state),
	)
	return root, state
}

// Execute runs the CLI with os.Args and returns the process exit code.
func Execute() int {
	root, state := newRoot()
	err := root.Execute()
	state.close()
	if err != nil {
		DisplayError(os.Stderr, err, state.flags.jsonOutput)
		return GetExitCode(err)
	}
	return ExitSuccess
}
