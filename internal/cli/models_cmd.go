// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/comhra/internal/catalog"
	"github.com/jeranaias/comhra/internal/cloud"
	"github.com/jeranaias/comhra/internal/model"
)

func newModelsCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "models",
		Aliases: []string{"model"},
		Short:   "List and manage models",
	}
	cmd.AddCommand(
		newModelsListCommand(state),
		newModelsCuratedCommand(state),
		newModelsPullCommand(state),
		newModelsRemoveCommand(state),
		newModelsDiscoverCommand(state),
	)
	return cmd
}

func modelData(models []model.ModelDescriptor) []ModelData {
	data := make([]ModelData, 0, len(models))
	for _, m := range models {
		d := ModelData{Name: m.Name, Backend: m.Kind.String(), BaseURL: m.BaseURL}
		if m.Kind == model.KindHosted {
			d.Variant = string(m.Variant)
		}
		data = append(data, d)
	}
	return data
}

func newModelsListCommand(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List models from every backend",
		Long: `List the models installed in the local runner followed by the hosted
models from models/api_models.json. A backend that cannot be reached is
skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return OutputJSON(out, state.flags.jsonOutput, "models list", func() (interface{}, error) {
				models := app.Catalog.ListModels(cmd.Context())
				if !state.flags.jsonOutput {
					if len(models) == 0 {
						fmt.Fprintln(out, RenderConditional(DimStyle, "No models found. Is Ollama running?"))
					}
					for _, m := range models {
						fmt.Fprintf(out, "%s %s\n", padRight(m.Name, 32), RenderConditional(DimStyle, m.Kind.String()))
					}
				}
				return modelData(models), nil
			})
		},
	}
}

func newModelsCuratedCommand(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "curated",
		Short: "Show the curated local model list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return OutputJSON(out, state.flags.jsonOutput, "models curated", func() (interface{}, error) {
				list, err := app.Manager.LocalModels(cmd.Context())
				if err != nil {
					return nil, err
				}
				if !state.flags.jsonOutput {
					if len(list) == 0 {
						fmt.Fprintf(out, "%s\n", RenderConditional(DimStyle, "No curated models in "+app.Config.CuratedListPath()))
					}
					for _, m := range list {
						mark := "  "
						if m.Downloaded {
							mark = RenderConditional(SuccessStyle, "✓ ")
						}
						fmt.Fprintf(out, "%s%s %s %s\n", mark,
							padRight(m.DisplayName, 24),
							padRight(formatParams(m.SizeInB), 8),
							RenderConditional(DimStyle, m.DownloadName))
						if m.Description != "" {
							fmt.Fprintf(out, "    %s\n", RenderConditional(DimStyle, m.Description))
						}
					}
				}
				return list, nil
			})
		},
	}
}

func newModelsPullCommand(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <name>",
		Short: "Download a model into the local runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			name := args[0]

			showProgress := !state.flags.jsonOutput
			err = app.Manager.Pull(cmd.Context(), name, func(f float64) {
				if showProgress {
					fmt.Fprintf(out, "\r%s %s", name, progressBar(f, 30))
				}
			})
			if showProgress {
				fmt.Fprintln(out)
			}
			if err != nil {
				return err
			}

			if state.flags.jsonOutput {
				return NewJSONResponse("models pull", map[string]string{"model": name}).Write(out)
			}
			fmt.Fprintf(out, "%s %s\n", RenderConditional(SuccessStyle, "Installed"), name)
			return nil
		},
	}
}

func newModelsRemoveCommand(state *rootState) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"delete", "remove"},
		Short:   "Delete a model from the local runner",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			name := args[0]
			if !yes && !confirm(cmd.InOrStdin(), out, fmt.Sprintf("Delete model %s?", name)) {
				fmt.Fprintln(out, "Cancelled.")
				return nil
			}
			if err := app.Manager.Delete(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n", RenderConditional(SuccessStyle, "Deleted"), name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newModelsDiscoverCommand(state *rootState) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Fetch the hosted model list and save it",
		Long: `Ask the hosted API which models it serves and write them to
models/api_models.json with the configured key and endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			template := app.Config.HostedTemplate()
			client, err := cloud.ForModel(template, app.Config.HostedTimeout())
			if err != nil {
				return err
			}
			models, err := catalog.DiscoverHosted(cmd.Context(), client, template)
			if err != nil {
				return err
			}
			if filter != "" {
				kept := models[:0]
				for _, m := range models {
					if strings.Contains(m.Name, filter) {
						kept = append(kept, m)
					}
				}
				models = kept
			}
			if err := catalog.WriteModelList(app.ModelListPath(), models); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if state.flags.jsonOutput {
				return NewJSONResponse("models discover", modelData(models)).Write(out)
			}
			fmt.Fprintf(out, "%s %d models to %s\n", RenderConditional(SuccessStyle, "Saved"), len(models), app.ModelListPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "keep only model ids containing this text")
	return cmd
}

// progressBar renders f in [0, 1] as a fixed-width bar with a percentage.
func progressBar(f float64, width int) string {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	filled := int(f * float64(width))
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]" +
		fmt.Sprintf(" %3.0f%%", f*100)
}
