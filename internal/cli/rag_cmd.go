// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRagCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rag",
		Short: "Inspect RAG sources",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the RAG sources in rag_sources/",
		Long: `List the RAG sources a chat can use. Every regular file in the
rag_sources directory is a script that receives the prompt as its argument
and prints the context to add.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return OutputJSON(out, state.flags.jsonOutput, "rag list", func() (interface{}, error) {
				sources, err := app.RagSources()
				if err != nil {
					return nil, err
				}
				data := make([]RagSourceData, 0, len(sources))
				for _, s := range sources {
					data = append(data, RagSourceData{Name: s.Name(), Script: s.ScriptPath})
					if !state.flags.jsonOutput {
						if s.IsNone() {
							fmt.Fprintf(out, "%s\n", s.Name())
						} else {
							fmt.Fprintf(out, "%s %s\n", padRight(s.Name(), 24), RenderConditional(DimStyle, s.ScriptPath))
						}
					}
				}
				return data, nil
			})
		},
	})
	return cmd
}
