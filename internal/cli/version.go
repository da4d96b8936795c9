// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if state.flags.jsonOutput {
				return NewJSONResponse("version", VersionData{
					Version:   Version,
					GitCommit: GitCommit,
					BuildDate: BuildDate,
					GoVersion: runtime.Version(),
				}).Write(out)
			}
			fmt.Fprintf(out, "comhra %s\n", Version)
			fmt.Fprintf(out, "%s%s\n", RenderLabel("Commit"), GitCommit)
			fmt.Fprintf(out, "%s%s\n", RenderLabel("Built"), BuildDate)
			fmt.Fprintf(out, "%s%s\n", RenderLabel("Go"), runtime.Version())
			return nil
		},
	}
}
