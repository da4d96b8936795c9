// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/comhra/internal/config"
)

func newConfigCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and change settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := state.load(false)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), app.Config.String())
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one setting in dot notation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := state.load(false)
				if err != nil {
					return err
				}
				value, err := app.Config.Get(args[0])
				if err != nil {
					return &ValidationError{Field: "key", Value: args[0], Reason: err.Error(), Example: strings.Join(config.GetAllKeys(), ", ")}
				}
				if args[0] == "hosted.openai_api_key" && value != "" {
					value = "[REDACTED]"
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one setting in the config file",
			Long: `Change one setting in the config file. Environment overrides and
--data-dir are not written back.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := state.configFile()
				if err != nil {
					return err
				}
				cfg := config.Default()
				if _, err := os.Stat(path); err == nil {
					if err := config.LoadTOML(cfg, path); err != nil {
						return err
					}
				}
				if err := cfg.Set(args[0], args[1]); err != nil {
					return &ValidationError{Field: "key", Value: args[0], Reason: err.Error()}
				}
				cfg.SetDefaults()
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := config.SaveTOML(cfg, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", RenderConditional(SuccessStyle, "Set"), args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := state.configFile()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)
	return cmd
}

// configFile is the --config path or the default location.
func (s *rootState) configFile() (string, error) {
	if s.flags.configPath != "" {
		return s.flags.configPath, nil
	}
	return config.ConfigPathTOML()
}
