// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jeranaias/comhra/internal/export"
	"github.com/jeranaias/comhra/internal/library"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/prompt"
	"github.com/jeranaias/comhra/internal/storage"
)

// resolveConversation turns a file name, a file stem or a conversation name
// into a file name in the store.
func resolveConversation(ctx context.Context, app *App, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	candidates := []string{ref}
	if !storage.IsConversationFile(ref) {
		candidates = append(candidates, ref+".json")
	}
	for _, c := range candidates {
		if _, err := os.Stat(app.Store.Path(c)); err == nil {
			return c, nil
		}
	}

	lib, err := app.Library(ctx)
	if err != nil {
		return "", err
	}
	entries, err := lib.List(library.Filter{})
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, ref) {
			return e.Path, nil
		}
	}
	return "", ErrNotFound("conversation", ref)
}

func conversationData(entries []library.Entry) []ConversationData {
	data := make([]ConversationData, 0, len(entries))
	for _, e := range entries {
		data = append(data, ConversationData{
			Path:     e.Path,
			Name:     e.Name,
			Starred:  e.Starred,
			Archived: e.Archived,
			Turns:    e.Turns,
			Preview:  e.Preview,
			Modified: e.ModTime,
		})
	}
	return data
}

func printEntries(w io.Writer, entries []library.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, RenderConditional(DimStyle, "No conversations."))
		return
	}
	now := time.Now()
	for _, e := range entries {
		star := "  "
		if e.Starred {
			star = RenderConditional(StarStyle, "* ")
		}
		name := e.Name
		if e.Archived {
			name += RenderConditional(DimStyle, " (archived)")
		}
		fmt.Fprintf(w, "%s%s %s\n", star, RenderConditional(ValueStyle, name),
			RenderConditional(DimStyle, fmt.Sprintf("%d msgs, %s, %s", e.Turns, formatAge(e.ModTime, now), e.Path)))
		if e.Preview != "" {
			fmt.Fprintf(w, "    %s\n", RenderConditional(DimStyle, e.Preview))
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func newConversationsCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv", "c"},
		Short:   "Manage saved conversations",
	}
	cmd.AddCommand(
		newConversationsListCommand(state),
		newConversationsShowCommand(state),
		newConversationsRenameCommand(state),
		newConversationsFlagCommand(state, "star", "Toggle the starred flag", (*storage.ConversationStore).ToggleStarred, "starred"),
		newConversationsFlagCommand(state, "archive", "Toggle the archived flag", (*storage.ConversationStore).ToggleArchived, "archived"),
		newConversationsDeleteCommand(state),
		newConversationsExportCommand(state),
		newConversationsSearchCommand(state),
	)
	return cmd
}

func newConversationsListCommand(state *rootState) *cobra.Command {
	var (
		starred  bool
		archived bool
		all      bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, starred first",
		Long: `List conversations, starred first and then newest first.

Archived conversations are hidden unless --archived or --all is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			lib, err := app.Library(cmd.Context())
			if err != nil {
				return err
			}

			f := library.Filter{Archived: library.Exclude, Limit: limit}
			switch {
			case archived:
				f.Archived = library.Only
			case all:
				f.Archived = library.Any
			}
			if starred {
				f.Starred = library.Only
			}

			out := cmd.OutOrStdout()
			return OutputJSON(out, state.flags.jsonOutput, "conversations list", func() (interface{}, error) {
				entries, err := lib.List(f)
				if err != nil {
					return nil, err
				}
				if !state.flags.jsonOutput {
					printEntries(out, entries)
				}
				return conversationData(entries), nil
			})
		},
	}
	cmd.Flags().BoolVar(&starred, "starred", false, "only starred conversations")
	cmd.Flags().BoolVar(&archived, "archived", false, "only archived conversations")
	cmd.Flags().BoolVar(&all, "all", false, "include archived conversations")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number to list (0 = all)")
	return cmd
}

func newConversationsShowCommand(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			path, err := resolveConversation(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}
			env, err := app.Store.LoadExisting(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if state.flags.jsonOutput {
				return NewJSONResponse("conversations show", env).Write(out)
			}
			fmt.Fprintln(out, RenderConditional(TitleStyle, env.Name))
			fmt.Fprintln(out, RenderSeparatorAdaptive())
			for _, m := range env.Conversation {
				content := m.Content
				if m.Role == model.RoleUser {
					content = prompt.Unformat(content)
				}
				if IsStdoutTTY() {
					content = WrapText(content, 0)
				}
				fmt.Fprintf(out, "%s%s\n", label(m.Role), content)
				if n := len(m.Images); n > 0 {
					fmt.Fprintln(out, RenderConditional(DimStyle, fmt.Sprintf("(%d image(s) attached)", n)))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newConversationsRenameCommand(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <conversation> <new name>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			path, err := resolveConversation(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}
			name := strings.Join(args[1:], " ")
			if err := app.Store.Rename(path, name); err != nil {
				return err
			}
			refreshIndex(cmd.Context(), app, path)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", RenderConditional(SuccessStyle, "Renamed"), path, name)
			return nil
		},
	}
}

func newConversationsFlagCommand(state *rootState, use, short string, toggle func(*storage.ConversationStore, string) (bool, error), flag string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			path, err := resolveConversation(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}
			on, err := toggle(app.Store, path)
			if err != nil {
				return err
			}
			refreshIndex(cmd.Context(), app, path)

			out := cmd.OutOrStdout()
			if state.flags.jsonOutput {
				return NewJSONResponse("conversations "+use, map[string]interface{}{"path": path, flag: on}).Write(out)
			}
			now := "no longer " + flag
			if on {
				now = "now " + flag
			}
			fmt.Fprintf(out, "%s is %s\n", path, now)
			return nil
		},
	}
}

func newConversationsDeleteCommand(state *rootState) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <conversation>",
		Short: "Delete a conversation file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			path, err := resolveConversation(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !yes && !confirm(cmd.InOrStdin(), out, fmt.Sprintf("Delete %s?", path)) {
				fmt.Fprintln(out, "Cancelled.")
				return nil
			}
			if err := app.Store.Delete(path); err != nil {
				return err
			}
			if lib, err := app.Library(cmd.Context()); err == nil {
				if err := lib.Remove(path); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("Failed to drop conversation from index")
				}
			}
			fmt.Fprintf(out, "%s %s\n", RenderConditional(SuccessStyle, "Deleted"), path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newConversationsExportCommand(state *rootState) *cobra.Command {
	var (
		format   string
		output   string
		noSystem bool
	)

	cmd := &cobra.Command{
		Use:   "export <conversation>",
		Short: "Export a conversation as Markdown or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			path, err := resolveConversation(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}
			env, err := app.Store.LoadExisting(path)
			if err != nil {
				return err
			}

			opts := export.DefaultOptions()
			opts.IncludeSystem = !noSystem
			if output != "" {
				if opts.OutputDir, err = ValidateOutputPath(output); err != nil {
					return err
				}
			}
			exporter, err := export.ForFormat(format, opts)
			if err != nil {
				return ErrUnsupportedFormat(format, []string{"markdown", "json"})
			}

			var updated time.Time
			if info, err := os.Stat(app.Store.Path(path)); err == nil {
				updated = info.ModTime()
			}
			written, err := export.ExportToFile(&export.Document{Envelope: env, Path: path, Updated: updated}, exporter, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if state.flags.jsonOutput {
				return NewJSONResponse("conversations export", map[string]string{"path": written}).Write(out)
			}
			fmt.Fprintf(out, "%s %s\n", RenderConditional(SuccessStyle, "Exported to"), written)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "markdown or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default: current directory)")
	cmd.Flags().BoolVar(&noSystem, "no-system", false, "leave out system messages")
	return cmd
}

func newConversationsSearchCommand(state *rootState) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search conversation names and text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(false)
			if err != nil {
				return err
			}
			lib, err := app.Library(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			query := strings.Join(args, " ")
			return OutputJSON(out, state.flags.jsonOutput, "conversations search", func() (interface{}, error) {
				entries, err := lib.Search(query, limit)
				if err != nil {
					return nil, err
				}
				if !state.flags.jsonOutput {
					printEntries(out, entries)
				}
				return conversationData(entries), nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of results")
	return cmd
}

// refreshIndex re-reads one file into the library index. Failures only
// leave the index stale until the next sync.
func refreshIndex(ctx context.Context, app *App, path string) {
	lib, err := app.Library(ctx)
	if err != nil {
		return
	}
	if err := lib.Refresh(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to refresh conversation index")
	}
}
