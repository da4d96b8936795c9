// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jeranaias/comhra/internal/export"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/prompt"
)

// slashHelp is printed by /help.
var slashHelp = []struct{ cmd, desc string }{
	{"/help", "Show this help"},
	{"/model [name]", "Show the current model or switch to another"},
	{"/models", "List available models"},
	{"/new", "Save and start a new conversation"},
	{"/load <name>", "Save and open a saved conversation"},
	{"/export [dir]", "Write the conversation as Markdown"},
	{"/rag [name|none]", "Show or select the RAG source"},
	{"/attach <path>", "Attach a file or image to the next prompt"},
	{"/status", "Show session status"},
	{"/quit", "Exit chat"},
}

// parseSlash splits "/cmd arg..." into a lower-case command name and the
// trimmed remainder.
func parseSlash(line string) (string, string) {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	name, arg, _ := strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// handleSlash runs one slash command. It reports true when the REPL should
// exit.
func (c *chatSession) handleSlash(ctx context.Context, line string) (bool, error) {
	name, arg := parseSlash(line)

	switch name {
	case "help", "h", "?":
		c.printHelp()
	case "quit", "q", "exit":
		return true, nil
	case "model", "m":
		return false, c.switchModel(ctx, arg)
	case "models":
		return false, c.listModels(ctx)
	case "new", "clear":
		if err := c.orch.NewConversation(); err != nil {
			return false, err
		}
		c.attachments = nil
		c.notice("Started a new conversation.")
	case "load":
		if arg == "" {
			return false, &ValidationError{Field: "conversation", Reason: "a name is required", Example: "/load 3f2a.json"}
		}
		path, err := resolveConversation(ctx, c.app, arg)
		if err != nil {
			return false, err
		}
		return false, c.orch.LoadConversation(path)
	case "export":
		return false, c.export(arg)
	case "rag":
		return false, c.selectRag(arg)
	case "attach":
		return false, c.attach(arg)
	case "status", "s":
		return false, c.printStatus()
	default:
		return false, &ValidationError{Field: "command", Value: "/" + name, Reason: "unknown command", Example: "/help"}
	}
	return false, nil
}

func (c *chatSession) notice(msg string) {
	fmt.Fprintln(c.out, RenderConditional(DimStyle, msg))
}

func (c *chatSession) printHelp() {
	fmt.Fprintln(c.out, RenderConditional(TitleStyle, "Commands"))
	for _, h := range slashHelp {
		fmt.Fprintf(c.out, "  %s %s\n", padRight(h.cmd, 20), RenderConditional(DimStyle, h.desc))
	}
}

func (c *chatSession) switchModel(ctx context.Context, name string) error {
	if name == "" {
		st, err := c.orch.Status()
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s%s\n", RenderLabel("Model"), st.Model.Label())
		return nil
	}
	desc, err := c.app.ResolveModel(ctx, name)
	if err != nil {
		return err
	}
	if err := c.orch.SwitchBackend(desc); err != nil {
		return err
	}
	c.notice("Switched to " + desc.Label() + ".")
	return nil
}

func (c *chatSession) listModels(ctx context.Context) error {
	st, err := c.orch.Status()
	if err != nil {
		return err
	}
	models := c.app.Catalog.ListModels(ctx)
	if len(models) == 0 {
		c.notice("No models found. Is Ollama running?")
		return nil
	}
	for _, m := range models {
		marker := "  "
		if m.Name == st.Model.Name && m.Kind == st.Model.Kind {
			marker = RenderConditional(SuccessStyle, "* ")
		}
		fmt.Fprintf(c.out, "%s%s\n", marker, m.Label())
	}
	return nil
}

func (c *chatSession) export(dir string) error {
	if err := c.orch.Export(); err != nil {
		return err
	}
	st, err := c.orch.Status()
	if err != nil {
		return err
	}
	env, err := c.app.Store.Load(st.Path)
	if err != nil {
		return err
	}
	if env == nil {
		c.notice("Nothing to export yet.")
		return nil
	}

	opts := export.DefaultOptions()
	if dir != "" {
		if opts.OutputDir, err = ValidateOutputPath(dir); err != nil {
			return err
		}
	}
	path, err := export.ExportMarkdown(&export.Document{
		Envelope: env,
		Path:     st.Path,
		Updated:  time.Now(),
	}, opts)
	if err != nil {
		return err
	}
	c.notice("Exported to " + path)
	return nil
}

func (c *chatSession) selectRag(name string) error {
	if name == "" {
		fmt.Fprintf(c.out, "%s%s\n", RenderLabel("RAG"), c.rag.Name())
		sources, err := c.app.RagSources()
		if err != nil {
			return err
		}
		for _, s := range sources {
			fmt.Fprintf(c.out, "  %s\n", s.Name())
		}
		return nil
	}

	sources, err := c.app.RagSources()
	if err != nil {
		return err
	}
	src, ok := prompt.FindSource(sources, name)
	if !ok {
		return ErrNotFound("rag source", name)
	}
	c.rag = src
	c.notice("RAG source: " + src.Name())
	return nil
}

func (c *chatSession) attach(path string) error {
	if path == "" {
		if len(c.attachments) == 0 {
			c.notice("No attachments staged.")
			return nil
		}
		for _, a := range c.attachments {
			fmt.Fprintf(c.out, "  %s\n", a)
		}
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "invalid path")
	}
	// Validate now so a bad file is reported before the prompt is typed.
	if _, err := prompt.AttachFile(model.NewUserMessage(""), abs); err != nil {
		return err
	}
	c.attachments = append(c.attachments, abs)
	c.notice(fmt.Sprintf("Attached %s (%d staged).", filepath.Base(abs), len(c.attachments)))
	return nil
}

func (c *chatSession) printStatus() error {
	st, err := c.orch.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s%s\n", RenderLabel("Model"), st.Model.Label())
	fmt.Fprintf(c.out, "%s%s\n", RenderLabel("RAG"), c.rag.Name())
	fmt.Fprintf(c.out, "%s%s\n", RenderLabel("Phase"), st.Phase)
	fmt.Fprintf(c.out, "%s%d\n", RenderLabel("Messages"), st.Turns)
	fmt.Fprintf(c.out, "%s%d\n", RenderLabel("Queued"), c.orch.Pending())
	fmt.Fprintf(c.out, "%s%s\n", RenderLabel("Duration"), formatDuration(st.Duration))
	fmt.Fprintf(c.out, "%s%s\n", RenderLabel("File"), st.Path)
	return nil
}
