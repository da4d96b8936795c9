// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command.
//
// Command: chat
// Short:   Start an interactive chat session
//
// Examples:
//   comhra chat                        Start chatting on the default model
//   comhra chat -m llama3:8b           Use a specific model
//   comhra chat --rag notes            Augment every prompt with rag_sources/notes
//   comhra chat --load <file>.json     Continue a saved conversation
//
// Interactive commands are listed by /help.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jeranaias/comhra/internal/config"
	"github.com/jeranaias/comhra/internal/library"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/prompt"
	"github.com/jeranaias/comhra/internal/session"
	"github.com/jeranaias/comhra/internal/sink"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a new ChatCLI with input history support.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	cli := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	cli.LoadHistory()
	return cli
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// CHAT SESSION
// =============================================================================

// chatSession is the REPL state around one orchestrator.
type chatSession struct {
	app  *App
	orch *session.Orchestrator
	term *TerminalSink
	out  io.Writer

	rag         model.RagSource
	attachments []string
	interrupts  <-chan os.Signal
}

// submit sends text as a user turn and blocks until the reply is on
// screen. Staged attachments go with it.
func (c *chatSession) submit(text string) error {
	c.term.Expect()
	err := c.orch.Submit(session.Submission{
		Text:        text,
		Rag:         c.rag,
		Attachments: c.attachments,
	})
	if err != nil {
		return err
	}
	c.attachments = nil
	c.wait()
	return nil
}

func (c *chatSession) wait() {
	for {
		select {
		case <-c.term.TurnDone():
			return
		case <-c.interrupts:
			fmt.Fprintln(c.out, "\n"+RenderConditional(WarningStyle, "[A reply cannot be cancelled; waiting for it to finish]"))
		}
	}
}

type chatOptions struct {
	model string
	rag   string
	load  string
}

func newChatCommand(state *rootState) *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Replies stream as they are generated. The conversation is saved after every
reply and on exit. Type /help inside the session for its commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := state.load(true)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), app, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model to start on (default: config general.default_model)")
	cmd.Flags().StringVar(&opts.rag, "rag", "", "RAG source name from rag_sources/ (default: none)")
	cmd.Flags().StringVar(&opts.load, "load", "", "conversation file to continue")
	return cmd
}

func runChat(ctx context.Context, app *App, opts chatOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	desc, err := app.ResolveModel(ctx, opts.model)
	if err != nil {
		return err
	}
	sources, err := app.RagSources()
	if err != nil {
		log.Warn().Err(err).Msg("Could not list RAG sources")
	}
	rag, ok := prompt.FindSource(sources, opts.rag)
	if !ok {
		return ErrNotFound("rag source", opts.rag)
	}

	if desc.Kind == model.KindLocal {
		if err := app.Ollama.CheckRunning(ctx); err != nil {
			fmt.Fprintf(out, "%s %s\n", RenderConditional(WarningStyle, "[WARN]"),
				"Ollama is not reachable; start it with: ollama serve")
		}
	}

	term := NewTerminalSink(out)
	bus := sink.NewBus(log.Logger)
	defer bus.Close()

	forwarded, err := sink.Start(ctx, bus, sink.DefaultTopic, term)
	if err != nil {
		return err
	}

	cfg := app.Config
	orch, err := session.New(session.Config{
		Initial:       desc,
		Factory:       session.BackendFactory(app.Deps()),
		Store:         app.Store,
		Formatter:     app.Formatter,
		Sink:          busSink{WatermillSink: sink.NewWatermillSink(bus, sink.DefaultTopic), notify: term},
		IdlePoll:      cfg.IdlePoll(),
		StreamingPoll: cfg.StreamingPoll(),
		AutoSave:      true,
	})
	if err != nil {
		return err
	}

	if lib, err := app.Library(ctx); err == nil {
		if w, err := lib.Watch(library.DefaultDebounce, nil); err == nil {
			defer w.Close()
		} else {
			log.Debug().Err(err).Msg("Conversation index will not follow this session")
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	c := &chatSession{
		app:        app,
		orch:       orch,
		term:       term,
		out:        out,
		rag:        rag,
		interrupts: interrupts,
	}

	printWelcome(out, desc, rag)

	if opts.load != "" {
		path, err := resolveConversation(ctx, app, opts.load)
		if err == nil {
			err = orch.LoadConversation(path)
		}
		if err != nil {
			fmt.Fprintf(out, "%s %v\n", RenderConditional(ErrorStyle, "[Error]"), err)
		}
	}

	input := NewChatCLI()
	loopErr := c.loop(ctx, input)
	input.Close()

	st, statusErr := orch.Status()
	if err := orch.Close(); err != nil {
		log.Warn().Err(err).Msg("Session did not close cleanly")
	}
	_ = bus.Close()
	<-forwarded

	if statusErr == nil {
		printExitSummary(out, st)
	}
	return loopErr
}

// loop runs the REPL until the user quits or input ends.
func (c *chatSession) loop(ctx context.Context, in lineReader) error {
	for {
		line, err := in.ReadInput(RenderConditional(promptStyle, "comhra> "))
		if err != nil {
			if err != io.EOF && !errors.Is(err, liner.ErrPromptAborted) {
				return errors.Wrap(err, "failed to read input")
			}
			fmt.Fprintln(c.out)
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := c.handleSlash(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "%s %v\n", RenderConditional(ErrorStyle, "[Error]"), err)
			}
			if quit {
				return nil
			}
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			return nil
		}

		if err := c.submit(line); err != nil {
			fmt.Fprintf(c.out, "%s %v\n", RenderConditional(ErrorStyle, "[Error]"), err)
		}
	}
}

// =============================================================================
// BANNERS
// =============================================================================

func printWelcome(out io.Writer, desc model.ModelDescriptor, rag model.RagSource) {
	fmt.Fprintln(out, RenderConditional(TitleStyle, "comhra "+Version))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Model"), desc.Label())
	fmt.Fprintf(out, "%s%s\n", RenderLabel("RAG"), rag.Name())
	fmt.Fprintln(out, RenderConditional(DimStyle, "Type /help for commands, /quit to exit."))
	fmt.Fprintln(out, RenderSeparatorAdaptive())
}

func printExitSummary(out io.Writer, st session.Status) {
	fmt.Fprintln(out, RenderSeparatorAdaptive())
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Model"), st.Model.Label())
	fmt.Fprintf(out, "%s%d\n", RenderLabel("Messages"), st.Turns)
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Duration"), formatDuration(st.Duration))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Saved as"), st.Path)
}
