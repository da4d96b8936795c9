// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/backend"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/prompt"
	"github.com/jeranaias/comhra/internal/storage"
)

var (
	// ErrTurnInProgress is returned when work arrives outside UserTurn.
	ErrTurnInProgress = errors.New("session: a turn is already in progress")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// notSavedNotice prefixes the System message emitted when persistence fails.
const notSavedNotice = "Conversation not saved: "

// =============================================================================
// CONFIGURATION
// =============================================================================

// Factory builds an adapter for desc seeded with seed.
type Factory func(desc model.ModelDescriptor, seed []model.Message) (backend.Adapter, error)

// BackendFactory returns a Factory over backend.New.
func BackendFactory(deps backend.Deps) Factory {
	return func(desc model.ModelDescriptor, seed []model.Message) (backend.Adapter, error) {
		return backend.New(desc, seed, deps)
	}
}

// Config holds configuration for an orchestrator.
type Config struct {
	// Initial is the model the session starts on.
	Initial model.ModelDescriptor

	// Seed is the starting transcript, usually empty.
	Seed []model.Message

	// Path is the conversation file; empty picks a fresh uuid name.
	Path string

	Factory   Factory
	Store     *storage.ConversationStore
	Formatter *prompt.Formatter
	Sink      Sink

	// IdlePoll is the UI consumer's receive timeout between turns (default: 50ms)
	IdlePoll time.Duration

	// StreamingPoll is the receive timeout while streaming (default: 10ms)
	StreamingPoll time.Duration

	// AutoSave exports the conversation after every completed turn.
	AutoSave bool
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		IdlePoll:      50 * time.Millisecond,
		StreamingPoll: 10 * time.Millisecond,
		AutoSave:      true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.IdlePoll <= 0 {
		c.IdlePoll = def.IdlePoll
	}
	if c.StreamingPoll <= 0 {
		c.StreamingPoll = def.StreamingPoll
	}
	if c.Formatter == nil {
		c.Formatter = prompt.NewFormatter()
	}
	if c.Sink == nil {
		c.Sink = discardSink{}
	}
	if c.Path == "" {
		c.Path = storage.NewFilename()
	}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Submission is one user turn as typed.
type Submission struct {
	Text        string
	Rag         model.RagSource
	Attachments []string
}

// turn is a submission after formatting, ready for the backend.
type turn struct {
	msg     model.Message
	display model.Message
}

type command struct {
	run  func() error
	done chan error
}

// Orchestrator runs a session. One owner goroutine holds the backend
// adapter; every operation that touches it is sent to that goroutine as a
// command, so the adapter needs no lock.
//
// Three FIFO queues connect the stages: submissions (raw user input),
// dispatch (formatted turns for the owner) and emissions (phase-tagged
// messages for the sink).
//
// Turns cannot be cancelled. Close stops accepting input and waits for the
// in-flight turn to finish before it returns.
type Orchestrator struct {
	cfg     Config
	ctx     context.Context
	machine *Machine

	// Owned by the run goroutine.
	adapter backend.Adapter
	desc    model.ModelDescriptor
	path    string
	started time.Time

	// One slot each; the machine admits one pending turn.
	submissions chan Submission
	dispatch    chan turn
	emissions   chan Emission
	commands    chan command
	ownerDone   chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator on cfg.Initial and starts its goroutines.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Factory == nil {
		return nil, errors.New("session: adapter factory is required")
	}
	cfg.applyDefaults()

	adapter, err := cfg.Factory(cfg.Initial, model.CloneTranscript(cfg.Seed))
	if err != nil {
		return nil, errors.Wrap(err, "session: cannot build initial adapter")
	}

	o := &Orchestrator{
		cfg:         cfg,
		ctx:         context.Background(),
		machine:     NewMachine(),
		adapter:     adapter,
		desc:        cfg.Initial,
		path:        cfg.Path,
		started:     time.Now(),
		submissions: make(chan Submission, 1),
		dispatch:    make(chan turn, 1),
		emissions:   make(chan Emission, 64),
		commands:    make(chan command),
		ownerDone:   make(chan struct{}),
	}

	o.wg.Add(3)
	go o.prepare()
	go o.run()
	go o.deliver()

	log.Info().
		Str("model", cfg.Initial.Name).
		Str("backend", cfg.Initial.Kind.String()).
		Str("path", cfg.Path).
		Msg("Session started")
	return o, nil
}

// Phase returns the current turn phase.
func (o *Orchestrator) Phase() Phase {
	return o.machine.Current()
}

// Pending returns the number of turns queued but not yet dispatched.
func (o *Orchestrator) Pending() int {
	return len(o.submissions) + len(o.dispatch)
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit queues a user turn. Outside UserTurn, or while an earlier
// submission is still waiting to be dispatched, it returns
// ErrTurnInProgress and nothing is queued. At most one turn is ever queued,
// so the queues hold a single slot.
func (o *Orchestrator) Submit(sub Submission) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if !o.machine.AcceptSubmission() {
		log.Warn().Str("phase", o.machine.Current().String()).Msg("Submission rejected, turn in progress")
		return ErrTurnInProgress
	}

	o.submissions <- sub
	return nil
}

// prepare formats queued submissions and hands them to the owner.
func (o *Orchestrator) prepare() {
	defer o.wg.Done()
	defer close(o.dispatch)

	for sub := range o.submissions {
		t, err := o.format(sub)
		if err != nil {
			o.machine.Release()
			log.Error().Err(err).Msg("Could not prepare turn")
			o.emit(Emission{Phase: o.machine.Current(), Message: model.NewSystemMessage("Prompt not sent: " + err.Error())})
			continue
		}
		o.dispatch <- t
	}
}

func (o *Orchestrator) format(sub Submission) (turn, error) {
	display := model.NewUserMessage(sub.Text)
	for _, path := range sub.Attachments {
		var err error
		if display, err = prompt.AttachFile(display, path); err != nil {
			return turn{}, err
		}
	}

	formatted, err := o.cfg.Formatter.Format(o.ctx, display.Content, sub.Rag)
	if err != nil {
		return turn{}, err
	}
	msg := display.Clone()
	msg.Content = formatted
	return turn{msg: msg, display: display}, nil
}

// =============================================================================
// OWNER
// =============================================================================

func (o *Orchestrator) run() {
	defer o.wg.Done()
	defer close(o.emissions)
	defer close(o.ownerDone)

	for {
		select {
		case cmd := <-o.commands:
			cmd.done <- cmd.run()
		case t, ok := <-o.dispatch:
			if !ok {
				if o.cfg.AutoSave {
					phase := o.machine.Current()
					_ = o.persist(phase, o.adapter.ExportConversation(o.path))
				}
				return
			}
			o.runTurn(t)
		}
	}
}

func (o *Orchestrator) runTurn(t turn) {
	if err := o.machine.BeginDispatch(); err != nil {
		log.Error().Err(err).Msg("Dropping turn")
		return
	}
	o.emit(Emission{Phase: PhaseDispatchStarting, Message: t.display})

	start := time.Now()
	final, err := o.adapter.Ask(o.ctx, t.msg, func(partial model.Message) {
		phase, err := o.machine.Observe()
		if err != nil {
			log.Error().Err(err).Msg("Unexpected partial reply")
			return
		}
		o.emit(Emission{Phase: phase, Message: partial})
	})
	if err != nil {
		log.Warn().Err(err).Str("model", o.adapter.ModelName()).Msg("Turn finished degraded")
	}

	if err := o.machine.Complete(); err != nil {
		log.Error().Err(err).Msg("Could not complete turn")
	}
	o.emit(Emission{Phase: PhaseAssistantComplete, Message: final})
	log.Debug().Dur("duration", time.Since(start)).Int("chars", len(final.Content)).Msg("Turn complete")

	// The next submission may already have moved the machine on.
	if o.cfg.AutoSave {
		_ = o.persist(PhaseAssistantComplete, o.adapter.ExportConversation(o.path))
	}
}

// exec runs fn on the owner goroutine and returns its result.
func (o *Orchestrator) exec(fn func() error) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}

	cmd := command{run: fn, done: make(chan error, 1)}
	select {
	case o.commands <- cmd:
		return <-cmd.done
	case <-o.ownerDone:
		return ErrClosed
	}
}

// emit queues an emission for the sink.
func (o *Orchestrator) emit(e Emission) {
	o.emissions <- e
}

// persist reports a persistence failure to the user, tagged with the phase
// the save belonged to, and returns it. The session carries on either way.
func (o *Orchestrator) persist(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	log.Error().Err(err).Str("path", o.path).Msg("Conversation not saved")
	o.emit(Emission{Phase: phase, Message: model.NewSystemMessage(notSavedNotice + err.Error())})
	return err
}

// =============================================================================
// COMMANDS
// =============================================================================

// SwitchBackend replaces the adapter with one for desc, seeded with the
// current transcript. Only allowed between turns.
func (o *Orchestrator) SwitchBackend(desc model.ModelDescriptor) error {
	return o.exec(func() error {
		if !o.machine.Idle() {
			return ErrTurnInProgress
		}
		seed := o.adapter.Conversation()
		next, err := o.cfg.Factory(desc, seed)
		if err != nil {
			return errors.Wrapf(err, "session: cannot switch to %s", desc.Label())
		}
		log.Info().
			Str("from", o.desc.Label()).
			Str("to", desc.Label()).
			Int("turns", len(seed)).
			Msg("Switched backend")
		o.adapter = next
		o.desc = desc
		return nil
	})
}

// NewConversation saves and clears the current conversation, then starts
// a new file. If the save fails the current conversation is kept.
func (o *Orchestrator) NewConversation() error {
	return o.exec(func() error {
		if !o.machine.Idle() {
			return ErrTurnInProgress
		}
		if err := o.persist(o.machine.Current(), o.adapter.ResetConversation(o.path)); err != nil {
			return err
		}
		o.path = storage.NewFilename()
		log.Info().Str("path", o.path).Msg("New conversation")
		return nil
	})
}

// LoadConversation saves and clears the current conversation, loads path
// and replays it to the sink. User turns are shown without RAG markup.
func (o *Orchestrator) LoadConversation(path string) error {
	return o.exec(func() error {
		if !o.machine.Idle() {
			return ErrTurnInProgress
		}
		if err := o.persist(o.machine.Current(), o.adapter.ResetConversation(o.path)); err != nil {
			return err
		}
		if err := o.adapter.LoadConversationFile(path); err != nil {
			o.path = storage.NewFilename()
			log.Warn().Err(err).Str("path", path).Msg("Could not load conversation")
			return err
		}
		o.path = path
		return o.replay()
	})
}

func (o *Orchestrator) replay() error {
	if err := o.machine.BeginReplay(); err != nil {
		return err
	}
	defer o.machine.EndReplay()

	msgs := o.adapter.Conversation()
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			m.Content = prompt.Unformat(m.Content)
		}
		o.emit(Emission{Phase: PhaseReplayingFromStorage, Message: m})
	}
	log.Info().Str("path", o.path).Int("turns", len(msgs)).Msg("Replayed conversation")
	return nil
}

// Export saves the conversation without clearing it.
func (o *Orchestrator) Export() error {
	return o.exec(func() error {
		return o.persist(o.machine.Current(), o.adapter.ExportConversation(o.path))
	})
}

// Transcript returns a snapshot of the conversation.
func (o *Orchestrator) Transcript() ([]model.Message, error) {
	var msgs []model.Message
	err := o.exec(func() error {
		msgs = o.adapter.Conversation()
		return nil
	})
	return msgs, err
}

// =============================================================================
// STATUS
// =============================================================================

// Status is a point-in-time view of the session.
type Status struct {
	Model    model.ModelDescriptor
	Path     string
	Phase    Phase
	Turns    int
	Duration time.Duration
}

// Status returns the current session status.
func (o *Orchestrator) Status() (Status, error) {
	var st Status
	err := o.exec(func() error {
		st = Status{
			Model:    o.desc,
			Path:     o.path,
			Phase:    o.machine.Current(),
			Turns:    len(o.adapter.Conversation()),
			Duration: time.Since(o.started),
		}
		return nil
	})
	return st, err
}

// =============================================================================
// UI CONSUMER
// =============================================================================

// deliver hands emissions to the sink. The receive timeout is shorter while
// a reply is streaming; on timeout it only reports phase changes.
func (o *Orchestrator) deliver() {
	defer o.wg.Done()

	last := o.machine.Current()
	timer := time.NewTimer(o.pollInterval(last))
	defer timer.Stop()

	for {
		select {
		case e, ok := <-o.emissions:
			if !ok {
				return
			}
			if err := o.cfg.Sink.Deliver(e); err != nil {
				log.Warn().Err(err).Str("phase", e.Phase.String()).Msg("Sink rejected emission")
			}
			last = e.Phase
		case <-timer.C:
			if cur := o.machine.Current(); cur != last {
				if n, ok := o.cfg.Sink.(PhaseNotifier); ok {
					n.PhaseChanged(cur)
				}
				last = cur
			}
		}
		timer.Reset(o.pollInterval(last))
	}
}

func (o *Orchestrator) pollInterval(p Phase) time.Duration {
	if p == PhaseStreamingAssistant || p == PhaseDispatchStarting {
		return o.cfg.StreamingPoll
	}
	return o.cfg.IdlePoll
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Close stops accepting submissions, waits for the in-flight turn and the
// queued emissions, saves the conversation if AutoSave is set and stops.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.submissions)
	o.mu.Unlock()

	o.wg.Wait()
	log.Info().Str("path", o.path).Msg("Session closed")
	return nil
}
