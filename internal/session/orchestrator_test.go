// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/comhra/internal/backend"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/ollama"
	"github.com/jeranaias/comhra/internal/prompt"
	"github.com/jeranaias/comhra/internal/storage"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type fakeAdapter struct {
	desc   model.ModelDescriptor
	chunks []string
	gate   chan struct{}
	export error

	// exportGate, when set, holds ExportConversation until closed.
	exportGate chan struct{}

	mu      sync.Mutex
	history []model.Message
	asked   []model.Message
	exports int
}

func (f *fakeAdapter) Kind() model.BackendKind { return f.desc.Kind }
func (f *fakeAdapter) ModelName() string       { return f.desc.Name }

func (f *fakeAdapter) Ask(_ context.Context, user model.Message, emit backend.EmitFunc) (model.Message, error) {
	f.mu.Lock()
	f.asked = append(f.asked, user.Clone())
	f.history = append(f.history, user.Clone())
	f.mu.Unlock()

	var sb strings.Builder
	for i, c := range f.chunks {
		sb.WriteString(c)
		emit(model.NewAssistantMessage(sb.String()))
		if i == 0 && f.gate != nil {
			<-f.gate
		}
	}
	final := model.NewAssistantMessage(sb.String())

	f.mu.Lock()
	f.history = append(f.history, final)
	f.mu.Unlock()
	return final, nil
}

func (f *fakeAdapter) Conversation() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.CloneTranscript(f.history)
}

func (f *fakeAdapter) ResetConversation(path string) error {
	if err := f.ExportConversation(path); err != nil {
		return err
	}
	f.mu.Lock()
	f.history = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) LoadConversationFile(string) error {
	return storage.ErrConversationNotFound
}

func (f *fakeAdapter) ExportConversation(string) error {
	if f.exportGate != nil {
		<-f.exportGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports++
	return f.export
}

func (f *fakeAdapter) Asked() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.CloneTranscript(f.asked)
}

func (f *fakeAdapter) Exports() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exports
}

// recorder is a Factory that remembers every seed it was given.
type recorder struct {
	mu     sync.Mutex
	seeds  [][]model.Message
	chunks []string
}

func (r *recorder) factory(desc model.ModelDescriptor, seed []model.Message) (backend.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeds = append(r.seeds, model.CloneTranscript(seed))
	return &fakeAdapter{desc: desc, chunks: r.chunks, history: seed}, nil
}

func (r *recorder) lastSeed() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seeds[len(r.seeds)-1]
}

type failingRunner struct{}

func (failingRunner) Run(context.Context, string, string) (string, error) {
	return "", errors.Wrap(prompt.ErrScriptFailure, "exit status 2: no index")
}

func newOrchestrator(t *testing.T, adapter backend.Adapter, sink Sink) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Initial: model.LocalModel("phi3:latest"),
		Factory: func(model.ModelDescriptor, []model.Message) (backend.Adapter, error) { return adapter, nil },
		Sink:    sink,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func collect(t *testing.T, sink ChanSink, n int) []Emission {
	t.Helper()
	out := make([]Emission, 0, n)
	for len(out) < n {
		select {
		case e := <-sink:
			out = append(out, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d emissions, want %d", len(out), n)
		}
	}
	return out
}

func assertNoEmission(t *testing.T, sink ChanSink) {
	t.Helper()
	select {
	case e := <-sink:
		t.Fatalf("unexpected emission %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func phases(es []Emission) []Phase {
	out := make([]Phase, len(es))
	for i, e := range es {
		out[i] = e.Phase
	}
	return out
}

// =============================================================================
// TURNS
// =============================================================================

func TestHelloTurn(t *testing.T) {
	sink := make(ChanSink, 32)
	fa := &fakeAdapter{desc: model.LocalModel("phi3:latest"), chunks: []string{"Hi", " there", "!"}}
	o := newOrchestrator(t, fa, sink)

	require.NoError(t, o.Submit(Submission{Text: "Hello"}))
	got := collect(t, sink, 5)

	assert.Equal(t, []Phase{
		PhaseDispatchStarting,
		PhaseStreamingAssistant,
		PhaseStreamingAssistant,
		PhaseStreamingAssistant,
		PhaseAssistantComplete,
	}, phases(got))
	assert.Equal(t, model.NewUserMessage("Hello"), got[0].Message)

	for i := 2; i < 4; i++ {
		assert.True(t, strings.HasPrefix(got[i].Message.Content, got[i-1].Message.Content), "emissions extend the previous one")
	}
	assert.Equal(t, "Hi there!", got[4].Message.Content)

	assert.Equal(t, []model.Message{model.NewUserMessage("Hello")}, fa.Asked(), "dispatched unchanged")

	transcript, err := o.Transcript()
	require.NoError(t, err)
	assert.Equal(t, []model.Message{
		model.NewUserMessage("Hello"),
		model.NewAssistantMessage("Hi there!"),
	}, transcript)
	assert.Equal(t, PhaseAssistantComplete, o.Phase())
}

func TestSubmitRejectedWhileStreaming(t *testing.T) {
	sink := make(ChanSink, 32)
	gate := make(chan struct{})
	fa := &fakeAdapter{desc: model.LocalModel("phi3"), chunks: []string{"a", "b"}, gate: gate}
	o := newOrchestrator(t, fa, sink)

	require.NoError(t, o.Submit(Submission{Text: "one"}))
	require.Eventually(t, func() bool { return o.Phase() == PhaseStreamingAssistant }, 2*time.Second, 5*time.Millisecond)

	err := o.Submit(Submission{Text: "two"})
	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.Equal(t, 0, o.Pending(), "rejected turn is not queued")

	close(gate)
	got := collect(t, sink, 4)
	assert.Equal(t, PhaseAssistantComplete, got[3].Phase)
	assert.Equal(t, "ab", got[3].Message.Content)

	require.NoError(t, o.Submit(Submission{Text: "three"}), "completed turn does not block the next one")
	collect(t, sink, 4)

	asked := fa.Asked()
	require.Len(t, asked, 2)
	assert.Equal(t, "one", asked[0].Content)
	assert.Equal(t, "three", asked[1].Content)
}

func TestSubmitWithRag(t *testing.T) {
	sink := make(ChanSink, 32)
	fa := &fakeAdapter{desc: model.LocalModel("phi3"), chunks: []string{"ok"}}
	o, err := New(Config{
		Initial:   fa.desc,
		Factory:   func(model.ModelDescriptor, []model.Message) (backend.Adapter, error) { return fa, nil },
		Formatter: &prompt.Formatter{Runner: stubRunner("Paris is sunny.")},
		Sink:      sink,
	})
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Submit(Submission{Text: "Weather?", Rag: model.ExternalScript("weather.sh")}))
	got := collect(t, sink, 3)

	assert.Equal(t, "Weather?", got[0].Message.Content, "UI shows what the user typed")
	asked := fa.Asked()
	require.Len(t, asked, 1)
	assert.Contains(t, asked[0].Content, "Paris is sunny.")
	assert.Equal(t, "Weather?", prompt.Unformat(asked[0].Content))
}

type stubRunner string

func (s stubRunner) Run(context.Context, string, string) (string, error) { return string(s), nil }

func TestScriptFailureIsReported(t *testing.T) {
	sink := make(ChanSink, 32)
	fa := &fakeAdapter{desc: model.LocalModel("phi3"), chunks: []string{"ok"}}
	o, err := New(Config{
		Initial:   fa.desc,
		Factory:   func(model.ModelDescriptor, []model.Message) (backend.Adapter, error) { return fa, nil },
		Formatter: &prompt.Formatter{Runner: failingRunner{}},
		Sink:      sink,
	})
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Submit(Submission{Text: "hi", Rag: model.ExternalScript("broken.sh")}))
	got := collect(t, sink, 1)
	assert.Equal(t, model.RoleSystem, got[0].Message.Role)
	assert.Contains(t, got[0].Message.Content, "no index")
	assert.Empty(t, fa.Asked())

	require.Eventually(t, func() bool { return o.machine.Idle() }, time.Second, 5*time.Millisecond)
	require.NoError(t, o.Submit(Submission{Text: "again"}))
	collect(t, sink, 3)
}

// gatedRunner blocks every script run until release is closed.
type gatedRunner struct {
	started chan struct{}
	release chan struct{}
}

func (g gatedRunner) Run(context.Context, string, string) (string, error) {
	g.started <- struct{}{}
	<-g.release
	return "context", nil
}

func TestSubmitRejectedWhilePreparing(t *testing.T) {
	sink := make(ChanSink, 32)
	fa := &fakeAdapter{desc: model.LocalModel("phi3"), chunks: []string{"ok"}}
	runner := gatedRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	o, err := New(Config{
		Initial:   fa.desc,
		Factory:   func(model.ModelDescriptor, []model.Message) (backend.Adapter, error) { return fa, nil },
		Formatter: &prompt.Formatter{Runner: runner},
		Sink:      sink,
	})
	require.NoError(t, err)
	defer o.Close()

	rag := model.ExternalScript("slow.sh")
	require.NoError(t, o.Submit(Submission{Text: "one", Rag: rag}))
	<-runner.started
	assert.Equal(t, PhaseUserTurn, o.Phase())

	assert.ErrorIs(t, o.Submit(Submission{Text: "two", Rag: rag}), ErrTurnInProgress,
		"a turn waiting on its script holds the only slot")

	close(runner.release)
	collect(t, sink, 3)
	asked := fa.Asked()
	require.Len(t, asked, 1)
	assert.Equal(t, "one", prompt.Unformat(asked[0].Content))
}

// =============================================================================
// BACKEND SWITCHING
// =============================================================================

func TestSwitchBackendSeedsTranscript(t *testing.T) {
	sink := make(ChanSink, 32)
	rec := &recorder{chunks: []string{"Bonjour"}}
	o, err := New(Config{
		Initial: model.LocalModel("phi3"),
		Seed:    []model.Message{model.NewSystemMessage("Be brief.")},
		Factory: rec.factory,
		Sink:    sink,
	})
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Submit(Submission{Text: "Hello"}))
	collect(t, sink, 3)

	before, err := o.Transcript()
	require.NoError(t, err)
	require.Len(t, before, 3)

	hosted := model.HostedModel("gpt-4o", "sk-test", model.VariantOpenAI)
	require.NoError(t, o.SwitchBackend(hosted))
	assert.Equal(t, before, rec.lastSeed())

	after, err := o.Transcript()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	st, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, hosted, st.Model)
	assert.Equal(t, 3, st.Turns)
}

func TestSwitchBackendWaitsForTurn(t *testing.T) {
	sink := make(ChanSink, 32)
	gate := make(chan struct{})
	fa := &fakeAdapter{desc: model.LocalModel("phi3"), chunks: []string{"a", "b"}, gate: gate}
	o := newOrchestrator(t, fa, sink)

	require.NoError(t, o.Submit(Submission{Text: "one"}))
	require.Eventually(t, func() bool { return o.Phase() == PhaseStreamingAssistant }, 2*time.Second, 5*time.Millisecond)

	// The owner is busy with the turn, so the switch is queued behind it
	// and evaluated once the turn ends.
	done := make(chan error, 1)
	go func() { done <- o.SwitchBackend(model.LocalModel("llama3")) }()
	close(gate)
	collect(t, sink, 4)
	require.NoError(t, <-done)

	st, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, "llama3", st.Model.Name)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func realStore(t *testing.T) (*storage.ConversationStore, Factory) {
	t.Helper()
	store, err := storage.NewConversationStore(t.TempDir())
	require.NoError(t, err)
	deps := backend.Deps{
		Store:  store,
		Ollama: ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: "http://127.0.0.1:1"}),
	}
	return store, BackendFactory(deps)
}

func TestLoadConversationReplays(t *testing.T) {
	store, factory := realStore(t)

	formatted := "<|context|>\nTrains run hourly.\n<|end_context|>\n<|user|>\nPlan a trip to Cork\n<|end_user|>"
	require.NoError(t, store.Save([]model.Message{
		model.NewUserMessage(formatted),
		model.NewAssistantMessage("Take the 9am train."),
	}, "trip-planning.json"))
	require.NoError(t, store.SetArchived("trip-planning.json", true))

	sink := make(ChanSink, 32)
	o, err := New(Config{Initial: model.LocalModel("phi3"), Factory: factory, Store: store, Sink: sink})
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.LoadConversation("trip-planning.json"))
	got := collect(t, sink, 2)
	assertNoEmission(t, sink)

	assert.Equal(t, []Phase{PhaseReplayingFromStorage, PhaseReplayingFromStorage}, phases(got))
	assert.Equal(t, model.NewUserMessage("Plan a trip to Cork"), got[0].Message)
	assert.Equal(t, model.NewAssistantMessage("Take the 9am train."), got[1].Message)
	assert.Equal(t, PhaseUserTurn, o.Phase())

	transcript, err := o.Transcript()
	require.NoError(t, err)
	assert.Equal(t, formatted, transcript[0].Content, "stored content keeps its markup")

	st, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, "trip-planning.json", st.Path)

	require.NoError(t, o.Export())
	env, err := store.Load("trip-planning.json")
	require.NoError(t, err)
	assert.True(t, env.Archived)
	assert.False(t, env.Starred)
	assert.Equal(t, "trip-planning", env.Name)
}

func TestLoadConversationMissing(t *testing.T) {
	store, factory := realStore(t)
	sink := make(ChanSink, 32)
	o, err := New(Config{Initial: model.LocalModel("phi3"), Factory: factory, Store: store, Sink: sink, Path: "current.json"})
	require.NoError(t, err)
	defer o.Close()

	err = o.LoadConversation("nope.json")
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)

	st, err := o.Status()
	require.NoError(t, err)
	assert.NotEqual(t, "current.json", st.Path, "a failed load starts a fresh file")
	assert.Equal(t, PhaseUserTurn, st.Phase)
}

func TestPersistenceFailureNotifies(t *testing.T) {
	sink := make(ChanSink, 32)
	fa := &fakeAdapter{desc: model.LocalModel("phi3"), export: errors.New("disk full")}
	o := newOrchestrator(t, fa, sink)

	err := o.Export()
	require.Error(t, err)

	got := collect(t, sink, 1)
	assert.Equal(t, model.RoleSystem, got[0].Message.Role)
	assert.True(t, strings.HasPrefix(got[0].Message.Content, notSavedNotice))
	assert.Contains(t, got[0].Message.Content, "disk full")

	assert.Error(t, o.NewConversation(), "history kept when the save fails")
	collect(t, sink, 1)
}

func TestLateAutoSaveFailureKeepsTurnPhase(t *testing.T) {
	sink := make(ChanSink, 32)
	saving := make(chan struct{})
	fa := &fakeAdapter{
		desc:       model.LocalModel("phi3"),
		chunks:     []string{"hi"},
		export:     errors.New("disk full"),
		exportGate: saving,
	}
	o, err := New(Config{
		Initial:  fa.desc,
		Factory:  func(model.ModelDescriptor, []model.Message) (backend.Adapter, error) { return fa, nil },
		Sink:     sink,
		AutoSave: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	require.NoError(t, o.Submit(Submission{Text: "one"}))
	got := collect(t, sink, 3)
	require.Equal(t, PhaseAssistantComplete, got[2].Phase)

	// The next turn is accepted while the autosave is still running.
	require.NoError(t, o.Submit(Submission{Text: "two"}))
	assert.Equal(t, PhaseUserTurn, o.Phase())
	close(saving)

	got = collect(t, sink, 5)
	assert.Equal(t, model.RoleSystem, got[0].Message.Role)
	assert.True(t, strings.HasPrefix(got[0].Message.Content, notSavedNotice))
	assert.Equal(t, PhaseAssistantComplete, got[0].Phase, "notice belongs to the finished turn")
	assert.Equal(t, []Phase{
		PhaseAssistantComplete,
		PhaseDispatchStarting,
		PhaseStreamingAssistant,
		PhaseAssistantComplete,
		PhaseAssistantComplete,
	}, phases(got))
	assert.Equal(t, model.RoleSystem, got[4].Message.Role)
}

func TestAutoSaveAfterTurnAndClose(t *testing.T) {
	sink := make(ChanSink, 32)
	fa := &fakeAdapter{desc: model.LocalModel("phi3"), chunks: []string{"hi"}}
	o, err := New(Config{
		Initial:  fa.desc,
		Factory:  func(model.ModelDescriptor, []model.Message) (backend.Adapter, error) { return fa, nil },
		Sink:     sink,
		AutoSave: true,
	})
	require.NoError(t, err)

	require.NoError(t, o.Submit(Submission{Text: "hello"}))
	collect(t, sink, 3)
	require.Eventually(t, func() bool { return fa.Exports() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Close())
	assert.Equal(t, 2, fa.Exports())

	assert.ErrorIs(t, o.Submit(Submission{Text: "late"}), ErrClosed)
	_, err = o.Transcript()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, o.Close(), "close is idempotent")
}

// =============================================================================
// UI CONSUMER
// =============================================================================

type notifySink struct {
	mu     sync.Mutex
	phases []Phase
}

func (n *notifySink) Deliver(Emission) error { return nil }

func (n *notifySink) PhaseChanged(p Phase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.phases = append(n.phases, p)
}

func (n *notifySink) seen(p Phase) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, q := range n.phases {
		if q == p {
			return true
		}
	}
	return false
}

func TestPhaseNotifierSeesReturnToUserTurn(t *testing.T) {
	store, factory := realStore(t)
	require.NoError(t, store.Save([]model.Message{model.NewUserMessage("hi")}, "short.json"))

	ns := &notifySink{}
	o, err := New(Config{
		Initial:  model.LocalModel("phi3"),
		Factory:  factory,
		Store:    store,
		Sink:     ns,
		IdlePoll: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.LoadConversation("short.json"))
	assert.Eventually(t, func() bool { return ns.seen(PhaseUserTurn) }, time.Second, 5*time.Millisecond)
}
