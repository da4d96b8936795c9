// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"fmt"
	"sync"
)

// =============================================================================
// PHASES
// =============================================================================

// Phase is where the session is in the current turn.
type Phase int

const (
	// PhaseUserTurn is the only phase that accepts a new submission.
	PhaseUserTurn Phase = iota

	// PhaseDispatchStarting is set when a formatted turn is dequeued.
	PhaseDispatchStarting

	// PhaseStreamingAssistant is entered on the first partial reply.
	PhaseStreamingAssistant

	// PhaseAssistantComplete is entered when the backend stream ends.
	PhaseAssistantComplete

	// PhaseReplayingFromStorage tags messages replayed from a loaded file.
	PhaseReplayingFromStorage
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseUserTurn:
		return "UserTurn"
	case PhaseDispatchStarting:
		return "DispatchStarting"
	case PhaseStreamingAssistant:
		return "StreamingAssistant"
	case PhaseAssistantComplete:
		return "AssistantComplete"
	case PhaseReplayingFromStorage:
		return "ReplayingFromStorage"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// TransitionError reports an event that is not allowed in the current phase.
type TransitionError struct {
	From  Phase
	Event string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: cannot %s during %s", e.Event, e.From)
}

// =============================================================================
// MACHINE
// =============================================================================

// Machine decides whether an incoming item is a new user turn, an update to
// the assistant turn being built, or a completed turn. It is safe for
// concurrent use.
//
// A submission accepted in UserTurn is held as pending until it is
// dispatched or released, so exactly one turn is in flight at a time.
type Machine struct {
	mu      sync.Mutex
	phase   Phase
	pending bool
}

// NewMachine returns a machine in UserTurn.
func NewMachine() *Machine {
	return &Machine{phase: PhaseUserTurn}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Idle reports whether no turn is pending or running.
func (m *Machine) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleLocked()
}

func (m *Machine) idleLocked() bool {
	return !m.pending && (m.phase == PhaseUserTurn || m.phase == PhaseAssistantComplete)
}

// AcceptSubmission auto-advances AssistantComplete to UserTurn and then
// reserves the turn. It returns false in any other phase, or when a
// submission is already pending.
func (m *Machine) AcceptSubmission() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseAssistantComplete {
		m.phase = PhaseUserTurn
	}
	if m.phase != PhaseUserTurn || m.pending {
		return false
	}
	m.pending = true
	return true
}

// Release drops a pending submission that will never be dispatched.
func (m *Machine) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = false
}

// BeginDispatch moves UserTurn to DispatchStarting.
func (m *Machine) BeginDispatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseAssistantComplete {
		m.phase = PhaseUserTurn
	}
	if m.phase != PhaseUserTurn {
		return &TransitionError{From: m.phase, Event: "dispatch"}
	}
	m.phase = PhaseDispatchStarting
	m.pending = false
	return nil
}

// Observe records a partial reply and returns the phase to tag it with.
// The first partial moves DispatchStarting to StreamingAssistant; later
// ones stay there.
func (m *Machine) Observe() (Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseDispatchStarting:
		m.phase = PhaseStreamingAssistant
	case PhaseStreamingAssistant:
	default:
		return m.phase, &TransitionError{From: m.phase, Event: "stream"}
	}
	return m.phase, nil
}

// Complete ends the running turn.
func (m *Machine) Complete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseDispatchStarting && m.phase != PhaseStreamingAssistant {
		return &TransitionError{From: m.phase, Event: "complete"}
	}
	m.phase = PhaseAssistantComplete
	return nil
}

// BeginReplay enters ReplayingFromStorage. Only an idle session can replay.
func (m *Machine) BeginReplay() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.idleLocked() {
		return &TransitionError{From: m.phase, Event: "replay"}
	}
	m.phase = PhaseReplayingFromStorage
	return nil
}

// EndReplay returns to UserTurn.
func (m *Machine) EndReplay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseUserTurn
}
