// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_FullTurn(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, PhaseUserTurn, m.Current())
	assert.True(t, m.Idle())

	require.True(t, m.AcceptSubmission())
	assert.False(t, m.Idle(), "accepted submission is pending")
	assert.False(t, m.AcceptSubmission(), "only one turn in flight")

	require.NoError(t, m.BeginDispatch())
	assert.Equal(t, PhaseDispatchStarting, m.Current())

	p, err := m.Observe()
	require.NoError(t, err)
	assert.Equal(t, PhaseStreamingAssistant, p)

	p, err = m.Observe()
	require.NoError(t, err)
	assert.Equal(t, PhaseStreamingAssistant, p, "later partials stay streaming")

	require.NoError(t, m.Complete())
	assert.Equal(t, PhaseAssistantComplete, m.Current())
	assert.True(t, m.Idle())

	require.True(t, m.AcceptSubmission(), "AssistantComplete auto-advances")
	assert.Equal(t, PhaseUserTurn, m.Current())
}

func TestMachine_RejectsOutsideUserTurn(t *testing.T) {
	m := NewMachine()
	require.True(t, m.AcceptSubmission())
	require.NoError(t, m.BeginDispatch())
	_, _ = m.Observe()

	assert.False(t, m.AcceptSubmission())
	assert.Equal(t, PhaseStreamingAssistant, m.Current())

	var te *TransitionError
	err := m.BeginReplay()
	require.ErrorAs(t, err, &te)
	assert.Equal(t, PhaseStreamingAssistant, te.From)
	assert.Contains(t, err.Error(), "StreamingAssistant")

	assert.Error(t, m.BeginDispatch())
}

func TestMachine_CompleteWithoutPartials(t *testing.T) {
	m := NewMachine()
	require.True(t, m.AcceptSubmission())
	require.NoError(t, m.BeginDispatch())
	require.NoError(t, m.Complete())

	assert.Error(t, m.Complete(), "already complete")
	_, err := m.Observe()
	assert.Error(t, err)
}

func TestMachine_Release(t *testing.T) {
	m := NewMachine()
	require.True(t, m.AcceptSubmission())
	m.Release()
	assert.True(t, m.Idle())
	assert.True(t, m.AcceptSubmission())
}

func TestMachine_Replay(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.BeginReplay())
	assert.Equal(t, PhaseReplayingFromStorage, m.Current())
	assert.False(t, m.AcceptSubmission())

	m.EndReplay()
	assert.Equal(t, PhaseUserTurn, m.Current())

	require.True(t, m.AcceptSubmission())
	assert.Error(t, m.BeginReplay(), "pending submission blocks replay")
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "UserTurn", PhaseUserTurn.String())
	assert.Equal(t, "ReplayingFromStorage", PhaseReplayingFromStorage.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}
