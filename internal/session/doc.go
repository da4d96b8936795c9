// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs one chat session: it owns the active backend
// adapter, moves user turns through the prompt formatter to the backend,
// and delivers phase-tagged emissions to a UI sink.
//
// # Key Types
//
//   - Machine: the turn phase state machine
//   - Orchestrator: owns the adapter on a single goroutine
//   - Emission: a message plus the phase it belongs to
//   - Sink: receives emissions in order
//
// # Phases
//
// A turn moves UserTurn -> DispatchStarting -> StreamingAssistant ->
// AssistantComplete, and AssistantComplete falls back to UserTurn on the
// next submission. Loading a stored conversation replays it under
// ReplayingFromStorage and then returns to UserTurn.
//
// # Usage
//
//	orch, err := session.New(session.Config{
//	    Initial:   model.LocalModel("phi3:latest"),
//	    Factory:   session.BackendFactory(deps),
//	    Store:     store,
//	    Formatter: prompt.NewFormatter(),
//	    Sink:      sink,
//	})
//	defer orch.Close()
//
//	err = orch.Submit(session.Submission{Text: "Hello"})
//
// # Cancellation
//
// A dispatched turn cannot be aborted. It runs until the backend stream
// ends or fails; Close waits for it.
package session
