// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import "github.com/jeranaias/comhra/internal/model"

// Emission is one message for the UI, tagged with the phase it was produced
// in. During StreamingAssistant each emission carries the whole reply so far
// and replaces the previous one on screen.
type Emission struct {
	Phase   Phase
	Message model.Message
}

// Sink receives emissions in order from a single goroutine.
type Sink interface {
	Deliver(e Emission) error
}

// PhaseNotifier is an optional Sink extension told about phase changes that
// happen between emissions.
type PhaseNotifier interface {
	PhaseChanged(p Phase)
}

// ChanSink forwards emissions to a channel. Deliver blocks while the
// channel is full.
type ChanSink chan Emission

// Deliver implements Sink.
func (c ChanSink) Deliver(e Emission) error {
	c <- e
	return nil
}

// FuncSink adapts a function to Sink.
type FuncSink func(Emission) error

// Deliver implements Sink.
func (f FuncSink) Deliver(e Emission) error {
	return f(e)
}

// discardSink drops everything.
type discardSink struct{}

func (discardSink) Deliver(Emission) error { return nil }
