// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/session"
	"github.com/jeranaias/comhra/internal/sink"
)

// =============================================================================
// TERMINAL SINK
// =============================================================================

// TerminalSink renders session emissions to a terminal. Streaming emissions
// are cumulative, so only the part beyond what is already on screen is
// written.
type TerminalSink struct {
	mu      sync.Mutex
	out     io.Writer
	printed string
	phase   session.Phase
	waiting bool
	done    chan struct{}
}

// NewTerminalSink creates a sink writing to out.
func NewTerminalSink(out io.Writer) *TerminalSink {
	return &TerminalSink{
		out:  out,
		done: make(chan struct{}, 1),
	}
}

// Expect marks a turn as submitted; TurnDone fires when it finishes.
func (t *TerminalSink) Expect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiting = true
	// Drop a stale signal from an earlier turn.
	select {
	case <-t.done:
	default:
	}
}

// TurnDone is signalled once the expected turn completes or is refused.
func (t *TerminalSink) TurnDone() <-chan struct{} {
	return t.done
}

// Deliver implements session.Sink.
func (t *TerminalSink) Deliver(e session.Emission) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.phase = e.Phase
	msg := e.Message

	if msg.Role == model.RoleSystem {
		t.finishLine()
		fmt.Fprintln(t.out, RenderConditional(systemStyle, msg.Content))
		if e.Phase == session.PhaseUserTurn {
			t.signal()
		}
		return nil
	}

	switch e.Phase {
	case session.PhaseDispatchStarting:
		if n := len(msg.Images); n > 0 {
			fmt.Fprintln(t.out, RenderConditional(DimStyle, fmt.Sprintf("(%d image(s) attached)", n)))
		}
		fmt.Fprint(t.out, label(model.RoleAssistant))
		t.printed = ""

	case session.PhaseStreamingAssistant:
		t.extend(msg.Content)

	case session.PhaseAssistantComplete:
		t.extend(msg.Content)
		fmt.Fprintln(t.out)
		t.printed = ""
		t.signal()

	case session.PhaseReplayingFromStorage:
		fmt.Fprintf(t.out, "%s%s\n", label(msg.Role), msg.Content)

	default:
		fmt.Fprintf(t.out, "%s%s\n", label(msg.Role), msg.Content)
	}
	return nil
}

// PhaseChanged implements session.PhaseNotifier.
func (t *TerminalSink) PhaseChanged(p session.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

// Phase returns the last phase the sink saw.
func (t *TerminalSink) Phase() session.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// extend writes the part of content not yet on screen. A snapshot that does
// not extend the printed text is written again in full on a new line.
func (t *TerminalSink) extend(content string) {
	if strings.HasPrefix(content, t.printed) {
		fmt.Fprint(t.out, content[len(t.printed):])
	} else {
		fmt.Fprint(t.out, "\n"+content)
	}
	t.printed = content
}

func (t *TerminalSink) finishLine() {
	if t.printed != "" {
		fmt.Fprintln(t.out)
		t.printed = ""
	}
}

func (t *TerminalSink) signal() {
	if !t.waiting {
		return
	}
	t.waiting = false
	select {
	case t.done <- struct{}{}:
	default:
	}
}

func label(r model.Role) string {
	return RenderConditional(roleStyle(r), "["+r.DisplayName()+"]") + " "
}

var (
	_ session.Sink          = (*TerminalSink)(nil)
	_ session.PhaseNotifier = (*TerminalSink)(nil)
)

// =============================================================================
// BUS SINK
// =============================================================================

// busSink publishes emissions onto the session bus and passes phase changes
// straight to the terminal, since the bus only carries emissions.
type busSink struct {
	*sink.WatermillSink
	notify session.PhaseNotifier
}

// PhaseChanged implements session.PhaseNotifier.
func (b busSink) PhaseChanged(p session.Phase) {
	if b.notify != nil {
		b.notify.PhaseChanged(p)
	}
}
