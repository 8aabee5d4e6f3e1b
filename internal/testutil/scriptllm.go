// Package testutil provides deterministic fakes for generation tests: a
// scripted provider adapter, an in-memory message store, and SSE stream
// parsing helpers.
package testutil

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/provider"
)

// Round is one scripted provider response: its events are replayed in
// order, followed by the terminal stop event.
type Round struct {
	// Deltas and ToolCalls interleave in the given order: all Deltas
	// first, then all ToolCalls. Use Events for full control.
	Deltas    []string
	ToolCalls []provider.ToolCall

	// Events, when set, replaces Deltas/ToolCalls entirely.
	Events []provider.Event

	// Stop defaults to end_turn, or tool_use when ToolCalls are set.
	Stop provider.StopReason

	// Err, when set, makes the round terminate with a stop error after
	// replaying the events.
	Err *provider.Error

	// FailuresBefore simulates this many transient failures retried
	// internally before the round replays. They count in Attempts and
	// emit nothing, matching the adapter contract of retrying before
	// any event is emitted.
	FailuresBefore int
}

// ScriptedAdapter replays scripted rounds, one per Stream call, in
// order. It is safe for concurrent use and records every request it
// received.
type ScriptedAdapter struct {
	mu       sync.Mutex
	rounds   []Round
	next     int
	requests []provider.Request
	attempts int
}

// NewScriptedAdapter creates an adapter that replays the given rounds.
func NewScriptedAdapter(rounds ...Round) *ScriptedAdapter {
	return &ScriptedAdapter{rounds: rounds}
}

// Requests returns a copy of every request received so far.
func (s *ScriptedAdapter) Requests() []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Attempts returns the total number of provider attempts, simulated
// internal retries included.
func (s *ScriptedAdapter) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Stream implements provider.Adapter.
func (s *ScriptedAdapter) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	s.mu.Lock()
	s.attempts++
	s.requests = append(s.requests, req)

	var round Round
	if s.next < len(s.rounds) {
		round = s.rounds[s.next]
		s.attempts += round.FailuresBefore
		s.next++
	} else {
		round = Round{Deltas: []string{"out of script"}}
	}
	s.mu.Unlock()

	events := make(chan provider.Event, 64)
	go func() {
		defer close(events)
		for _, ev := range round.events() {
			select {
			case events <- ev:
			case <-ctx.Done():
				events <- provider.Event{Type: provider.EventStop, StopReason: provider.StopError,
					Err: &provider.Error{Provider: "scripted", Message: ctx.Err().Error()}}
				return
			}
		}
	}()
	return events, nil
}

// events expands the round into its full event sequence.
func (r Round) events() []provider.Event {
	out := r.Events
	if out == nil {
		for _, d := range r.Deltas {
			out = append(out, provider.Event{Type: provider.EventDelta, Part: chat.TextPart(d)})
		}
		for i := range r.ToolCalls {
			tc := r.ToolCalls[i]
			out = append(out, provider.Event{Type: provider.EventToolCall, ToolCall: &tc})
		}
	}

	if r.Err != nil {
		return append(out, provider.Event{Type: provider.EventStop, StopReason: provider.StopError, Err: r.Err})
	}
	stop := r.Stop
	if stop == "" {
		stop = provider.StopEndTurn
		if len(r.ToolCalls) > 0 {
			stop = provider.StopToolUse
		}
	}
	return append(out, provider.Event{Type: provider.EventStop, StopReason: stop})
}
