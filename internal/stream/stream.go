// Package stream fans one generation's events out to a live subscriber
// while durably accumulating the response content.
//
// A Session has exactly one producer (the orchestrator) and at most one
// live subscriber (an SSE handler). The subscriber is optional and
// disposable: publishes never block on it, a slow consumer is detached,
// and generation runs to completion whether or not anyone is watching.
// The accumulated content survives the subscriber and is what gets
// persisted.
package stream

import (
	"sync"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/chat"
)

// Kind discriminates outward events.
type Kind string

const (
	// KindDelta carries an incremental content part fragment.
	KindDelta Kind = "delta"

	// KindToolCall announces a model-requested tool invocation.
	KindToolCall Kind = "tool_call"

	// KindToolResult announces a completed tool invocation.
	KindToolResult Kind = "tool_result"

	// KindDone terminates the sequence with the persisted message's
	// identity and status.
	KindDone Kind = "done"

	// KindError reports a failure; a done event still follows.
	KindError Kind = "error"
)

// Event is one outward streaming event. Fields are populated per kind.
type Event struct {
	Kind Kind `json:"kind"`

	// Delta content fragment.
	Part *chat.Part `json:"part,omitempty"`

	// Tool call / result identity. Result carries the tool's output,
	// or the error text when ToolIsError is set.
	Tool        string `json:"tool,omitempty"`
	Result      string `json:"result,omitempty"`
	ToolIsError bool   `json:"tool_is_error,omitempty"`

	// Terminal message identity.
	MessageID uuid.UUID `json:"message_id,omitempty"`
	Status    string    `json:"status,omitempty"`

	// Error classification.
	ErrKind string `json:"err_kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// subscriberBuffer is the subscriber channel capacity. A consumer that
// falls this far behind is detached rather than allowed to stall the
// producer.
const subscriberBuffer = 256

// Session aggregates one generation's event stream.
type Session struct {
	mu     sync.Mutex
	sub    chan Event
	parts  []chat.Part
	closed bool
	buffer int
}

// NewSession creates an aggregation session.
func NewSession() *Session {
	return &Session{buffer: subscriberBuffer}
}

// Subscribe attaches the live subscriber, replacing and detaching any
// previous one. The returned cancel detaches this subscriber; it is
// safe to call after the session finished. Subscribing to a finished
// session yields an already-closed channel.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, s.buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	if s.sub != nil {
		close(s.sub)
	}
	s.sub = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.sub == ch {
			s.sub = nil
			close(ch)
		}
	}
	return ch, cancel
}

// Delta records a content fragment and forwards it. Consecutive text
// fragments coalesce in the accumulator so the persisted content stays
// compact while emission order is preserved.
func (s *Session) Delta(p chat.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if n := len(s.parts); p.Kind == chat.PartText && n > 0 && s.parts[n-1].Kind == chat.PartText {
		s.parts[n-1].Text += p.Text
	} else {
		s.parts = append(s.parts, p)
	}
	s.publish(Event{Kind: KindDelta, Part: &p})
}

// ToolCall announces a tool invocation request.
func (s *Session) ToolCall(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.publish(Event{Kind: KindToolCall, Tool: name})
}

// ToolResult announces a completed tool invocation with its output, or
// the error text when isError is set.
func (s *Session) ToolResult(name, content string, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.publish(Event{Kind: KindToolResult, Tool: name, Result: content, ToolIsError: isError})
}

// Error reports a failure. The session stays open; a Done call follows
// with the terminal status.
func (s *Session) Error(kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.publish(Event{Kind: KindError, ErrKind: kind, Message: message})
}

// Done terminates the session, delivering the persisted message's
// identity exactly once and closing the subscriber channel. Later
// publishes are no-ops.
func (s *Session) Done(messageID uuid.UUID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.publish(Event{Kind: KindDone, MessageID: messageID, Status: status})
	s.closed = true
	if s.sub != nil {
		close(s.sub)
		s.sub = nil
	}
}

// Parts returns a copy of the accumulated content in emission order.
func (s *Session) Parts() []chat.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Part, len(s.parts))
	copy(out, s.parts)
	return out
}

// publish forwards to the subscriber without blocking. A full buffer
// means the consumer stopped keeping up, so it is detached. Callers
// hold s.mu.
func (s *Session) publish(ev Event) {
	if s.sub == nil {
		return
	}
	select {
	case s.sub <- ev:
	default:
		close(s.sub)
		s.sub = nil
	}
}
