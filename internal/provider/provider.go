// Package provider adapts external LLM backends to a uniform streaming
// contract.
//
// An Adapter turns a Request (conversation + tool definitions) into a
// sequence of Events delivered on a channel: zero or more deltas and
// tool-call requests followed by exactly one terminal stop event, after
// which the channel is closed. Each adapter hides its provider's
// transport and authentication; callers select adapters by provider id
// through a Registry assembled once at startup.
package provider

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/chat"
)

// Message roles on the provider wire. These mirror the chat domain
// roles plus the system role, which exists only in transient requests.
const (
	RoleSystem    = "system"
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant
	RoleTool      = chat.RoleTool
)

// Message is one turn of the transient conversation sent to a provider.
// Unlike the persisted chat.Message it can carry tool-call requests
// (assistant turns) and tool results (tool turns) so adapters can
// reconstruct the provider's native tool wire format.
type Message struct {
	Role  string
	Parts []chat.Part

	// ToolCalls are set on assistant turns that requested tools.
	ToolCalls []ToolCall

	// ToolResult is set on tool turns.
	ToolResult *ToolResult
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == chat.PartText {
			out += p.Text
		}
	}
	return out
}

// TextMessage builds a plain text message for the given role.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []chat.Part{chat.TextPart(text)}}
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	// ID identifies the call on the provider wire so the result can be
	// correlated. Providers that do not issue ids get a generated one.
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult carries a tool's output (or error text) back to the model.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Request is the transient provider call input. It is never persisted.
type Request struct {
	ChatID       uuid.UUID
	Messages     []Message
	SystemPrompt string

	Model       string
	Temperature float32
	MaxTokens   int

	Tools []ToolDef
}

// EventType discriminates streaming events.
type EventType int

const (
	// EventDelta carries an incremental content part fragment.
	EventDelta EventType = iota

	// EventToolCall carries a complete model-requested tool call.
	EventToolCall

	// EventStop terminates the sequence. The channel is closed after it.
	EventStop
)

// StopReason explains why generation ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// Event is one element of a provider's streaming output.
type Event struct {
	Type EventType

	// Part is set for EventDelta.
	Part chat.Part

	// ToolCall is set for EventToolCall.
	ToolCall *ToolCall

	// StopReason is set for EventStop.
	StopReason StopReason

	// Err is set for EventStop with StopError.
	Err *Error
}

// Adapter is the uniform capability set over LLM backends. The returned
// channel delivers events in provider emission order and is closed after
// the terminal stop event. Cancelling ctx aborts in-flight provider I/O
// and terminates the sequence promptly with a stop event.
type Adapter interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// eventBuffer is the producer channel capacity. The producer blocks when
// the consumer lags beyond it, which bounds memory per session.
const eventBuffer = 64

func stopEvent(reason StopReason, err *Error) Event {
	return Event{Type: EventStop, StopReason: reason, Err: err}
}
