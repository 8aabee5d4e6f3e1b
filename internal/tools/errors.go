package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownServer indicates no session exists for the server id.
var ErrUnknownServer = errors.New("unknown tool server")

// Reason classifies an invocation failure.
type Reason string

const (
	// ReasonUnknownTool means no server advertises the tool.
	ReasonUnknownTool Reason = "unknown_tool"

	// ReasonBadArguments means the argument payload was not a JSON
	// object.
	ReasonBadArguments Reason = "bad_arguments"

	// ReasonSchemaMismatch means the arguments failed schema validation.
	// The server was never contacted.
	ReasonSchemaMismatch Reason = "schema_mismatch"

	// ReasonDispatchFailed means the server call itself failed
	// (transport, timeout, protocol).
	ReasonDispatchFailed Reason = "dispatch_failed"
)

// InvocationError is a broker-level invocation failure. It is distinct
// from a tool-level failure, which comes back as a Result with IsError
// set.
type InvocationError struct {
	Tool   string
	Server string
	Reason Reason
	Err    error
}

func (e *InvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %q: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
