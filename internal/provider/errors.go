package provider

import (
	"errors"
	"fmt"
)

// ErrUnknownProvider indicates no adapter is registered under the
// requested provider id.
var ErrUnknownProvider = errors.New("unknown provider")

// Error is a provider failure surfaced after internal retries are
// exhausted, or immediately for non-retryable causes.
type Error struct {
	Provider string
	Status   int // HTTP status, 0 when transport-level
	Message  string

	// Temporary marks failures that were retry candidates (timeouts,
	// 5xx, rate limits). A surfaced temporary error means retries ran
	// out.
	Temporary bool

	// Attempts is the total number of attempts made.
	Attempts int
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: HTTP %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// retryableStatus reports whether an HTTP status is a transient failure.
func retryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}
