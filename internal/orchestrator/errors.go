package orchestrator

import "errors"

var (
	// ErrChatBusy indicates a generation is already running for the
	// chat. Callers may retry after backoff; requests never queue.
	ErrChatBusy = errors.New("chat busy")

	// ErrToolLoopLimit indicates the model kept requesting tools past
	// the configured cap. The accumulated content is persisted as
	// interrupted.
	ErrToolLoopLimit = errors.New("tool loop limit exceeded")

	// ErrStopped indicates the generation was cancelled by an explicit
	// stop request. The accumulated content is persisted as
	// interrupted.
	ErrStopped = errors.New("generation stopped")

	// ErrNoActiveGeneration indicates no generation is running for the
	// chat.
	ErrNoActiveGeneration = errors.New("no active generation")
)

// PersistenceError wraps a repository failure during generation.
// Whatever content was accumulated has already been offered to the
// store before this surfaces.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
