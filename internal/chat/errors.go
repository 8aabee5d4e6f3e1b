package chat

import "errors"

// Sentinel errors for store operations. These are part of the Store's
// public API and should be checked with errors.Is().
var (
	// ErrChatNotFound indicates the requested chat does not exist or is
	// not visible to the calling user.
	ErrChatNotFound = errors.New("chat not found")

	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidStatus indicates an unknown message status value.
	ErrInvalidStatus = errors.New("invalid message status")

	// ErrMessageImmutable indicates an attempt to change the status of a
	// message that already reached StatusComplete.
	ErrMessageImmutable = errors.New("message is complete and immutable")
)
