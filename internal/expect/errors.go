package expect

import "errors"

var (
	// ErrTransport wraps any failure reported by a line source during a wait
	// (device disconnected, process exited). It is fatal to the wait.
	ErrTransport = errors.New("line source failed")

	// ErrInvalidPattern is returned when a pattern cannot be built (malformed regular expression,
	// empty literal).
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrInvalidSet is returned by Wait before any polling when the expectation set is unusable.
	ErrInvalidSet = errors.New("invalid expectation set")
)
