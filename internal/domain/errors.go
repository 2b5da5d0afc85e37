package domain

import "errors"

var (
	// ErrNotFound is returned when a sandbox or execution id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrNotRunning is returned when an operation requires a running sandbox.
	ErrNotRunning = errors.New("sandbox not running")

	// ErrLimitExceeded is returned when requested resources exceed provider limits.
	ErrLimitExceeded = errors.New("resource limit exceeded")

	// ErrInvalidRequest is returned for malformed input or a disallowed transition.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStorage wraps persistence failures.
	ErrStorage = errors.New("storage error")
)
