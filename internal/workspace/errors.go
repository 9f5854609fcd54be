package workspace

import "errors"

var (
	// ErrNoUser is returned when a handler needs a user and the scope has none.
	ErrNoUser = errors.New("workspace: scope has no user")

	// ErrNoStartup is returned when a handler needs a startup and the scope has none.
	ErrNoStartup = errors.New("workspace: scope has no startup")

	// ErrInvalidPayload is returned when an output does not have the shape
	// a target expects.
	ErrInvalidPayload = errors.New("workspace: invalid output payload")
)
