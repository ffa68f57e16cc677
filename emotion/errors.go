package emotion

import "errors"

var (
	// ErrInvalidSignal rejects malformed analyzer input at the boundary.
	ErrInvalidSignal = errors.New("invalid signal")
	// ErrInsufficientData means there is nothing to fuse yet. Callers treat
	// it as "no report", not as a failure.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrDispatchTimeout marks a subscriber dropped for not keeping up.
	ErrDispatchTimeout = errors.New("dispatch timeout")
	// ErrCollaboratorUnavailable wraps persistence and recommendation failures.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
)
