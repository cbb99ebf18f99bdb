package dispatch

import "errors"

var (
	// ErrAlreadyRunning is returned by Start when the loop was started before.
	ErrAlreadyRunning = errors.New("dispatch loop already started")

	// ErrDuplicateListener is returned when a request already has a listener.
	ErrDuplicateListener = errors.New("request already has a listener")
)
