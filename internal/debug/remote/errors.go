package remote

import (
	"errors"
	"fmt"
)

// ErrDisconnected is wrapped by transport errors raised after the session
// has gone away.
var ErrDisconnected = errors.New("target VM disconnected")

// TransportError reports that the session could not reach the target VM.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transport failure", e.Op)
	}
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CommandError reports that the target VM rejected a command.
type CommandError struct {
	Op      string
	Code    ErrorCode
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

// ErrorCode classifies a CommandError.
type ErrorCode int

const (
	CodeInvalidThread ErrorCode = iota + 1
	CodeThreadNotSuspended
	CodeInvalidRequest
	CodeInvalidFrame
	CodeInvalidType
	CodeNotImplemented
	CodeRedefineFailed
)

// String returns the code name.
func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidThread:
		return "invalid thread"
	case CodeThreadNotSuspended:
		return "thread not suspended"
	case CodeInvalidRequest:
		return "invalid request"
	case CodeInvalidFrame:
		return "invalid frame"
	case CodeInvalidType:
		return "invalid type"
	case CodeNotImplemented:
		return "not implemented"
	case CodeRedefineFailed:
		return "redefine failed"
	default:
		return "unknown"
	}
}

// IsTransport reports whether err (or anything it wraps) is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// HasCode reports whether err wraps a CommandError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Code == code
}
