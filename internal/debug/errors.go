package debug

import (
	"errors"
	"fmt"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// Reason classifies why a request was refused.
type Reason int

const (
	ReasonThreadNotSuspended Reason = iota + 1
	ReasonNestedInvocation
	ReasonTargetUnavailable
	ReasonSuspendTimeout
	ReasonSuspendVoteInProgress
	ReasonInvalidReceiver
	ReasonInvalidFrame
	ReasonTransport
	ReasonStepInProgress
	ReasonUnsupported
)

// String returns the reason code.
func (r Reason) String() string {
	switch r {
	case ReasonThreadNotSuspended:
		return "THREAD_NOT_SUSPENDED"
	case ReasonNestedInvocation:
		return "NESTED_INVOCATION"
	case ReasonTargetUnavailable:
		return "TARGET_UNAVAILABLE"
	case ReasonSuspendTimeout:
		return "SUSPEND_TIMEOUT"
	case ReasonSuspendVoteInProgress:
		return "SUSPEND_VOTE_IN_PROGRESS"
	case ReasonInvalidReceiver:
		return "INVALID_RECEIVER"
	case ReasonInvalidFrame:
		return "INVALID_FRAME"
	case ReasonTransport:
		return "TRANSPORT"
	case ReasonStepInProgress:
		return "STEP_IN_PROGRESS"
	case ReasonUnsupported:
		return "OPERATION_UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// RequestError is returned when an operation is refused or fails. It is an
// expected outcome: callers check the Reason and carry on.
type RequestError struct {
	Op     string
	Reason Reason
	Thread remote.ThreadID
	Err    error
}

func (e *RequestError) Error() string {
	msg := e.Reason.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Thread != 0 {
		msg = fmt.Sprintf("thread %d: %s", e.Thread, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is matches any RequestError with the same reason, so the sentinels below
// work with errors.Is.
func (e *RequestError) Is(target error) bool {
	t, ok := target.(*RequestError)
	return ok && t.Reason == e.Reason
}

// Temporary reports whether retrying the operation may succeed.
func (e *RequestError) Temporary() bool {
	return e.Reason == ReasonSuspendTimeout || e.Reason == ReasonSuspendVoteInProgress
}

// Sentinels for errors.Is.
var (
	ErrThreadNotSuspended    = &RequestError{Reason: ReasonThreadNotSuspended}
	ErrNestedInvocation      = &RequestError{Reason: ReasonNestedInvocation}
	ErrTargetUnavailable     = &RequestError{Reason: ReasonTargetUnavailable}
	ErrSuspendTimeout        = &RequestError{Reason: ReasonSuspendTimeout}
	ErrSuspendVoteInProgress = &RequestError{Reason: ReasonSuspendVoteInProgress}
	ErrInvalidReceiver       = &RequestError{Reason: ReasonInvalidReceiver}
	ErrInvalidFrame          = &RequestError{Reason: ReasonInvalidFrame}
	ErrTransport             = &RequestError{Reason: ReasonTransport}
	ErrStepInProgress        = &RequestError{Reason: ReasonStepInProgress}
	ErrUnsupported           = &RequestError{Reason: ReasonUnsupported}
)

// ReasonOf returns the reason carried by err, or zero.
func ReasonOf(err error) Reason {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Reason
	}
	return 0
}

func refuse(op string, thread remote.ThreadID, reason Reason) error {
	return &RequestError{Op: op, Reason: reason, Thread: thread}
}

// wrapRemote turns a session failure into a RequestError. Transport
// failures keep their reason so that callers can tell a dead target apart
// from a refused command.
func wrapRemote(op string, thread remote.ThreadID, err error) error {
	if err == nil {
		return nil
	}
	reason := ReasonUnsupported
	switch {
	case remote.IsTransport(err):
		reason = ReasonTransport
	case remote.HasCode(err, remote.CodeThreadNotSuspended):
		reason = ReasonThreadNotSuspended
	case remote.HasCode(err, remote.CodeInvalidFrame):
		reason = ReasonInvalidFrame
	case remote.HasCode(err, remote.CodeInvalidThread):
		reason = ReasonTargetUnavailable
	}
	return &RequestError{Op: op, Reason: reason, Thread: thread, Err: err}
}
