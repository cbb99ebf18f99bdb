package remote

import (
	"fmt"
	"time"
)

// ThreadID identifies a thread in the target VM.
type ThreadID uint64

// RequestID identifies an event request. Zero means "no request" and is used
// for unsolicited events such as VM start or death.
type RequestID uint64

// TypeID identifies a loaded reference type.
type TypeID uint64

// ObjectID identifies an object in the target VM heap.
type ObjectID uint64

// FrameID identifies a stack frame. Frame IDs are only valid while the
// owning thread stays suspended.
type FrameID uint64

// MethodInfo describes a method as reported by the target VM.
type MethodInfo struct {
	Name              string
	Signature         string
	Synthetic         bool
	Constructor       bool
	StaticInitializer bool
	Static            bool
}

// Equal reports whether two methods are the same declared method.
func (m MethodInfo) Equal(o MethodInfo) bool {
	return m.Name == o.Name && m.Signature == o.Signature
}

// Location is an executable position in the target VM.
type Location struct {
	TypeName string
	Method   MethodInfo
	Line     int
	Index    int64
}

// SameLine reports whether both locations are on the same source line of
// the same method.
func (l Location) SameLine(o Location) bool {
	return l.TypeName == o.TypeName && l.Method.Equal(o.Method) && l.Line == o.Line
}

// String returns a human readable form such as "com.acme.Foo.bar:12".
func (l Location) String() string {
	return fmt.Sprintf("%s.%s:%d", l.TypeName, l.Method.Name, l.Line)
}

// SuspendPolicy controls which threads a request suspends when it fires.
type SuspendPolicy int

const (
	// SuspendNone suspends nothing.
	SuspendNone SuspendPolicy = iota
	// SuspendThread suspends only the event thread.
	SuspendThread
	// SuspendAll suspends every thread in the VM.
	SuspendAll
)

// String returns the policy name.
func (p SuspendPolicy) String() string {
	switch p {
	case SuspendNone:
		return "none"
	case SuspendThread:
		return "thread"
	case SuspendAll:
		return "all"
	default:
		return "unknown"
	}
}

// RequestKind is the kind of event request.
type RequestKind int

const (
	RequestBreakpoint RequestKind = iota + 1
	RequestStep
	RequestThreadStart
	RequestThreadDeath
	RequestClassPrepare
	RequestMethodEntry
	RequestMethodExit
	RequestException
	RequestWatchAccess
	RequestWatchModification
)

// String returns the request kind name.
func (k RequestKind) String() string {
	switch k {
	case RequestBreakpoint:
		return "breakpoint"
	case RequestStep:
		return "step"
	case RequestThreadStart:
		return "thread-start"
	case RequestThreadDeath:
		return "thread-death"
	case RequestClassPrepare:
		return "class-prepare"
	case RequestMethodEntry:
		return "method-entry"
	case RequestMethodExit:
		return "method-exit"
	case RequestException:
		return "exception"
	case RequestWatchAccess:
		return "watch-access"
	case RequestWatchModification:
		return "watch-modification"
	default:
		return "unknown"
	}
}

// StepDepth is the depth of a step request.
type StepDepth int

const (
	StepInto StepDepth = iota
	StepOver
	StepOut
)

// String returns the step depth name.
func (d StepDepth) String() string {
	switch d {
	case StepInto:
		return "into"
	case StepOver:
		return "over"
	case StepOut:
		return "out"
	default:
		return "unknown"
	}
}

// StepSize is the granularity of a step request.
type StepSize int

const (
	StepLine StepSize = iota
	StepMin
)

// RequestParams holds every attribute a request may carry. Which fields are
// meaningful depends on the RequestKind.
type RequestParams struct {
	// Thread scopes step and frame requests.
	Thread ThreadID

	// Location is the breakpoint location.
	Location Location

	// TypeName is the class pattern for class-prepare, method entry/exit,
	// exception and watchpoint requests.
	TypeName string

	// FieldName is the watched field.
	FieldName string

	// MethodName narrows method entry/exit requests.
	MethodName string

	Depth StepDepth
	Size  StepSize

	// CountFilter skips the first CountFilter-1 occurrences, reports the
	// next one and then expires the request. Zero disables the filter.
	CountFilter int

	// ClassExclusions are class patterns the VM skips while stepping.
	ClassExclusions []string

	SuspendPolicy SuspendPolicy

	// ThreadFilter restricts the request to a single thread. Zero means any.
	ThreadFilter ThreadID

	// InstanceFilter restricts the request to a single receiver object.
	InstanceFilter ObjectID

	Caught   bool
	Uncaught bool

	Enabled bool
}

// Request is a created event request.
type Request struct {
	ID     RequestID
	Kind   RequestKind
	Params RequestParams
}

// ThreadInfo is the VM's view of a thread.
type ThreadInfo struct {
	ID           ThreadID
	Name         string
	Suspended    bool
	SuspendCount int
}

// TypeInfo is a loaded reference type.
type TypeInfo struct {
	ID   TypeID
	Name string
}

// FrameInfo is one stack frame, listed top first.
type FrameInfo struct {
	ID       FrameID
	Location Location
	This     ObjectID
}

// Variable is a visible local variable or argument in a frame.
type Variable struct {
	Name     string
	TypeName string
	Argument bool
	Value    Value
}

// Timeouts used by Session implementations when none is configured.
const (
	DefaultRequestTimeout = 3 * time.Second

	// InfiniteTimeout disables the request timeout.
	InfiniteTimeout time.Duration = 0
)
