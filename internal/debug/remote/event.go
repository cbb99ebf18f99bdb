package remote

// EventKind is the kind of event emitted by the target VM.
type EventKind int

const (
	EventVMStart EventKind = iota + 1
	EventVMDeath
	EventVMDisconnect
	EventThreadStart
	EventThreadDeath
	EventBreakpoint
	EventStep
	EventClassPrepare
	EventMethodEntry
	EventMethodExit
	EventException
	EventWatchpoint
	EventFramesPopped
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventVMStart:
		return "vm-start"
	case EventVMDeath:
		return "vm-death"
	case EventVMDisconnect:
		return "vm-disconnect"
	case EventThreadStart:
		return "thread-start"
	case EventThreadDeath:
		return "thread-death"
	case EventBreakpoint:
		return "breakpoint"
	case EventStep:
		return "step"
	case EventClassPrepare:
		return "class-prepare"
	case EventMethodEntry:
		return "method-entry"
	case EventMethodExit:
		return "method-exit"
	case EventException:
		return "exception"
	case EventWatchpoint:
		return "watchpoint"
	case EventFramesPopped:
		return "frames-popped"
	default:
		return "unknown"
	}
}

// Event is a single notification from the target VM.
type Event struct {
	Kind    EventKind
	Request RequestID
	Thread  ThreadID

	// Location is where the event thread stopped, for location events.
	Location Location

	// TypeName is the prepared type for class-prepare events.
	TypeName string

	// Exception is the thrown object for exception events.
	Exception *Value

	// ThreadName is set on thread-start events.
	ThreadName string
}

// EventSet is a group of events reported together. All events in a set
// share one suspend policy and are handled before any resume decision.
type EventSet struct {
	Policy SuspendPolicy
	Events []Event
}

// Thread returns the thread of the first event that has one, or zero.
func (s EventSet) Thread() ThreadID {
	for _, ev := range s.Events {
		if ev.Thread != 0 {
			return ev.Thread
		}
	}
	return 0
}
