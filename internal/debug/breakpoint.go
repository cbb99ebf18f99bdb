package debug

import (
	"context"

	"go.uber.org/atomic"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

var bpSeqNo = atomic.NewUint64(0)

// BreakpointKind is the kind of a breakpoint.
type BreakpointKind int

const (
	BreakpointLine BreakpointKind = iota + 1
	BreakpointMethod
	BreakpointWatchpoint
	BreakpointException
	BreakpointClassPrepare
)

// String returns the kind name.
func (k BreakpointKind) String() string {
	switch k {
	case BreakpointLine:
		return "line"
	case BreakpointMethod:
		return "method"
	case BreakpointWatchpoint:
		return "watchpoint"
	case BreakpointException:
		return "exception"
	case BreakpointClassPrepare:
		return "class-prepare"
	default:
		return "unknown"
	}
}

// Breakpoint is a user breakpoint. It is owned by whoever manages
// breakpoints; targets take a snapshot on add and change.
type Breakpoint struct {
	ID       uint64         `json:"id"`
	Kind     BreakpointKind `json:"kind"`
	TypeName string         `json:"typeName"`

	Line      int    `json:"line,omitempty"`
	Method    string `json:"method,omitempty"`
	Signature string `json:"signature,omitempty"`
	Field     string `json:"field,omitempty"`

	// Watchpoint triggers.
	Access       bool `json:"access,omitempty"`
	Modification bool `json:"modification,omitempty"`

	// Exception triggers.
	Caught   bool `json:"caught,omitempty"`
	Uncaught bool `json:"uncaught,omitempty"`

	Enabled bool `json:"enabled"`
	// HitCount makes the breakpoint fire on the Nth hit only. Zero fires on every hit.
	HitCount       int                  `json:"hitCount,omitempty"`
	SuspendPolicy  remote.SuspendPolicy `json:"suspendPolicy"`
	ThreadFilter   remote.ThreadID      `json:"threadFilter,omitempty"`
	InstanceFilter remote.ObjectID      `json:"instanceFilter,omitempty"`
	Condition      string               `json:"condition,omitempty"`
}

func newBreakpoint(kind BreakpointKind, typeName string) *Breakpoint {
	return &Breakpoint{
		ID:            bpSeqNo.Add(1),
		Kind:          kind,
		TypeName:      typeName,
		Enabled:       true,
		SuspendPolicy: remote.SuspendThread,
	}
}

// NewLineBreakpoint creates an enabled line breakpoint.
func NewLineBreakpoint(typeName string, line int) *Breakpoint {
	bp := newBreakpoint(BreakpointLine, typeName)
	bp.Line = line
	return bp
}

// NewMethodBreakpoint creates a breakpoint on entry to a method.
func NewMethodBreakpoint(typeName, method string) *Breakpoint {
	bp := newBreakpoint(BreakpointMethod, typeName)
	bp.Method = method
	return bp
}

// NewWatchpoint creates a field watchpoint that triggers on modification.
func NewWatchpoint(typeName, field string) *Breakpoint {
	bp := newBreakpoint(BreakpointWatchpoint, typeName)
	bp.Field = field
	bp.Modification = true
	return bp
}

// NewExceptionBreakpoint creates a breakpoint on caught and uncaught throws
// of typeName.
func NewExceptionBreakpoint(typeName string) *Breakpoint {
	bp := newBreakpoint(BreakpointException, typeName)
	bp.Caught = true
	bp.Uncaught = true
	return bp
}

// NewClassPrepareBreakpoint stops when a type matching pattern loads.
func NewClassPrepareBreakpoint(pattern string) *Breakpoint {
	return newBreakpoint(BreakpointClassPrepare, pattern)
}

// identity is the part of a breakpoint that determines which requests
// exist. Changing it means the requests are recreated.
type identity struct {
	kind         BreakpointKind
	typeName     string
	line         int
	method       string
	signature    string
	field        string
	access       bool
	modification bool
	caught       bool
	uncaught     bool
}

func (bp *Breakpoint) identity() identity {
	return identity{
		kind:         bp.Kind,
		typeName:     bp.TypeName,
		line:         bp.Line,
		method:       bp.Method,
		signature:    bp.Signature,
		field:        bp.Field,
		access:       bp.Access,
		modification: bp.Modification,
		caught:       bp.Caught,
		uncaught:     bp.Uncaught,
	}
}

// applyAttributes copies the mutable attributes onto request params.
func (bp *Breakpoint) applyAttributes(p remote.RequestParams) remote.RequestParams {
	p.Enabled = bp.Enabled
	p.CountFilter = bp.HitCount
	p.SuspendPolicy = bp.SuspendPolicy
	p.ThreadFilter = bp.ThreadFilter
	p.InstanceFilter = bp.InstanceFilter
	return p
}

// TypeChange describes a rename or move of code that breakpoints refer to.
// Empty fields leave the corresponding attribute alone.
type TypeChange struct {
	OldType   string
	NewType   string
	OldMethod string
	NewMethod string
	OldField  string
	NewField  string
	// LineDelta shifts line breakpoints in the changed type.
	LineDelta int
}

// ApplyTypeChange rewrites the breakpoint for ch and reports whether
// anything changed.
func (bp *Breakpoint) ApplyTypeChange(ch TypeChange) bool {
	before := bp.identity()
	inType := ch.OldType == "" || bp.TypeName == ch.OldType
	if !inType {
		return false
	}
	if ch.NewType != "" {
		bp.TypeName = ch.NewType
	}

	switch bp.Kind {
	case BreakpointLine:
		bp.Line += ch.LineDelta
	case BreakpointMethod:
		if ch.OldMethod != "" && bp.Method == ch.OldMethod {
			bp.Method = ch.NewMethod
		}
	case BreakpointWatchpoint:
		if ch.OldField != "" && bp.Field == ch.OldField {
			bp.Field = ch.NewField
		}
	case BreakpointException, BreakpointClassPrepare:
		// Only the type name applies.
	}
	return bp.identity() != before
}

// Vote is a breakpoint listener's opinion on a hit.
type Vote int

const (
	// VoteDontCare leaves the decision to other listeners.
	VoteDontCare Vote = iota
	// VoteSuspend asks for the thread to stop.
	VoteSuspend
	// VoteDontSuspend asks for the hit to be ignored.
	VoteDontSuspend
)

// String returns the vote name.
func (v Vote) String() string {
	switch v {
	case VoteSuspend:
		return "suspend"
	case VoteDontSuspend:
		return "dont-suspend"
	default:
		return "dont-care"
	}
}

// BreakpointListener decides whether a breakpoint hit should stop the
// thread. It runs on the event loop while the thread is quietly suspended,
// so it may inspect frames and variables but must not resume or step.
type BreakpointListener interface {
	BreakpointHit(ctx context.Context, th *Thread, bp *Breakpoint) Vote
}

// BreakpointListenerFunc adapts a function to BreakpointListener.
type BreakpointListenerFunc func(ctx context.Context, th *Thread, bp *Breakpoint) Vote

// BreakpointHit implements BreakpointListener.
func (f BreakpointListenerFunc) BreakpointHit(ctx context.Context, th *Thread, bp *Breakpoint) Vote {
	return f(ctx, th, bp)
}

// decideVotes suspends if anyone asked to, or if nobody objected.
func decideVotes(votes []Vote) bool {
	suspend, veto := false, false
	for _, v := range votes {
		switch v {
		case VoteSuspend:
			suspend = true
		case VoteDontSuspend:
			veto = true
		}
	}
	return suspend || !veto
}
