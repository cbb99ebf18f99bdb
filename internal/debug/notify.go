package debug

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// Kind is the kind of a model notification.
type Kind int

const (
	KindCreate Kind = iota + 1
	KindSuspend
	KindResume
	KindTerminate
	KindChange
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindSuspend:
		return "suspend"
	case KindResume:
		return "resume"
	case KindTerminate:
		return "terminate"
	case KindChange:
		return "change"
	default:
		return "unknown"
	}
}

// Detail explains what caused a notification.
type Detail int

const (
	DetailUnspecified Detail = iota
	DetailClientRequest
	DetailStepEnd
	DetailBreakpoint
	DetailEvaluation
	DetailStepInto
	DetailStepOver
	DetailStepReturn
	DetailOutOfSynch
)

// String returns the detail name.
func (d Detail) String() string {
	switch d {
	case DetailClientRequest:
		return "client-request"
	case DetailStepEnd:
		return "step-end"
	case DetailBreakpoint:
		return "breakpoint"
	case DetailEvaluation:
		return "evaluation"
	case DetailStepInto:
		return "step-into"
	case DetailStepOver:
		return "step-over"
	case DetailStepReturn:
		return "step-return"
	case DetailOutOfSynch:
		return "out-of-synch"
	default:
		return "unspecified"
	}
}

// Notification reports a transition of a target or one of its threads.
// Thread is zero for target-level notifications.
type Notification struct {
	Kind        Kind
	Detail      Detail
	Target      uuid.UUID
	Thread      remote.ThreadID
	Breakpoints []*Breakpoint
	TypeName    string
}

// Notifier fans notifications out to subscribers. Subscribers run on the
// goroutine that caused the transition and must not block.
type Notifier struct {
	mu   sync.RWMutex
	subs map[int]func(Notification)
	next int
}

// NewNotifier creates a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]func(Notification))}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(Notification)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// Publish delivers a notification to every subscriber.
func (n *Notifier) Publish(note Notification) {
	n.mu.RLock()
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Notification), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, n.subs[id])
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(note)
	}
}
