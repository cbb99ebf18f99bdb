package dispatch

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// Result represents the outcome of one listener call.
type Result struct {
	// Resume is the listener's vote.
	Resume bool

	// Panicked is true if the listener panicked.
	Panicked bool

	// PanicValue is the value passed to panic(), if Panicked is true.
	PanicValue any

	// PanicStack is the stack trace at the point of panic.
	PanicStack []byte

	// Duration is how long the listener took.
	Duration time.Duration
}

// PanicHandler is called when a listener panics.
type PanicHandler func(ev remote.Event, panicValue any, stack []byte)

func defaultPanicHandler(remote.Event, any, []byte) {}

// Executor runs listeners with panic recovery and timing.
type Executor struct {
	panicHandler PanicHandler
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorPanicHandler sets the panic handler for the executor.
func WithExecutorPanicHandler(h PanicHandler) ExecutorOption {
	return func(e *Executor) {
		e.panicHandler = h
	}
}

// NewExecutor creates a new executor with the given options.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		panicHandler: defaultPanicHandler,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Vote asks a listener whether the set may resume. A panic counts as a
// resume vote.
func (e *Executor) Vote(ctx context.Context, l Listener, ev remote.Event, set remote.EventSet) (result Result) {
	start := time.Now()

	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			result.Resume = true
			result.Panicked = true
			result.PanicValue = r
			result.PanicStack = debug.Stack()
			e.reportPanic(ev, r, result.PanicStack)
		}
	}()

	result.Resume = l.HandleEvent(ctx, ev, set)
	return result
}

// Complete tells a listener the outcome of its set.
func (e *Executor) Complete(ctx context.Context, c SetCompleter, ev remote.Event, set remote.EventSet, resume bool) (result Result) {
	start := time.Now()

	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			result.Panicked = true
			result.PanicValue = r
			result.PanicStack = debug.Stack()
			e.reportPanic(ev, r, result.PanicStack)
		}
	}()

	c.EventSetComplete(ctx, ev, set, resume)
	result.Resume = resume
	return result
}

func (e *Executor) reportPanic(ev remote.Event, r any, stack []byte) {
	if e.panicHandler == nil {
		return
	}
	func() {
		// A panicking panic handler must not take the loop down.
		defer func() { _ = recover() }()
		e.panicHandler(ev, r, stack)
	}()
}
