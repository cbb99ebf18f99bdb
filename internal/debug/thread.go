package debug

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// ThreadState is the execution state of a thread as seen by the client.
type ThreadState int

const (
	// StateRunning means the thread is executing, stepping or invoking.
	StateRunning ThreadState = iota
	// StateSuspended means the thread is stopped and listeners were told.
	StateSuspended
	// StateSuspendedQuiet means the thread is stopped while breakpoint
	// listeners decide whether the stop should be reported.
	StateSuspendedQuiet
	// StateTerminated means the thread has died or the target went away.
	StateTerminated
)

// String returns the state name.
func (s ThreadState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateSuspendedQuiet:
		return "suspended-quiet"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Thread is the client-side state machine for one VM thread.
//
// The event loop and callers issuing commands both mutate a thread; every
// transition happens under mu. Remote calls that can block on the event
// loop (invoke, suspend polling) are made without holding it.
type Thread struct {
	target *Target
	id     remote.ThreadID
	name   string

	mu               sync.Mutex
	state            ThreadState
	suspendCount     int
	breakpoints      []*Breakpoint
	step             *stepHandler
	invoking         bool
	evaluating       bool
	suspendRequested bool
	resumeDeferred   bool
	pendingDetail    Detail
	frames           *frameCache

	outbox   []Notification
	flushing bool
}

func newThread(t *Target, info remote.ThreadInfo) *Thread {
	th := &Thread{
		target:       t,
		id:           info.ID,
		name:         info.Name,
		suspendCount: info.SuspendCount,
	}
	if info.Suspended {
		th.state = StateSuspended
		if th.suspendCount == 0 {
			th.suspendCount = 1
		}
	}
	th.frames = newFrameCache(th)
	return th
}

// ID returns the VM thread ID.
func (th *Thread) ID() remote.ThreadID { return th.id }

// Name returns the thread name.
func (th *Thread) Name() string { return th.name }

// Target returns the owning target.
func (th *Thread) Target() *Target { return th.target }

// State returns the current state.
func (th *Thread) State() ThreadState {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.state
}

// IsSuspended reports whether the thread is stopped, quietly or not.
func (th *Thread) IsSuspended() bool {
	s := th.State()
	return s == StateSuspended || s == StateSuspendedQuiet
}

// IsStepping reports whether a step is in flight.
func (th *Thread) IsStepping() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.step != nil
}

// IsInvoking reports whether a method invocation is in flight.
func (th *Thread) IsInvoking() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.invoking
}

// IsPerformingEvaluation reports whether Evaluate is running.
func (th *Thread) IsPerformingEvaluation() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.evaluating
}

// SuspendCount returns the mirrored VM suspend count.
func (th *Thread) SuspendCount() int {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.suspendCount
}

// CurrentBreakpoints returns the breakpoints that caused the current
// suspension.
func (th *Thread) CurrentBreakpoints() []*Breakpoint {
	th.mu.Lock()
	defer th.mu.Unlock()
	return slices.Clone(th.breakpoints)
}

// IsOutOfSynch reports whether any cached frame runs code whose
// replacement failed.
func (th *Thread) IsOutOfSynch() bool {
	th.mu.Lock()
	frames := slices.Clone(th.frames.frames)
	th.mu.Unlock()
	for _, f := range frames {
		if f.IsOutOfSynch() {
			return true
		}
	}
	return false
}

// postLocked queues a notification. Queued notifications are delivered in
// the order the transitions happened, by whichever goroutine flushes first.
func (th *Thread) postLocked(kind Kind, detail Detail, bps []*Breakpoint) {
	th.outbox = append(th.outbox, Notification{Kind: kind, Detail: detail, Thread: th.id, Breakpoints: bps})
}

// flush delivers queued notifications. It must be called without mu held.
// A subscriber that triggers another transition has its notification
// delivered by the flush already in progress.
func (th *Thread) flush() {
	th.mu.Lock()
	if th.flushing {
		th.mu.Unlock()
		return
	}
	th.flushing = true
	for len(th.outbox) > 0 {
		notes := th.outbox
		th.outbox = nil
		th.mu.Unlock()
		for _, n := range notes {
			th.target.notify(n)
		}
		th.mu.Lock()
	}
	th.flushing = false
	th.mu.Unlock()
}

func (th *Thread) isSuspendRequested() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.suspendRequested
}

// Suspend stops the thread and waits, up to the target's suspend timeout,
// for the VM to report it stopped. A timeout is returned as a
// RequestError with ReasonSuspendTimeout and leaves the thread usable.
func (th *Thread) Suspend(ctx context.Context) error {
	const op = "suspend"
	if !th.target.IsAvailable() {
		return refuse(op, th.id, ReasonTargetUnavailable)
	}
	th.mu.Lock()
	switch th.state {
	case StateTerminated:
		th.mu.Unlock()
		return refuse(op, th.id, ReasonTargetUnavailable)
	case StateSuspended:
		th.mu.Unlock()
		return nil
	}
	th.suspendRequested = true
	th.mu.Unlock()

	if err := th.target.session.SuspendThread(ctx, th.id); err != nil {
		th.abandonSuspend(ctx)
		return th.target.remoteFailure(op, th.id, err)
	}
	info, err := th.awaitSuspended(ctx)
	if err != nil {
		th.abandonSuspend(ctx)
		return err
	}

	th.mu.Lock()
	th.suspendRequested = false
	th.resumeDeferred = false
	if th.state == StateTerminated {
		th.mu.Unlock()
		return refuse(op, th.id, ReasonTargetUnavailable)
	}
	th.suspendCount = info.SuspendCount
	if th.state != StateSuspended {
		th.postLocked(KindSuspend, DetailClientRequest, nil)
	}
	th.state = StateSuspended
	if th.step != nil {
		th.step.abortLocked(ctx)
		th.step = nil
	}
	th.frames.invalidate()
	th.mu.Unlock()

	th.flush()
	return nil
}

// abandonSuspend clears the suspend request and performs any event resume
// that was held back while it was pending.
func (th *Thread) abandonSuspend(ctx context.Context) {
	th.mu.Lock()
	th.suspendRequested = false
	deferred := th.resumeDeferred
	th.resumeDeferred = false
	th.mu.Unlock()
	if deferred {
		if err := th.resumeFromEvent(ctx); err != nil {
			th.target.log.WithError(err).Warn("resuming thread %d after failed suspend", th.id)
		}
	}
}

func (th *Thread) awaitSuspended(ctx context.Context) (remote.ThreadInfo, error) {
	timer := time.NewTimer(th.target.suspendTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(suspendPoll)
	defer ticker.Stop()

	for {
		info, err := th.target.session.ThreadStatus(ctx, th.id)
		if err != nil {
			return info, th.target.remoteFailure("suspend", th.id, err)
		}
		if info.Suspended {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		case <-timer.C:
			return info, refuse("suspend", th.id, ReasonSuspendTimeout)
		case <-ticker.C:
		}
	}
}

// Resume lets a suspended thread run.
func (th *Thread) Resume(ctx context.Context) error {
	const op = "resume"
	th.mu.Lock()
	if err := th.checkSuspendedLocked(op); err != nil {
		th.mu.Unlock()
		return err
	}
	err := th.resumeUnderlyingLocked(ctx)
	if err == nil {
		th.postLocked(KindResume, DetailClientRequest, nil)
	}
	th.mu.Unlock()
	if err != nil {
		return th.target.remoteFailure(op, th.id, err)
	}
	th.flush()
	return nil
}

func (th *Thread) checkSuspendedLocked(op string) error {
	if !th.target.IsAvailable() {
		return refuse(op, th.id, ReasonTargetUnavailable)
	}
	switch th.state {
	case StateSuspended:
		return nil
	case StateSuspendedQuiet:
		return refuse(op, th.id, ReasonSuspendVoteInProgress)
	case StateTerminated:
		return refuse(op, th.id, ReasonTargetUnavailable)
	default:
		return refuse(op, th.id, ReasonThreadNotSuspended)
	}
}

// resumeUnderlyingLocked drains the VM suspend count and marks the thread
// running. Frames are kept for incremental rebinding on the next stop.
func (th *Thread) resumeUnderlyingLocked(ctx context.Context) error {
	n := max(th.suspendCount, 1)
	for i := 0; i < n; i++ {
		if err := th.target.session.ResumeThread(ctx, th.id); err != nil {
			return err
		}
		if th.suspendCount > 0 {
			th.suspendCount--
		}
	}
	th.state = StateRunning
	th.breakpoints = nil
	th.frames.invalidate()
	return nil
}

// Evaluate runs fn while the thread is marked as performing an
// evaluation. Invocations made by fn are reported with DetailEvaluation.
func (th *Thread) Evaluate(ctx context.Context, fn func(ctx context.Context, th *Thread) error) error {
	const op = "evaluate"
	th.mu.Lock()
	if err := th.checkSuspendedLocked(op); err != nil {
		th.mu.Unlock()
		return err
	}
	if th.evaluating {
		th.mu.Unlock()
		return refuse(op, th.id, ReasonNestedInvocation)
	}
	th.evaluating = true
	th.mu.Unlock()

	defer func() {
		th.mu.Lock()
		th.evaluating = false
		th.mu.Unlock()
	}()
	return fn(ctx, th)
}

func (th *Thread) countEventSuspend() {
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.state != StateTerminated {
		th.suspendCount++
	}
}

// resumeFromEvent resumes the thread on behalf of an event set that every
// listener agreed to resume.
func (th *Thread) resumeFromEvent(ctx context.Context) error {
	th.mu.Lock()
	if th.state == StateTerminated {
		th.mu.Unlock()
		return nil
	}
	if th.suspendRequested {
		th.resumeDeferred = true
		th.mu.Unlock()
		return nil
	}
	if err := th.target.session.ResumeThread(ctx, th.id); err != nil {
		th.mu.Unlock()
		return err
	}
	if th.suspendCount > 0 {
		th.suspendCount--
	}
	if th.suspendCount == 0 && th.state != StateRunning {
		if th.state == StateSuspended {
			th.postLocked(KindResume, DetailUnspecified, nil)
		}
		th.state = StateRunning
		th.breakpoints = nil
		th.frames.invalidate()
	}
	th.mu.Unlock()

	th.flush()
	return nil
}

func (th *Thread) suspendedByVM(detail Detail) {
	th.mu.Lock()
	if th.state == StateTerminated {
		th.mu.Unlock()
		return
	}
	th.suspendCount++
	if th.state != StateSuspended {
		th.postLocked(KindSuspend, detail, nil)
	}
	th.state = StateSuspended
	th.frames.invalidate()
	th.mu.Unlock()

	th.flush()
}

func (th *Thread) resumedByVM(detail Detail) {
	th.mu.Lock()
	if th.state == StateTerminated {
		th.mu.Unlock()
		return
	}
	if th.suspendCount > 0 {
		th.suspendCount--
	}
	if th.suspendCount == 0 && th.state != StateRunning {
		if th.state == StateSuspended {
			th.postLocked(KindResume, detail, nil)
		}
		th.state = StateRunning
		th.breakpoints = nil
		th.frames.invalidate()
	}
	th.mu.Unlock()

	th.flush()
}

// suspendedByEvent marks a bystander thread stopped by a suspend-all event
// set that some listener kept suspended.
func (th *Thread) suspendedByEvent() {
	th.mu.Lock()
	if th.state != StateRunning {
		th.mu.Unlock()
		return
	}
	th.state = StateSuspended
	th.frames.invalidate()
	th.postLocked(KindSuspend, DetailUnspecified, nil)
	th.mu.Unlock()
	th.flush()
}

// handleBreakpoint arbitrates a breakpoint hit and returns the thread's
// resume vote.
func (th *Thread) handleBreakpoint(ctx context.Context, set remote.EventSet, bp *Breakpoint) bool {
	if set.Policy == remote.SuspendNone {
		th.target.voteBreakpoint(ctx, th, bp)
		return true
	}

	th.mu.Lock()
	if th.state == StateTerminated {
		th.mu.Unlock()
		return true
	}
	if !slices.Contains(th.breakpoints, bp) {
		th.breakpoints = append(th.breakpoints, bp)
	}
	if th.state == StateRunning {
		th.state = StateSuspendedQuiet
	}
	th.frames.invalidate()
	th.mu.Unlock()

	if th.target.voteBreakpoint(ctx, th, bp) {
		return false
	}

	th.mu.Lock()
	th.breakpoints = slices.DeleteFunc(th.breakpoints, func(x *Breakpoint) bool { return x == bp })
	th.frames.invalidate()
	th.mu.Unlock()
	return true
}

// completeSet reports a quiet suspension once the whole set has voted.
func (th *Thread) completeSet(ctx context.Context, resume bool) {
	th.mu.Lock()
	if resume || th.state != StateSuspendedQuiet {
		th.mu.Unlock()
		return
	}
	th.state = StateSuspended
	detail := th.pendingDetail
	th.pendingDetail = DetailUnspecified
	if len(th.breakpoints) > 0 {
		detail = DetailBreakpoint
		if th.step != nil {
			th.step.abortLocked(ctx)
			th.step = nil
		}
	}
	th.postLocked(KindSuspend, detail, slices.Clone(th.breakpoints))
	th.mu.Unlock()

	th.flush()
}

// terminate moves the thread to StateTerminated. A pending step is aborted
// without notification.
func (th *Thread) terminate(ctx context.Context) {
	th.mu.Lock()
	if th.state == StateTerminated {
		th.mu.Unlock()
		return
	}
	th.state = StateTerminated
	if th.step != nil {
		th.step.abortLocked(ctx)
		th.step = nil
	}
	th.breakpoints = nil
	th.suspendCount = 0
	th.frames.clear()
	th.postLocked(KindTerminate, DetailUnspecified, nil)
	th.mu.Unlock()

	th.flush()
}
