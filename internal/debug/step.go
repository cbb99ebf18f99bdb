package debug

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// StepKind selects a stepping strategy.
type StepKind int

const (
	// StepKindInto stops at the next line, entering calls.
	StepKindInto StepKind = iota + 1
	// StepKindOver stops at the next line of the current frame.
	StepKindOver
	// StepKindReturn stops once the current frame has returned.
	StepKindReturn
	// StepKindToFrame runs until a chosen frame is on top.
	StepKindToFrame
	// StepKindDropToFrame pops frames and re-enters a chosen frame.
	StepKindDropToFrame
)

// String returns the step kind name.
func (k StepKind) String() string {
	switch k {
	case StepKindInto:
		return "into"
	case StepKindOver:
		return "over"
	case StepKindReturn:
		return "return"
	case StepKindToFrame:
		return "to-frame"
	case StepKindDropToFrame:
		return "drop-to-frame"
	default:
		return "unknown"
	}
}

// depth is the step request depth used for the kind's underlying requests.
func (k StepKind) depth() remote.StepDepth {
	switch k {
	case StepKindOver:
		return remote.StepOver
	case StepKindReturn, StepKindToFrame:
		return remote.StepOut
	default:
		return remote.StepInto
	}
}

// detail is the detail reported on the resume notification.
func (k StepKind) detail() Detail {
	switch k {
	case StepKindOver:
		return DetailStepOver
	case StepKindReturn, StepKindToFrame:
		return DetailStepReturn
	default:
		return DetailStepInto
	}
}

type stepOrigin struct {
	depth    int
	location remote.Location
}

// stepHandler drives one step of a thread. It lives in Thread.step from the
// moment the step starts until it completes or is aborted, and is the
// dispatch listener for every request it creates. All fields are guarded by
// the thread's mutex.
type stepHandler struct {
	thread *Thread
	kind   StepKind
	origin stepOrigin

	// originFiltered is set when the step started inside a filtered
	// location. Such steps never filter.
	originFiltered bool

	// targetDepth is the depth a to-frame step returns to.
	targetDepth int

	// pops is the number of frames a drop-to-frame step still has to pop.
	pops int

	request    remote.RequestID
	popRequest remote.RequestID
	secondary  int
	aborted    bool
}

// StepInto steps to the next line, entering calls.
func (th *Thread) StepInto(ctx context.Context) error {
	return th.startStep(ctx, StepKindInto, nil)
}

// StepOver steps to the next line of the current frame.
func (th *Thread) StepOver(ctx context.Context) error {
	return th.startStep(ctx, StepKindOver, nil)
}

// StepReturn runs until the current frame returns.
func (th *Thread) StepReturn(ctx context.Context) error {
	return th.startStep(ctx, StepKindReturn, nil)
}

// StepToFrame runs until f is the top frame. f must be a frame of th below
// the top of the stack.
func (th *Thread) StepToFrame(ctx context.Context, f *Frame) error {
	return th.startStep(ctx, StepKindToFrame, f)
}

// DropToFrame pops every frame above f and steps back into f's method.
func (th *Thread) DropToFrame(ctx context.Context, f *Frame) error {
	return th.startStep(ctx, StepKindDropToFrame, f)
}

// CanStep reports whether a step may be started now.
func (th *Thread) CanStep() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.canStepLocked("step") == nil
}

func (th *Thread) canStepLocked(op string) error {
	if err := th.checkSuspendedLocked(op); err != nil {
		return err
	}
	if th.step != nil {
		return refuse(op, th.id, ReasonStepInProgress)
	}
	if th.evaluating && !th.invoking {
		return refuse(op, th.id, ReasonNestedInvocation)
	}
	return nil
}

func (th *Thread) startStep(ctx context.Context, kind StepKind, target *Frame) (err error) {
	op := "step " + kind.String()
	t := th.target
	ctx, span := t.tracer.Start(ctx, "debug.Step", trace.WithAttributes(
		attribute.String("step.kind", kind.String()),
		attribute.Int64("thread.id", int64(th.id)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	th.mu.Lock()
	if err := th.canStepLocked(op); err != nil {
		th.mu.Unlock()
		return err
	}
	frames, err := th.frames.computeLocked(ctx)
	if err != nil {
		th.mu.Unlock()
		return t.remoteFailure(op, th.id, err)
	}
	if len(frames) == 0 {
		th.mu.Unlock()
		return refuse(op, th.id, ReasonInvalidFrame)
	}

	h := &stepHandler{
		thread: th,
		kind:   kind,
		origin: stepOrigin{depth: len(frames), location: frames[0].info.Location},
	}
	h.originFiltered = t.StepFilters().Excludes(h.origin.location)

	switch kind {
	case StepKindToFrame:
		if target == nil || !slices.Contains(frames, target) || target.Depth() >= len(frames) {
			th.mu.Unlock()
			return refuse(op, th.id, ReasonInvalidFrame)
		}
		h.targetDepth = target.Depth()
	case StepKindDropToFrame:
		if target == nil || !slices.Contains(frames, target) {
			th.mu.Unlock()
			return refuse(op, th.id, ReasonInvalidFrame)
		}
		h.pops = len(frames) - target.Depth()
	}

	th.step = h
	if h.pops > 0 {
		// The thread stays suspended in the VM while frames are popped;
		// the final step-into resumes it.
		err = h.popLocked(ctx)
		if err == nil {
			th.state = StateRunning
			th.breakpoints = nil
			th.frames.invalidate()
		}
	} else {
		err = h.createRequestLocked(ctx, kind.depth())
		if err == nil {
			err = th.resumeUnderlyingLocked(ctx)
		}
	}
	if err != nil {
		h.abortLocked(ctx)
		th.step = nil
		th.mu.Unlock()
		return t.remoteFailure(op, th.id, err)
	}
	th.postLocked(KindResume, kind.detail(), nil)
	th.mu.Unlock()

	t.log.Debug("thread %d step %s from %s", th.id, kind, h.origin.location)
	th.flush()
	return nil
}

// createRequestLocked arms a one-shot step request. Class exclusions are
// attached only when the step did not start in a filtered location.
func (h *stepHandler) createRequestLocked(ctx context.Context, depth remote.StepDepth) error {
	th := h.thread
	t := th.target
	params := remote.RequestParams{
		Thread:        th.id,
		Depth:         depth,
		Size:          remote.StepLine,
		CountFilter:   1,
		SuspendPolicy: remote.SuspendThread,
		Enabled:       true,
	}
	if f := t.StepFilters(); f.Enabled && !h.originFiltered {
		params.ClassExclusions = f.exclusions()
	}
	id, err := t.dispatcher.Install(func() (remote.RequestID, error) {
		return t.session.CreateRequest(ctx, remote.RequestStep, params)
	}, h)
	if err != nil {
		return err
	}
	h.request = id
	return nil
}

// deleteRequestLocked removes the current step request. The VM side is
// only touched while the target is still reachable.
func (h *stepHandler) deleteRequestLocked(ctx context.Context) error {
	if h.request == 0 {
		return nil
	}
	t := h.thread.target
	id := h.request
	h.request = 0
	t.dispatcher.RemoveListener(id)
	if !t.IsAvailable() {
		return nil
	}
	return t.session.DeleteRequest(ctx, id)
}

func (h *stepHandler) popLocked(ctx context.Context) error {
	th := h.thread
	t := th.target
	id, err := t.dispatcher.Install(func() (remote.RequestID, error) {
		return t.session.PopFrames(ctx, th.id)
	}, h)
	if err != nil {
		return err
	}
	h.popRequest = id
	return nil
}

// abortLocked cancels the step without notifying. It is idempotent.
func (h *stepHandler) abortLocked(ctx context.Context) {
	if h.aborted {
		return
	}
	h.aborted = true
	t := h.thread.target
	if h.popRequest != 0 {
		t.dispatcher.RemoveListener(h.popRequest)
		h.popRequest = 0
	}
	if err := h.deleteRequestLocked(ctx); err != nil {
		t.log.WithError(err).Debug("deleting step request of thread %d", h.thread.id)
	}
	t.metrics.Step(h.kind.String(), "aborted")
}

// HandleEvent implements dispatch.Listener. It returns false only when the
// step is complete and the thread should stay suspended.
func (h *stepHandler) HandleEvent(ctx context.Context, ev remote.Event, _ remote.EventSet) bool {
	th := h.thread
	th.mu.Lock()
	if h.aborted || th.step != h {
		th.mu.Unlock()
		return true
	}

	var (
		resume bool
		err    error
	)
	switch ev.Kind {
	case remote.EventFramesPopped:
		resume, err = h.poppedLocked(ctx)
	case remote.EventStep:
		resume, err = h.steppedLocked(ctx, ev)
	default:
		th.mu.Unlock()
		return true
	}
	if err != nil {
		h.failLocked(ctx)
	}
	th.mu.Unlock()

	if err != nil {
		th.target.log.WithError(err).Warn("step %s of thread %d failed", h.kind, th.id)
		th.flush()
		if remote.IsTransport(err) {
			th.target.lostTransport(err)
		}
		return false
	}
	return resume
}

// poppedLocked handles completion of one pop. The frames-popped set does
// not suspend anything, so the vote is irrelevant.
func (h *stepHandler) poppedLocked(ctx context.Context) (bool, error) {
	th := h.thread
	th.target.dispatcher.RemoveListener(h.popRequest)
	h.popRequest = 0
	h.pops--
	if h.pops > 0 {
		return true, h.popLocked(ctx)
	}
	if err := h.createRequestLocked(ctx, remote.StepInto); err != nil {
		return true, err
	}
	return true, th.resumeUnderlyingLocked(ctx)
}

func (h *stepHandler) steppedLocked(ctx context.Context, ev remote.Event) (bool, error) {
	th := h.thread
	t := th.target
	if err := h.deleteRequestLocked(ctx); err != nil {
		return false, err
	}
	th.frames.invalidate()
	frames, err := th.frames.computeLocked(ctx)
	if err != nil {
		return false, err
	}
	depth := len(frames)
	loc := ev.Location
	if depth > 0 {
		loc = frames[0].info.Location
	}

	if h.kind == StepKindToFrame && depth > h.targetDepth {
		th.frames.invalidate()
		return true, h.createRequestLocked(ctx, remote.StepOut)
	}
	if h.stepAgain(depth, loc) {
		h.secondary++
		t.metrics.SecondaryStep()
		th.frames.invalidate()
		return true, h.createRequestLocked(ctx, h.kind.depth())
	}

	th.step = nil
	th.state = StateSuspendedQuiet
	th.pendingDetail = DetailStepEnd
	t.metrics.Step(h.kind.String(), "completed")
	t.log.Debug("thread %d step %s ended at %s after %d secondary steps", th.id, h.kind, loc, h.secondary)
	return false, nil
}

// stepAgain reports whether the landing location must not be surfaced:
// it is filtered, or a step into came back to the line it started from.
func (h *stepHandler) stepAgain(depth int, loc remote.Location) bool {
	if h.kind == StepKindToFrame || h.kind == StepKindDropToFrame {
		return false
	}
	if f := h.thread.target.StepFilters(); f.Enabled && !h.originFiltered && f.Excludes(loc) {
		return true
	}
	return h.kind == StepKindInto && depth == h.origin.depth && loc.SameLine(h.origin.location)
}

// failLocked abandons the step after a remote failure. The thread is left
// suspended since the failing event suspended it.
func (h *stepHandler) failLocked(ctx context.Context) {
	th := h.thread
	h.abortLocked(ctx)
	th.step = nil
	if th.state == StateRunning && th.target.IsAvailable() {
		th.state = StateSuspended
		th.frames.invalidate()
		th.postLocked(KindSuspend, DetailUnspecified, nil)
	}
}

// EventSetComplete implements dispatch.SetCompleter.
func (h *stepHandler) EventSetComplete(ctx context.Context, ev remote.Event, set remote.EventSet, resume bool) {
	h.thread.target.completeSet(ctx, ev, set, resume)
}
