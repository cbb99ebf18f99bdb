package debug

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// Invoke runs method on recv in this thread and blocks until it returns.
//
// The thread must be suspended and not already invoking. While the call runs
// the thread reports itself running, its frames stay as they were, and the
// session request timeout is lifted. An exception thrown by the method is
// returned in the result, not as an error.
func (th *Thread) Invoke(ctx context.Context, recv remote.Receiver, method remote.MethodInfo, args []remote.Value, flags remote.InvokeFlags) (res remote.InvokeResult, err error) {
	const op = "invoke"
	t := th.target
	ctx, span := t.tracer.Start(ctx, "debug.Invoke", trace.WithAttributes(
		attribute.String("method.name", method.Name),
		attribute.String("method.signature", method.Signature),
		attribute.Int64("thread.id", int64(th.id)),
	))
	defer func() {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.Threw():
			span.SetAttributes(attribute.String("invoke.thrown", res.Thrown.TypeName))
		}
		span.End()
	}()

	th.mu.Lock()
	if err := th.checkInvokeLocked(op, recv); err != nil {
		th.mu.Unlock()
		return remote.InvokeResult{}, err
	}
	t.beginInvoke()
	th.invoking = true
	th.state = StateRunning
	th.postLocked(KindResume, DetailEvaluation, nil)
	th.mu.Unlock()
	th.flush()

	start := time.Now()
	defer func() {
		t.endInvoke()
		th.finishInvoke()

		result := "value"
		switch {
		case err != nil:
			result = "error"
		case res.Threw():
			result = "thrown"
		}
		t.metrics.Invocation(result, time.Since(start))
	}()

	if t.invokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.invokeTimeout)
		defer cancel()
	}
	res, err = t.session.Invoke(ctx, remote.InvokeRequest{
		Thread:   th.id,
		Receiver: recv,
		Method:   method,
		Args:     args,
		Flags:    flags,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return remote.InvokeResult{}, fmt.Errorf("invoking %s: %w", method.Name, err)
		}
		return remote.InvokeResult{}, t.remoteFailure(op, th.id, err)
	}
	return res, nil
}

// checkInvokeLocked applies the invocation preconditions in order of
// precedence.
func (th *Thread) checkInvokeLocked(op string, recv remote.Receiver) error {
	if !th.target.IsAvailable() {
		return refuse(op, th.id, ReasonTargetUnavailable)
	}
	if th.invoking {
		return refuse(op, th.id, ReasonNestedInvocation)
	}
	if err := th.checkSuspendedLocked(op); err != nil {
		return err
	}
	if !recv.Valid() {
		return refuse(op, th.id, ReasonInvalidReceiver)
	}
	return nil
}

// finishInvoke restores the thread after an invocation. A thread that was
// suspended by a breakpoint inside the call, or terminated, keeps that state.
func (th *Thread) finishInvoke() {
	th.mu.Lock()
	th.invoking = false
	if th.state == StateRunning {
		th.state = StateSuspended
		th.frames.invalidate()
		th.postLocked(KindSuspend, DetailEvaluation, nil)
	}
	th.mu.Unlock()
	th.flush()
}

// beginInvoke lifts the session request timeout for the first of any
// concurrent invocations and remembers the value to restore.
func (t *Target) beginInvoke() {
	t.invokeMu.Lock()
	defer t.invokeMu.Unlock()
	if t.invocations == 0 {
		t.savedTimeout = t.session.RequestTimeout()
		t.session.SetRequestTimeout(remote.InfiniteTimeout)
	}
	t.invocations++
}

// endInvoke restores the saved timeout when the last invocation ends.
func (t *Target) endInvoke() {
	t.invokeMu.Lock()
	defer t.invokeMu.Unlock()
	t.invocations--
	if t.invocations == 0 {
		t.session.SetRequestTimeout(t.savedTimeout)
	}
}
