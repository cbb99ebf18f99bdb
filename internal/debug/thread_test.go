package debug

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/vmdebug/internal/debug/remote"
	"github.com/dshills/vmdebug/internal/debug/remote/remotetest"
)

func TestThreadSuspendResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.thread(t, 1)
	require.Equal(t, StateRunning, th.State())

	require.NoError(t, th.Suspend(ctx))
	assert.Equal(t, StateSuspended, th.State())
	assert.Equal(t, 1, th.SuspendCount())
	assert.Equal(t, 1, f.vm.SuspendCount(1))

	// Suspending a suspended thread is a no-op.
	require.NoError(t, th.Suspend(ctx))
	assert.Equal(t, 1, f.vm.SuspendCount(1))

	require.NoError(t, th.Resume(ctx))
	assert.Equal(t, StateRunning, th.State())
	assert.Zero(t, f.vm.SuspendCount(1))

	assert.Equal(t, []transition{
		{KindSuspend, DetailClientRequest},
		{KindResume, DetailClientRequest},
	}, f.notes.transitions(1))
}

func TestThreadResumeRequiresSuspension(t *testing.T) {
	f := newFixture(t)
	err := f.thread(t, 1).Resume(context.Background())
	assert.ErrorIs(t, err, ErrThreadNotSuspended)
}

func TestThreadResumeDrainsSuspendCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)

	// A VM-wide suspend stacks on top of the thread's own.
	require.NoError(t, f.target.Suspend(ctx))
	assert.Equal(t, 2, f.vm.SuspendCount(1))
	assert.Equal(t, 2, th.SuspendCount())

	require.NoError(t, th.Resume(ctx))
	assert.Zero(t, f.vm.SuspendCount(1))
	assert.Equal(t, StateRunning, th.State())
}

func TestThreadSuspendTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithSuspendTimeout(50*time.Millisecond))
	th := f.thread(t, 1)
	f.vm.SetNeverSuspend(true)

	start := time.Now()
	err := th.Suspend(ctx)
	require.ErrorIs(t, err, ErrSuspendTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Temporary())
	assert.Equal(t, StateRunning, th.State())
	assert.False(t, th.isSuspendRequested())

	// The thread stays usable.
	f.vm.SetNeverSuspend(false)
	require.NoError(t, th.Suspend(ctx))
	assert.Equal(t, StateSuspended, th.State())
}

func TestThreadSuspendContextCanceled(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, 1)
	f.vm.SetNeverSuspend(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := th.Suspend(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateRunning, th.State())
}

func TestThreadEvaluate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)

	err := th.Evaluate(ctx, func(ctx context.Context, th *Thread) error {
		assert.True(t, th.IsPerformingEvaluation())
		assert.False(t, th.CanStep())
		assert.ErrorIs(t, th.StepOver(ctx), ErrNestedInvocation)
		assert.ErrorIs(t, th.Evaluate(ctx, func(context.Context, *Thread) error { return nil }), ErrNestedInvocation)

		_, err := th.Invoke(ctx, remote.Receiver{Class: fooType}, remote.MethodInfo{Name: "size", Static: true}, nil, 0)
		return err
	})
	require.NoError(t, err)
	assert.False(t, th.IsPerformingEvaluation())
	assert.True(t, th.CanStep())

	assert.Equal(t, []transition{
		{KindSuspend, DetailClientRequest},
		{KindResume, DetailEvaluation},
		{KindSuspend, DetailEvaluation},
	}, f.notes.transitions(1))
}

func TestThreadLifecycle(t *testing.T) {
	f := newFixture(t)

	f.vm.StartThread(2, "worker", remotetest.Loc(barType, "work", 1))
	require.Eventually(t, func() bool { return f.notes.count(KindCreate, 2) == 1 }, waitFor, tick)
	th := f.thread(t, 2)
	assert.Equal(t, "worker", th.Name())
	assert.Len(t, f.target.Threads(), 2)

	f.vm.EndThread(2)
	require.Eventually(t, func() bool { return f.notes.count(KindTerminate, 2) == 1 }, waitFor, tick)
	assert.Equal(t, StateTerminated, th.State())
	assert.Nil(t, f.target.Thread(2))

	assert.ErrorIs(t, th.Resume(context.Background()), ErrTargetUnavailable)
}

func TestThreadMirrorsInitialState(t *testing.T) {
	vm := newVM()
	vm.AddThread(2, "parked", remotetest.Loc(barType, "park", 7))
	require.NoError(t, vm.SuspendThread(context.Background(), 2))

	f := attach(t, vm)
	assert.Equal(t, StateRunning, f.thread(t, 1).State())
	parked := f.thread(t, 2)
	assert.Equal(t, StateSuspended, parked.State())
	assert.Equal(t, 1, parked.SuspendCount())
	assert.Equal(t, remotetest.Loc(barType, "park", 7), topLocation(t, parked))
}
