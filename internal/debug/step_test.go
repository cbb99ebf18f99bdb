package debug

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/vmdebug/internal/debug/remote"
	"github.com/dshills/vmdebug/internal/debug/remote/remotetest"
	"github.com/dshills/vmdebug/internal/metrics"
)

func waitStepEnd(t *testing.T, f *fixture, th *Thread) {
	t.Helper()
	require.Eventually(t, func() bool {
		tr := f.notes.transitions(th.ID())
		return len(tr) > 0 && tr[len(tr)-1] == transition{KindSuspend, DetailStepEnd}
	}, waitFor, tick, "step of thread %d never ended", th.ID())
	assert.Equal(t, StateSuspended, th.State())
	assert.False(t, th.IsStepping())
}

func stackVM(stack ...remote.Location) *remotetest.VM {
	vm := remotetest.New()
	vm.AddThread(1, "main", stack...)
	vm.LoadType(fooType)
	return vm
}

func TestStepOver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)
	before, err := th.Frames(ctx)
	require.NoError(t, err)

	require.NoError(t, th.StepOver(ctx))
	waitStepEnd(t, f, th)

	assert.Equal(t, []transition{
		{KindSuspend, DetailClientRequest},
		{KindResume, DetailStepOver},
		{KindSuspend, DetailStepEnd},
	}, f.notes.transitions(1))

	after, err := th.Frames(ctx)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Same(t, before[0], after[0])
	assert.Same(t, before[1], after[1])
	assert.Equal(t, 11, after[0].Location().Line)

	created := f.vm.Created(remote.RequestStep)
	require.Len(t, created, 1)
	p := created[0].Params
	assert.Equal(t, remote.ThreadID(1), p.Thread)
	assert.Equal(t, remote.StepOver, p.Depth)
	assert.Equal(t, remote.StepLine, p.Size)
	assert.Equal(t, 1, p.CountFilter)
	assert.Equal(t, remote.SuspendThread, p.SuspendPolicy)
	assert.Empty(t, f.vm.Requests(remote.RequestStep), "step request must be deleted")
}

func TestStepIntoSameLineStepsAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)

	f.vm.QueueStep(1, remotetest.Loc(fooType, "run", 10), remotetest.Loc(fooType, "main", 3))
	f.vm.QueueStep(1, remotetest.Loc(fooType, "run", 11), remotetest.Loc(fooType, "main", 3))
	require.NoError(t, th.StepInto(ctx))
	waitStepEnd(t, f, th)

	assert.Equal(t, remotetest.Loc(fooType, "run", 11), topLocation(t, th))
	assert.Len(t, f.vm.Created(remote.RequestStep), 2)
	assert.Equal(t, 1, f.notes.count(KindResume, 1))
}

func TestStepIntoFilteredLanding(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry(), "")
	f := newFixture(t,
		WithMetrics(m),
		WithStepFilters(StepFilters{Enabled: true, Constructors: true}))
	th := f.suspended(t, 1)

	ctor := remotetest.Loc(barType, "<init>", 5)
	ctor.Method.Constructor = true
	f.vm.QueueStep(1, ctor, remotetest.Loc(fooType, "run", 10), remotetest.Loc(fooType, "main", 3))
	f.vm.QueueStep(1, remotetest.Loc(fooType, "run", 11), remotetest.Loc(fooType, "main", 3))

	require.NoError(t, th.StepInto(ctx))
	waitStepEnd(t, f, th)

	assert.Equal(t, remotetest.Loc(fooType, "run", 11), topLocation(t, th))
	assert.Len(t, f.vm.Created(remote.RequestStep), 2, "exactly one secondary step")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecondarySteps))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Steps.WithLabelValues("into", "completed")))
}

func TestStepExclusions(t *testing.T) {
	filters := StepFilters{Enabled: true, Exclusions: []string{"java.**"}}

	t.Run("attached from user code", func(t *testing.T) {
		f := newFixture(t, WithStepFilters(filters))
		th := f.suspended(t, 1)
		require.NoError(t, th.StepOver(context.Background()))
		waitStepEnd(t, f, th)

		created := f.vm.Created(remote.RequestStep)
		require.Len(t, created, 1)
		assert.Equal(t, []string{"java.**"}, created[0].Params.ClassExclusions)
	})

	t.Run("omitted from filtered code", func(t *testing.T) {
		f := attach(t, stackVM(remotetest.Loc("java.util.ArrayList", "add", 20), remotetest.Loc(fooType, "main", 3)),
			WithStepFilters(filters))
		th := f.suspended(t, 1)
		require.NoError(t, th.StepOver(context.Background()))
		waitStepEnd(t, f, th)

		created := f.vm.Created(remote.RequestStep)
		require.Len(t, created, 1)
		assert.Empty(t, created[0].Params.ClassExclusions)
		assert.Equal(t, "java.util.ArrayList", topLocation(t, th).TypeName)
	})
}

func TestStepReturn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)
	before, err := th.Frames(ctx)
	require.NoError(t, err)

	require.NoError(t, th.StepReturn(ctx))
	waitStepEnd(t, f, th)

	after, err := th.Frames(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Same(t, before[1], after[0], "caller frame survives the return")
	assert.Equal(t, "main", after[0].Location().Method.Name)
	assert.Contains(t, f.notes.transitions(1), transition{KindResume, DetailStepReturn})
	assert.Equal(t, remote.StepOut, f.vm.Created(remote.RequestStep)[0].Params.Depth)
}

func TestStepToFrame(t *testing.T) {
	ctx := context.Background()
	f := attach(t, stackVM(
		remotetest.Loc(fooType, "c", 30),
		remotetest.Loc(fooType, "b", 20),
		remotetest.Loc(fooType, "a", 10),
	))
	th := f.suspended(t, 1)
	frames, err := th.Frames(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.ErrorIs(t, th.StepToFrame(ctx, frames[0]), ErrInvalidFrame, "top frame")
	assert.ErrorIs(t, th.StepToFrame(ctx, nil), ErrInvalidFrame)

	require.NoError(t, th.StepToFrame(ctx, frames[2]))
	waitStepEnd(t, f, th)

	after, err := th.Frames(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Same(t, frames[2], after[0])

	created := f.vm.Created(remote.RequestStep)
	require.Len(t, created, 2)
	for _, r := range created {
		assert.Equal(t, remote.StepOut, r.Params.Depth)
	}
}

func TestDropToFrame(t *testing.T) {
	ctx := context.Background()
	f := attach(t, stackVM(
		remotetest.Loc(fooType, "m5", 50),
		remotetest.Loc(fooType, "m4", 40),
		remotetest.Loc(fooType, "m3", 30),
		remotetest.Loc(fooType, "m2", 20),
		remotetest.Loc(fooType, "m1", 10),
	))
	th := f.suspended(t, 1)
	frames, err := th.Frames(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 5)
	require.Equal(t, 3, frames[2].Depth())

	require.NoError(t, th.DropToFrame(ctx, frames[2]))
	waitStepEnd(t, f, th)

	assert.Equal(t, 2, f.vm.Pops())
	assert.Equal(t, 3, f.vm.Depth(1))
	assert.Len(t, f.vm.Created(remote.RequestStep), 1)
	assert.Equal(t, remote.StepInto, f.vm.Created(remote.RequestStep)[0].Params.Depth)

	after, err := th.Frames(ctx)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Same(t, frames[2], after[0])
	assert.Equal(t, "m3", after[0].Location().Method.Name)

	assert.Equal(t, []transition{
		{KindSuspend, DetailClientRequest},
		{KindResume, DetailStepInto},
		{KindSuspend, DetailStepEnd},
	}, f.notes.transitions(1))
}

func TestStepRefusals(t *testing.T) {
	ctx := context.Background()

	t.Run("running", func(t *testing.T) {
		f := newFixture(t)
		th := f.thread(t, 1)
		assert.ErrorIs(t, th.StepInto(ctx), ErrThreadNotSuspended)
		assert.False(t, th.CanStep())
	})

	t.Run("step in progress", func(t *testing.T) {
		f := newFixture(t)
		th := f.suspended(t, 1)
		th.mu.Lock()
		th.step = &stepHandler{thread: th, kind: StepKindOver}
		th.mu.Unlock()

		assert.ErrorIs(t, th.StepOver(ctx), ErrStepInProgress)
		assert.False(t, th.CanStep())
	})

	t.Run("frame of another thread", func(t *testing.T) {
		vm := newVM()
		vm.AddThread(2, "other", remotetest.Loc(barType, "x", 1), remotetest.Loc(barType, "y", 2))
		f := attach(t, vm)
		th := f.suspended(t, 1)
		other := f.suspended(t, 2)
		frames, err := other.Frames(ctx)
		require.NoError(t, err)

		assert.ErrorIs(t, th.DropToFrame(ctx, frames[1]), ErrInvalidFrame)
		assert.Equal(t, StateSuspended, th.State())
		assert.Zero(t, f.vm.Pops())
	})
}

func TestStepEndsWithThreadDeath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)
	f.vm.QueueStep(1)

	require.NoError(t, th.StepOver(ctx))
	require.Eventually(t, func() bool { return f.notes.count(KindTerminate, 1) == 1 }, waitFor, tick)

	assert.Equal(t, StateTerminated, th.State())
	assert.False(t, th.IsStepping())
	assert.NotContains(t, f.notes.transitions(1), transition{KindSuspend, DetailStepEnd})
	assert.Empty(t, f.vm.Requests(remote.RequestStep))
}

func TestStepKindString(t *testing.T) {
	tests := []struct {
		kind StepKind
		want string
	}{
		{StepKindInto, "into"},
		{StepKindOver, "over"},
		{StepKindReturn, "return"},
		{StepKindToFrame, "to-frame"},
		{StepKindDropToFrame, "drop-to-frame"},
		{StepKind(0), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}
