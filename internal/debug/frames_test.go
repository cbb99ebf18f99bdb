package debug

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/vmdebug/internal/debug/remote"
	"github.com/dshills/vmdebug/internal/debug/remote/remotetest"
)

func intVar(name string, n int64) remote.Variable {
	return remote.Variable{Name: name, TypeName: "int", Value: remote.Value{Kind: remote.ValueInt, Int: n}}
}

func TestFrameKeys(t *testing.T) {
	f := newFixture(t)
	th := f.suspended(t, 1)

	frames, err := th.Frames(context.Background())
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, FrameKey{Target: f.target.ID(), Thread: 1, Depth: 2}, frames[0].Key())
	assert.Equal(t, 1, frames[1].Depth())
	assert.Same(t, th, frames[0].Thread())
	assert.Equal(t, remotetest.Loc(fooType, "run", 10), frames[0].Location())

	top, err := th.TopFrame(context.Background())
	require.NoError(t, err)
	assert.Same(t, frames[0], top)
}

func TestFramesRequireSuspension(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t, 1)

	_, err := th.Frames(context.Background())
	assert.ErrorIs(t, err, ErrThreadNotSuspended)
	_, err = th.TopFrame(context.Background())
	assert.ErrorIs(t, err, ErrThreadNotSuspended)
}

func TestFramesReuseAcrossCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)
	before, err := th.Frames(ctx)
	require.NoError(t, err)

	f.vm.QueueStep(1,
		remotetest.Loc(barType, "helper", 1),
		remotetest.Loc(fooType, "run", 10),
		remotetest.Loc(fooType, "main", 3))
	require.NoError(t, th.StepInto(ctx))
	waitStepEnd(t, f, th)

	after, err := th.Frames(ctx)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Same(t, before[0], after[1], "caller keeps its frame")
	assert.Same(t, before[1], after[2])
	assert.Equal(t, 3, after[0].Depth())
}

func TestVariablesTrackChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)
	f.vm.SetLocals(1, "run", intVar("x", 1), intVar("y", 7))

	top, err := th.TopFrame(ctx)
	require.NoError(t, err)
	vars, err := top.Variables(ctx)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	x := vars[0]
	assert.False(t, x.Changed)

	f.vm.SetLocals(1, "run", intVar("x", 2), intVar("y", 7))
	f.vm.QueueStep(1, remotetest.Loc(fooType, "run", 11), remotetest.Loc(fooType, "main", 3))
	require.NoError(t, th.StepOver(ctx))
	waitStepEnd(t, f, th)

	top, err = th.TopFrame(ctx)
	require.NoError(t, err)
	vars, err = top.Variables(ctx)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Same(t, x, vars[0])
	assert.True(t, vars[0].Changed)
	assert.Equal(t, int64(2), vars[0].Value.Int)
	assert.False(t, vars[1].Changed)
}

func TestVariablesOfPoppedFrame(t *testing.T) {
	ctx := context.Background()
	f := attach(t, stackVM(
		remotetest.Loc(barType, "helper", 1),
		remotetest.Loc(fooType, "run", 10)))
	th := f.suspended(t, 1)
	frames, err := th.Frames(ctx)
	require.NoError(t, err)

	f.vm.QueueStep(1, remotetest.Loc(fooType, "run", 11))
	require.NoError(t, th.StepReturn(ctx))
	waitStepEnd(t, f, th)

	_, err = frames[0].Variables(ctx)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestMergeVariables(t *testing.T) {
	a := &Variable{Name: "a", Value: remote.Value{Kind: remote.ValueInt, Int: 1}}
	b := &Variable{Name: "b", Value: remote.Value{Kind: remote.ValueString, Str: "s"}}

	out := mergeVariables([]*Variable{a, b}, []remote.Variable{
		{Name: "b", Value: remote.Value{Kind: remote.ValueString, Str: "s"}},
		{Name: "c", Value: remote.Value{Kind: remote.ValueNull}},
		{Name: "a", Value: remote.Value{Kind: remote.ValueInt, Int: 5}},
	})

	require.Len(t, out, 3)
	assert.Same(t, b, out[0])
	assert.False(t, b.Changed)
	assert.Equal(t, "c", out[1].Name)
	assert.False(t, out[1].Changed)
	assert.Same(t, a, out[2])
	assert.True(t, a.Changed)
}
