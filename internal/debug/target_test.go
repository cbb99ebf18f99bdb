package debug

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/vmdebug/internal/debug/remote"
	"github.com/dshills/vmdebug/internal/debug/remote/remotetest"
)

func TestTargetSuspendResume(t *testing.T) {
	ctx := context.Background()
	vm := newVM()
	vm.AddThread(2, "worker", remotetest.Loc(barType, "work", 1))
	f := attach(t, vm)

	require.NoError(t, f.target.Suspend(ctx))
	assert.True(t, f.target.IsSuspended())
	assert.Equal(t, 1, f.target.SuspendCount())
	for _, th := range f.target.Threads() {
		assert.Equal(t, StateSuspended, th.State(), "thread %d", th.ID())
		assert.Equal(t, 1, f.vm.SuspendCount(th.ID()))
	}
	assert.Equal(t, []transition{{KindSuspend, DetailClientRequest}}, f.notes.transitions(0))

	require.NoError(t, f.target.Resume(ctx))
	assert.False(t, f.target.IsSuspended())
	for _, th := range f.target.Threads() {
		assert.Equal(t, StateRunning, th.State(), "thread %d", th.ID())
	}
}

func TestTargetResumeKeepsThreadSuspends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)

	require.NoError(t, f.target.Suspend(ctx))
	require.NoError(t, f.target.Resume(ctx))
	assert.Equal(t, StateSuspended, th.State())
	assert.Equal(t, 1, th.SuspendCount())
	assert.Equal(t, 1, f.vm.SuspendCount(1))
}

func TestTargetVMDisconnect(t *testing.T) {
	ctx := context.Background()
	vm := newVM()
	vm.AddThread(2, "worker", remotetest.Loc(barType, "work", 1))
	f := attach(t, vm)
	threads := f.target.Threads()
	require.NoError(t, f.target.BreakpointAdded(ctx, NewLineBreakpoint(fooType, 12)))

	f.vm.Disconnect()
	<-f.target.Done()

	assert.False(t, f.target.IsAvailable())
	assert.True(t, f.target.IsDisconnected())
	assert.False(t, f.target.IsTerminated())
	for _, th := range threads {
		assert.Equal(t, StateTerminated, th.State())
		assert.Equal(t, 1, f.notes.count(KindTerminate, th.ID()))
	}
	assert.Equal(t, []transition{{KindTerminate, DetailClientRequest}}, f.notes.transitions(0))
	assert.Empty(t, f.target.Breakpoints())

	assert.ErrorIs(t, f.target.Suspend(ctx), ErrTargetUnavailable)
	assert.ErrorIs(t, threads[0].Suspend(ctx), ErrTargetUnavailable)
	assert.NoError(t, f.target.Terminate(ctx), "terminate after shutdown is a no-op")
	assert.Equal(t, 1, f.notes.count(KindTerminate, 0))
}

func TestTargetTerminate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.thread(t, 1)

	require.NoError(t, f.target.Terminate(ctx))
	<-f.target.Done()
	assert.True(t, f.target.IsTerminated())
	assert.False(t, f.target.IsDisconnected())
	assert.Equal(t, StateTerminated, th.State())
	assert.Equal(t, []transition{{KindTerminate, DetailUnspecified}}, f.notes.transitions(0))
}

func TestTargetDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.target.Disconnect(ctx))
	<-f.target.Done()
	assert.True(t, f.target.IsDisconnected())
	assert.NoError(t, f.target.Disconnect(ctx))
	assert.Equal(t, 1, f.notes.count(KindTerminate, 0))
}

func TestTargetSetStepFilters(t *testing.T) {
	f := newFixture(t)

	err := f.target.SetStepFilters(StepFilters{Enabled: true, Exclusions: []string{"java.[lang"}})
	assert.Error(t, err)

	require.NoError(t, f.target.SetStepFilters(StepFilters{Enabled: true, Exclusions: []string{"java.**"}}))
	assert.True(t, f.target.StepFilters().ExcludesType("java.lang.String"))
	assert.Equal(t, 1, f.notes.count(KindChange, 0))
}

func TestNewTargetRejectsInvalidFilters(t *testing.T) {
	_, err := NewTarget(context.Background(), newVM(),
		WithStepFilters(StepFilters{Exclusions: []string{"[bad"}}))
	assert.Error(t, err)
}

func TestRedefineTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.suspended(t, 1)
	_, err := th.Frames(ctx)
	require.NoError(t, err)
	bp := NewLineBreakpoint(fooType, 12)
	require.NoError(t, f.target.BreakpointAdded(ctx, bp))
	orig := f.target.Requests(bp)

	fail := true
	f.vm.SetRedefineFunc(func(string, []byte) error {
		if fail {
			return &remote.CommandError{Op: "redefine type", Code: remote.CodeRedefineFailed, Message: "schema change"}
		}
		return nil
	})

	t.Run("failure marks the type out of synch", func(t *testing.T) {
		failed, err := f.target.RedefineTypes(ctx, map[string][]byte{fooType: {0xca, 0xfe}})
		require.NoError(t, err)
		assert.Equal(t, []string{fooType}, failed)
		assert.True(t, f.target.IsOutOfSynch(fooType))
		assert.Equal(t, []string{fooType}, f.target.OutOfSynchTypes())
		assert.True(t, th.IsOutOfSynch())
		assert.True(t, f.target.IsAvailable(), "the session carries on")
		assert.Equal(t, orig, f.target.Requests(bp))
		assertOutOfSynchNotes(t, f, 1)
	})

	t.Run("success reinstalls breakpoints", func(t *testing.T) {
		fail = false
		failed, err := f.target.RedefineTypes(ctx, map[string][]byte{fooType: {0xca, 0xfe}})
		require.NoError(t, err)
		assert.Empty(t, failed)
		assert.False(t, f.target.IsOutOfSynch(fooType))
		assert.False(t, th.IsOutOfSynch())

		now := f.target.Requests(bp)
		require.Len(t, now, 1)
		assert.NotEqual(t, orig, now)
		assert.Contains(t, f.vm.Deleted(), orig[0])
		assertOutOfSynchNotes(t, f, 2)
	})

	t.Run("unknown type", func(t *testing.T) {
		failed, err := f.target.RedefineTypes(ctx, map[string][]byte{"com.acme.Missing": nil})
		require.NoError(t, err)
		assert.Equal(t, []string{"com.acme.Missing"}, failed)
	})
}

func assertOutOfSynchNotes(t *testing.T, f *fixture, want int) {
	t.Helper()
	n := 0
	for _, note := range f.notes.all() {
		if note.Kind == KindChange && note.Detail == DetailOutOfSynch {
			assert.Equal(t, fooType, note.TypeName)
			n++
		}
	}
	assert.Equal(t, want, n)
}

func TestRedefineTypesToleratesDeleteFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bp := NewWatchpoint(fooType, "count")
	bp.Access = true
	require.NoError(t, f.target.BreakpointAdded(ctx, bp))
	orig := f.target.Requests(bp)
	require.Len(t, orig, 2)

	f.vm.SetDeleteFunc(func(id remote.RequestID) error {
		if id == orig[0] {
			return &remote.CommandError{Op: "delete request", Code: remote.CodeInvalidRequest}
		}
		return nil
	})

	failed, err := f.target.RedefineTypes(ctx, map[string][]byte{fooType: {0x01}})
	require.NoError(t, err)
	assert.Empty(t, failed)

	now := f.target.Requests(bp)
	require.Len(t, now, 2)
	for _, id := range orig {
		assert.NotContains(t, now, id)
	}
	assert.Contains(t, f.vm.Deleted(), orig[1])
	assert.NotContains(t, f.vm.Deleted(), orig[0])
}

func TestRedefineTypesTransportFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vm.SetRedefineFunc(func(string, []byte) error {
		return &remote.TransportError{Op: "redefine type", Err: remote.ErrDisconnected}
	})

	_, err := f.target.RedefineTypes(ctx, map[string][]byte{fooType: nil})
	assert.ErrorIs(t, err, ErrTransport)
	<-f.target.Done()
	assert.True(t, f.target.IsDisconnected())
}
