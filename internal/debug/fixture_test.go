package debug

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/vmdebug/internal/debug/remote"
	"github.com/dshills/vmdebug/internal/debug/remote/remotetest"
)

const (
	fooType = "com.acme.Foo"
	barType = "com.acme.Bar"

	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// transition is the part of a notification the tests compare.
type transition struct {
	Kind   Kind
	Detail Detail
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

// transitions returns the suspend, resume and terminate notifications of a
// thread, or of the target when id is zero.
func (r *recorder) transitions(id remote.ThreadID) []transition {
	var out []transition
	for _, n := range r.all() {
		if n.Thread != id || n.Kind == KindCreate || n.Kind == KindChange {
			continue
		}
		out = append(out, transition{n.Kind, n.Detail})
	}
	return out
}

func (r *recorder) count(kind Kind, id remote.ThreadID) int {
	c := 0
	for _, n := range r.all() {
		if n.Kind == kind && n.Thread == id {
			c++
		}
	}
	return c
}

type fixture struct {
	vm     *remotetest.VM
	target *Target
	notes  *recorder
}

// newFixture attaches to a VM with one running thread, "main", in
// Foo.run:10 called from Foo.main:3.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return attach(t, newVM(), opts...)
}

func newVM() *remotetest.VM {
	vm := remotetest.New()
	vm.AddThread(1, "main", remotetest.Loc(fooType, "run", 10), remotetest.Loc(fooType, "main", 3))
	vm.LoadType(fooType)
	return vm
}

func attach(t *testing.T, vm *remotetest.VM, opts ...Option) *fixture {
	t.Helper()
	notes := &recorder{}
	n := NewNotifier()
	n.Subscribe(notes.add)

	target, err := NewTarget(context.Background(), vm, append([]Option{WithNotifier(n)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = target.Terminate(context.Background())
		<-target.Done()
	})
	return &fixture{vm: vm, target: target, notes: notes}
}

func (f *fixture) thread(t *testing.T, id remote.ThreadID) *Thread {
	t.Helper()
	th := f.target.Thread(id)
	require.NotNil(t, th, "thread %d", id)
	return th
}

func (f *fixture) suspended(t *testing.T, id remote.ThreadID) *Thread {
	t.Helper()
	th := f.thread(t, id)
	require.NoError(t, th.Suspend(context.Background()))
	require.Equal(t, StateSuspended, th.State())
	return th
}

func waitState(t *testing.T, th *Thread, want ThreadState) {
	t.Helper()
	require.Eventually(t, func() bool { return th.State() == want },
		waitFor, tick, "thread %d never reached %s", th.ID(), want)
}

func topLocation(t *testing.T, th *Thread) remote.Location {
	t.Helper()
	top, err := th.TopFrame(context.Background())
	require.NoError(t, err)
	return top.Location()
}
