package debug

import (
	"context"
	"slices"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// coordinatedSource mirrors the suspension caused by each event set before
// the set is dispatched, so that per-thread suspend counts stay in step
// with the VM.
type coordinatedSource struct {
	t *Target
}

func (s coordinatedSource) NextEventSet(ctx context.Context) (remote.EventSet, error) {
	set, err := s.t.session.NextEventSet(ctx)
	if err == nil {
		s.t.noteEventSet(set)
	}
	return set, err
}

func (t *Target) noteEventSet(set remote.EventSet) {
	switch set.Policy {
	case remote.SuspendThread:
		if th := t.Thread(set.Thread()); th != nil {
			th.countEventSuspend()
		}
	case remote.SuspendAll:
		t.mu.Lock()
		t.suspendCount++
		threads := slices.Clone(t.threads)
		t.mu.Unlock()
		for _, th := range threads {
			th.countEventSuspend()
		}
	}
}

// ResumeEventSet implements dispatch.Resumer. A thread with a manual suspend
// in flight is left suspended so that the suspend is not lost.
func (t *Target) ResumeEventSet(ctx context.Context, set remote.EventSet) error {
	switch set.Policy {
	case remote.SuspendThread:
		th := t.Thread(set.Thread())
		if th == nil {
			return t.session.ResumeThread(ctx, set.Thread())
		}
		return th.resumeFromEvent(ctx)

	case remote.SuspendAll:
		threads := t.Threads()
		held := slices.ContainsFunc(threads, (*Thread).isSuspendRequested)

		t.mu.Lock()
		if t.suspendCount > 0 {
			t.suspendCount--
		}
		t.suspended = t.suspendCount > 0
		t.mu.Unlock()

		if !held {
			if err := t.session.Resume(ctx); err != nil {
				return err
			}
			for _, th := range threads {
				th.resumedByVM(DetailUnspecified)
			}
			return nil
		}
		for _, th := range threads {
			if err := th.resumeFromEvent(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// completeSet runs once per listener after the votes of a set are in.
func (t *Target) completeSet(ctx context.Context, ev remote.Event, set remote.EventSet, resume bool) {
	th := t.Thread(ev.Thread)
	if th != nil {
		th.completeSet(ctx, resume)
	}
	if resume || set.Policy != remote.SuspendAll {
		return
	}

	t.mu.Lock()
	already := t.suspended
	t.suspended = true
	threads := slices.Clone(t.threads)
	t.mu.Unlock()

	for _, other := range threads {
		if other != th {
			other.suspendedByEvent()
		}
	}
	if !already {
		t.notify(Notification{Kind: KindSuspend, Detail: DetailUnspecified})
	}
}

func (t *Target) handleVMEvent(ctx context.Context, ev remote.Event, _ remote.EventSet) bool {
	switch ev.Kind {
	case remote.EventVMStart:
		t.log.Debug("vm started")
	case remote.EventVMDeath:
		t.shutdown(ctx, true)
	case remote.EventVMDisconnect:
		t.shutdown(ctx, false)
	}
	return true
}

func (t *Target) handleThreadStart(_ context.Context, ev remote.Event, _ remote.EventSet) bool {
	if !t.IsAvailable() {
		return true
	}
	t.addThread(remote.ThreadInfo{ID: ev.Thread, Name: ev.ThreadName})
	return true
}

func (t *Target) handleThreadDeath(ctx context.Context, ev remote.Event, _ remote.EventSet) bool {
	if th := t.removeThread(ev.Thread); th != nil {
		th.terminate(ctx)
	}
	return true
}
