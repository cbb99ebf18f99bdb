package debug

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// installer maps breakpoints to the VM requests that implement them. The
// map and every request in it belong to one target.
type installer struct {
	t *Target

	mu      sync.Mutex
	entries map[uint64]*installed
}

// installed is the state of one breakpoint on the target.
type installed struct {
	bp *Breakpoint
	// snap is the breakpoint as last installed, used to tell attribute
	// changes from identity changes.
	snap     Breakpoint
	requests []installedRequest
	// prepare watches for the breakpoint's type to load.
	prepare remote.RequestID
	hits    int
}

type installedRequest struct {
	id       remote.RequestID
	kind     remote.RequestKind
	typeName string
	params   remote.RequestParams
}

func newInstaller(t *Target) *installer {
	return &installer{t: t, entries: make(map[uint64]*installed)}
}

// needsLoadedType reports whether the kind's requests are bound to a
// loaded type rather than to a class pattern.
func needsLoadedType(k BreakpointKind) bool {
	return k == BreakpointLine || k == BreakpointWatchpoint
}

// requestsFor returns the request kinds and params implementing bp in
// typeName.
func requestsFor(bp *Breakpoint, typeName string) []installedRequest {
	base := remote.RequestParams{TypeName: typeName}
	var out []installedRequest
	add := func(kind remote.RequestKind, p remote.RequestParams) {
		out = append(out, installedRequest{kind: kind, typeName: typeName, params: bp.applyAttributes(p)})
	}
	switch bp.Kind {
	case BreakpointLine:
		p := base
		p.Location = remote.Location{TypeName: typeName, Line: bp.Line}
		add(remote.RequestBreakpoint, p)
	case BreakpointMethod:
		p := base
		p.MethodName = bp.Method
		add(remote.RequestMethodEntry, p)
	case BreakpointWatchpoint:
		p := base
		p.FieldName = bp.Field
		if bp.Access {
			add(remote.RequestWatchAccess, p)
		}
		if bp.Modification {
			add(remote.RequestWatchModification, p)
		}
	case BreakpointException:
		p := base
		p.Caught = bp.Caught
		p.Uncaught = bp.Uncaught
		add(remote.RequestException, p)
	case BreakpointClassPrepare:
		add(remote.RequestClassPrepare, base)
	}
	return out
}

// add installs bp. Type-bound breakpoints whose type is not loaded yet are
// installed when it loads.
func (in *installer) add(ctx context.Context, bp *Breakpoint) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.entries[bp.ID]; ok {
		return nil
	}
	e := &installed{bp: bp, snap: *bp}
	in.entries[bp.ID] = e
	if err := in.installLocked(ctx, e); err != nil {
		in.removeLocked(ctx, e)
		delete(in.entries, bp.ID)
		return err
	}
	return nil
}

func (in *installer) installLocked(ctx context.Context, e *installed) error {
	bp := &e.snap
	if !needsLoadedType(bp.Kind) {
		return in.createLocked(ctx, e, bp.TypeName)
	}

	types, err := in.t.session.TypesByName(ctx, bp.TypeName)
	if err != nil {
		return err
	}
	for _, ti := range types {
		if err := in.createLocked(ctx, e, ti.Name); err != nil {
			return err
		}
	}
	if e.prepare != 0 {
		return nil
	}
	// Keep watching: the type may load again in another loader, or for
	// the first time.
	id, err := in.t.dispatcher.Install(func() (remote.RequestID, error) {
		return in.t.session.CreateRequest(ctx, remote.RequestClassPrepare, remote.RequestParams{
			TypeName:      bp.TypeName,
			SuspendPolicy: remote.SuspendThread,
			Enabled:       true,
		})
	}, &prepareWatcher{in: in, id: bp.ID})
	if err != nil {
		return err
	}
	e.prepare = id
	return nil
}

// createLocked creates the requests for e in one type, unless that type
// already has them.
func (in *installer) createLocked(ctx context.Context, e *installed, typeName string) error {
	if slices.ContainsFunc(e.requests, func(r installedRequest) bool { return r.typeName == typeName }) {
		return nil
	}
	t := in.t
	for _, r := range requestsFor(&e.snap, typeName) {
		id, err := t.dispatcher.Install(func() (remote.RequestID, error) {
			return t.session.CreateRequest(ctx, r.kind, r.params)
		}, &breakpointRequest{t: t, bp: e.bp})
		if err != nil {
			return fmt.Errorf("creating %s request for breakpoint %d: %w", r.kind, e.bp.ID, err)
		}
		r.id = id
		e.requests = append(e.requests, r)
		t.metrics.BreakpointRequestsAdded(1)
	}
	return nil
}

// change pushes bp's new attributes to its requests, or recreates them
// when what the breakpoint refers to has changed.
func (in *installer) change(ctx context.Context, bp *Breakpoint) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.entries[bp.ID]
	if !ok {
		return nil
	}
	if bp.identity() != e.snap.identity() {
		in.removeLocked(ctx, e)
		e.bp = bp
		e.snap = *bp
		return in.installLocked(ctx, e)
	}

	e.bp = bp
	e.snap = *bp
	for i := range e.requests {
		r := &e.requests[i]
		r.params = bp.applyAttributes(r.params)
		if err := in.t.session.UpdateRequest(ctx, r.id, r.params); err != nil {
			return fmt.Errorf("updating request %d of breakpoint %d: %w", r.id, bp.ID, err)
		}
	}
	return nil
}

func (in *installer) remove(ctx context.Context, bp *Breakpoint) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.entries[bp.ID]
	if !ok {
		return
	}
	in.removeLocked(ctx, e)
	delete(in.entries, bp.ID)
}

// removeLocked deletes every request of e. Failures are logged: a request
// that cannot be deleted is already gone or the target is.
func (in *installer) removeLocked(ctx context.Context, e *installed) {
	t := in.t
	ids := make([]remote.RequestID, 0, len(e.requests)+1)
	for _, r := range e.requests {
		ids = append(ids, r.id)
	}
	if e.prepare != 0 {
		ids = append(ids, e.prepare)
	}
	for _, id := range ids {
		t.dispatcher.RemoveListener(id)
		if !t.IsAvailable() {
			continue
		}
		if err := t.session.DeleteRequest(ctx, id); err != nil {
			t.log.WithError(err).Debug("deleting request %d of breakpoint %d", id, e.bp.ID)
		}
	}
	t.metrics.BreakpointRequestsAdded(-len(e.requests))
	e.requests = nil
	e.prepare = 0
}

// clear forgets every breakpoint without talking to the VM. It runs during
// shutdown, when the session may already be gone.
func (in *installer) clear() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, e := range in.entries {
		for _, r := range e.requests {
			in.t.dispatcher.RemoveListener(r.id)
		}
		if e.prepare != 0 {
			in.t.dispatcher.RemoveListener(e.prepare)
		}
		in.t.metrics.BreakpointRequestsAdded(-len(e.requests))
	}
	clear(in.entries)
}

// typeLoaded installs the breakpoint with the given ID in a newly prepared
// type.
func (in *installer) typeLoaded(ctx context.Context, id uint64, typeName string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.entries[id]
	if !ok {
		return nil
	}
	return in.createLocked(ctx, e, typeName)
}

// reinstallType recreates the requests bound to typeName, after its code
// was replaced.
func (in *installer) reinstallType(ctx context.Context, typeName string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, id := range slices.Sorted(maps.Keys(in.entries)) {
		e := in.entries[id]
		if !needsLoadedType(e.snap.Kind) {
			continue
		}
		var (
			kept []installedRequest
			lost error
		)
		for _, r := range e.requests {
			if r.typeName != typeName {
				kept = append(kept, r)
				continue
			}
			in.t.dispatcher.RemoveListener(r.id)
			in.t.metrics.BreakpointRequestsAdded(-1)
			if lost != nil {
				continue
			}
			if err := in.t.session.DeleteRequest(ctx, r.id); err != nil {
				if remote.IsTransport(err) {
					lost = err
					continue
				}
				in.t.log.WithError(err).Debug("deleting request %d of breakpoint %d", r.id, e.bp.ID)
			}
		}
		if len(kept) == len(e.requests) {
			continue
		}
		e.requests = kept
		if lost != nil {
			return lost
		}
		if err := in.createLocked(ctx, e, typeName); err != nil {
			return err
		}
	}
	return nil
}

func (in *installer) recordHit(bp *Breakpoint) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.entries[bp.ID]
	if !ok {
		return 0
	}
	e.hits++
	return e.hits
}

func (in *installer) hitCount(bp *Breakpoint) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if e, ok := in.entries[bp.ID]; ok {
		return e.hits
	}
	return 0
}

func (in *installer) requests(bp *Breakpoint) []remote.RequestID {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.entries[bp.ID]
	if !ok {
		return nil
	}
	ids := make([]remote.RequestID, 0, len(e.requests))
	for _, r := range e.requests {
		ids = append(ids, r.id)
	}
	return ids
}

func (in *installer) breakpoints() []*Breakpoint {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*Breakpoint, 0, len(in.entries))
	for _, id := range slices.Sorted(maps.Keys(in.entries)) {
		out = append(out, in.entries[id].bp)
	}
	return out
}

// breakpointRequest routes events of one breakpoint request to the event
// thread.
type breakpointRequest struct {
	t  *Target
	bp *Breakpoint
}

// HandleEvent implements dispatch.Listener.
func (r *breakpointRequest) HandleEvent(ctx context.Context, ev remote.Event, set remote.EventSet) bool {
	r.t.installer.recordHit(r.bp)
	th := r.t.Thread(ev.Thread)
	if th == nil {
		return true
	}
	return th.handleBreakpoint(ctx, set, r.bp)
}

// EventSetComplete implements dispatch.SetCompleter.
func (r *breakpointRequest) EventSetComplete(ctx context.Context, ev remote.Event, set remote.EventSet, resume bool) {
	r.t.completeSet(ctx, ev, set, resume)
}

// prepareWatcher installs a pending breakpoint when its type loads. It
// always votes to resume the loading thread.
type prepareWatcher struct {
	in *installer
	id uint64
}

// HandleEvent implements dispatch.Listener.
func (w *prepareWatcher) HandleEvent(ctx context.Context, ev remote.Event, _ remote.EventSet) bool {
	t := w.in.t
	if err := w.in.typeLoaded(ctx, w.id, ev.TypeName); err != nil {
		t.log.WithError(err).Warn("installing breakpoint %d in %s", w.id, ev.TypeName)
		if remote.IsTransport(err) {
			t.lostTransport(err)
		}
	}
	return true
}

// BreakpointAdded installs bp on the target.
func (t *Target) BreakpointAdded(ctx context.Context, bp *Breakpoint) error {
	const op = "add breakpoint"
	if !t.IsAvailable() {
		return refuse(op, 0, ReasonTargetUnavailable)
	}
	if err := t.installer.add(ctx, bp); err != nil {
		return t.remoteFailure(op, 0, err)
	}
	t.log.Debug("installed %s breakpoint %d in %s", bp.Kind, bp.ID, bp.TypeName)
	return nil
}

// BreakpointChanged brings the installed requests of bp in line with its
// current attributes.
func (t *Target) BreakpointChanged(ctx context.Context, bp *Breakpoint) error {
	const op = "change breakpoint"
	if !t.IsAvailable() {
		return refuse(op, 0, ReasonTargetUnavailable)
	}
	if err := t.installer.change(ctx, bp); err != nil {
		return t.remoteFailure(op, 0, err)
	}
	return nil
}

// BreakpointRemoved deletes the requests of bp.
func (t *Target) BreakpointRemoved(ctx context.Context, bp *Breakpoint) error {
	if !t.IsAvailable() {
		return refuse("remove breakpoint", 0, ReasonTargetUnavailable)
	}
	t.installer.remove(ctx, bp)
	return nil
}

// Breakpoints returns the installed breakpoints in creation order.
func (t *Target) Breakpoints() []*Breakpoint {
	return t.installer.breakpoints()
}

// Requests returns the VM requests currently implementing bp.
func (t *Target) Requests(bp *Breakpoint) []remote.RequestID {
	return t.installer.requests(bp)
}

// HitCount returns how many times bp was hit on this target.
func (t *Target) HitCount(bp *Breakpoint) int {
	return t.installer.hitCount(bp)
}

// TypeChange applies a refactoring to bp and reinstalls it if it now
// refers to different code. It reports whether bp changed.
func (t *Target) TypeChange(ctx context.Context, bp *Breakpoint, ch TypeChange) (bool, error) {
	if !bp.ApplyTypeChange(ch) {
		return false, nil
	}
	return true, t.BreakpointChanged(ctx, bp)
}

// RedefineTypes replaces the code of the named types and reinstalls the
// breakpoints bound to them. A type that cannot be replaced is marked out
// of synch and returned; the session carries on.
func (t *Target) RedefineTypes(ctx context.Context, classes map[string][]byte) ([]string, error) {
	const op = "redefine types"
	if !t.IsAvailable() {
		return nil, refuse(op, 0, ReasonTargetUnavailable)
	}
	var failed []string
	for _, name := range slices.Sorted(maps.Keys(classes)) {
		if err := t.session.RedefineType(ctx, name, classes[name]); err != nil {
			if remote.IsTransport(err) {
				return failed, t.remoteFailure(op, 0, err)
			}
			t.log.WithError(err).Warn("code replace failed for %s; type is out of synch", name)
			t.setOutOfSynch(name, true)
			failed = append(failed, name)
			t.notify(Notification{Kind: KindChange, Detail: DetailOutOfSynch, TypeName: name})
			continue
		}

		stale := t.IsOutOfSynch(name)
		t.setOutOfSynch(name, false)
		if stale {
			t.notify(Notification{Kind: KindChange, Detail: DetailOutOfSynch, TypeName: name})
		}
		if err := t.installer.reinstallType(ctx, name); err != nil {
			if remote.IsTransport(err) {
				return failed, t.remoteFailure(op, 0, err)
			}
			t.log.WithError(err).Warn("reinstalling breakpoints in %s", name)
		}
	}
	return failed, nil
}
