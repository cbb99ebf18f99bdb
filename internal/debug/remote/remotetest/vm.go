// Package remotetest provides an in-memory target VM for exercising the
// execution-control core without a wire protocol.
//
// The VM keeps JDI-like suspend counts per thread, a live request table and
// a scripted stack per thread. Stepping is driven by resuming a thread that
// owns an enabled step request; breakpoints, class loads and thread life
// cycle events are triggered explicitly by the test.
package remotetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// VM is a scriptable remote.Session.
type VM struct {
	mu sync.Mutex

	threads map[remote.ThreadID]*thread
	order   []remote.ThreadID

	types    map[string]remote.TypeInfo
	nextType remote.TypeID

	requests    map[remote.RequestID]*remote.Request
	hits        map[remote.RequestID]int
	nextRequest remote.RequestID
	created     []remote.Request
	deleted     []remote.RequestID
	updates     int

	pops      int
	nextFrame remote.FrameID
	timeout   time.Duration

	neverSuspend bool
	invokeFunc   func(ctx context.Context, req remote.InvokeRequest) (remote.InvokeResult, error)
	redefineFunc func(typeName string, code []byte) error
	deleteFunc   func(id remote.RequestID) error

	events    chan remote.EventSet
	done      chan struct{}
	closeOnce sync.Once
}

type thread struct {
	info   remote.ThreadInfo
	count  int
	frames []remote.FrameInfo
	locals map[string][]remote.Variable
	script [][]remote.Location
}

// New creates an empty VM with the default request timeout.
func New() *VM {
	return &VM{
		threads:  make(map[remote.ThreadID]*thread),
		types:    make(map[string]remote.TypeInfo),
		requests: make(map[remote.RequestID]*remote.Request),
		hits:     make(map[remote.RequestID]int),
		timeout:  remote.DefaultRequestTimeout,
		events:   make(chan remote.EventSet, 1024),
		done:     make(chan struct{}),
	}
}

// Loc is shorthand for building a location in tests.
func Loc(typeName, method string, line int) remote.Location {
	return remote.Location{
		TypeName: typeName,
		Method:   remote.MethodInfo{Name: method, Signature: "()V"},
		Line:     line,
	}
}

// SetInvokeFunc installs the behavior of Invoke. Without one, Invoke
// returns remote.Void.
func (v *VM) SetInvokeFunc(fn func(ctx context.Context, req remote.InvokeRequest) (remote.InvokeResult, error)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.invokeFunc = fn
}

// SetRedefineFunc installs the behavior of RedefineType.
func (v *VM) SetRedefineFunc(fn func(typeName string, code []byte) error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.redefineFunc = fn
}

// SetDeleteFunc installs a hook run before DeleteRequest. A non-nil error
// is returned and the request is left in place.
func (v *VM) SetDeleteFunc(fn func(id remote.RequestID) error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleteFunc = fn
}

// SetNeverSuspend makes SuspendThread accept the command without ever
// suspending the thread.
func (v *VM) SetNeverSuspend(never bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.neverSuspend = never
}

// AddThread registers a thread without emitting an event. Locations are
// listed top frame first.
func (v *VM) AddThread(id remote.ThreadID, name string, stack ...remote.Location) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.addThreadLocked(id, name, stack)
}

func (v *VM) addThreadLocked(id remote.ThreadID, name string, stack []remote.Location) *thread {
	t := &thread{
		info:   remote.ThreadInfo{ID: id, Name: name},
		locals: make(map[string][]remote.Variable),
	}
	t.frames = v.buildFrames(stack)
	v.threads[id] = t
	v.order = append(v.order, id)
	return t
}

func (v *VM) buildFrames(stack []remote.Location) []remote.FrameInfo {
	frames := make([]remote.FrameInfo, len(stack))
	for i, loc := range stack {
		v.nextFrame++
		frames[i] = remote.FrameInfo{ID: v.nextFrame, Location: loc}
	}
	return frames
}

// StartThread registers a thread and emits a thread-start event to every
// enabled thread-start request.
func (v *VM) StartThread(id remote.ThreadID, name string, stack ...remote.Location) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.addThreadLocked(id, name, stack)
	v.fireLocked(remote.RequestThreadStart, id, func(*remote.Request) bool { return true },
		remote.Event{Kind: remote.EventThreadStart, Thread: id, ThreadName: name})
}

// EndThread removes a thread and emits a thread-death event.
func (v *VM) EndThread(id remote.ThreadID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.endThreadLocked(id)
}

func (v *VM) endThreadLocked(id remote.ThreadID) {
	if _, ok := v.threads[id]; !ok {
		return
	}
	delete(v.threads, id)
	for i, tid := range v.order {
		if tid == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	v.fireLocked(remote.RequestThreadDeath, id, func(*remote.Request) bool { return true },
		remote.Event{Kind: remote.EventThreadDeath, Thread: id})
}

// SetLocals sets the variables visible in every frame executing method.
func (v *VM) SetLocals(id remote.ThreadID, method string, vars ...remote.Variable) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.threads[id]; ok {
		t.locals[method] = vars
	}
}

// QueueStep scripts the stack a thread will have after its next step.
// An empty stack makes the thread die.
func (v *VM) QueueStep(id remote.ThreadID, stack ...remote.Location) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.threads[id]; ok {
		t.script = append(t.script, stack)
	}
}

// LoadType makes a type visible and emits class-prepare events to matching
// requests.
func (v *VM) LoadType(name string) remote.TypeInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextType++
	ti := remote.TypeInfo{ID: v.nextType, Name: name}
	v.types[name] = ti

	var tid remote.ThreadID
	if len(v.order) > 0 {
		tid = v.order[0]
	}
	v.fireLocked(remote.RequestClassPrepare, tid, func(r *remote.Request) bool {
		return matchClass(r.Params.TypeName, name)
	}, remote.Event{Kind: remote.EventClassPrepare, Thread: tid, TypeName: name})
	return ti
}

// HitBreakpoint moves the thread to loc and emits breakpoint events for
// every matching enabled request. It returns the number of matches.
func (v *VM) HitBreakpoint(id remote.ThreadID, loc remote.Location) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.threads[id]
	if !ok {
		return 0
	}
	if len(t.frames) == 0 {
		t.frames = v.buildFrames([]remote.Location{loc})
	} else {
		t.frames[0].Location = loc
	}
	return v.fireLocked(remote.RequestBreakpoint, id, func(r *remote.Request) bool {
		at := r.Params.Location
		return at.TypeName == loc.TypeName && at.Line == loc.Line
	}, remote.Event{Kind: remote.EventBreakpoint, Thread: id, Location: loc})
}

// EnterMethod pushes loc onto the thread's stack and emits method entry
// events for matching requests.
func (v *VM) EnterMethod(id remote.ThreadID, loc remote.Location) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.threads[id]
	if !ok {
		return 0
	}
	t.frames = v.renumber(append(v.buildFrames([]remote.Location{loc}), t.frames...))
	return v.fireLocked(remote.RequestMethodEntry, id, func(r *remote.Request) bool {
		return matchClass(r.Params.TypeName, loc.TypeName) &&
			(r.Params.MethodName == "" || r.Params.MethodName == loc.Method.Name)
	}, remote.Event{Kind: remote.EventMethodEntry, Thread: id, Location: loc})
}

// TouchField emits watchpoint events for requests watching typeName.field.
// A write matches modification requests, a read matches access requests.
func (v *VM) TouchField(id remote.ThreadID, typeName, field string, write bool) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	kind := remote.RequestWatchAccess
	if write {
		kind = remote.RequestWatchModification
	}
	var loc remote.Location
	if t, ok := v.threads[id]; ok && len(t.frames) > 0 {
		loc = t.frames[0].Location
	}
	return v.fireLocked(kind, id, func(r *remote.Request) bool {
		return r.Params.TypeName == typeName && r.Params.FieldName == field
	}, remote.Event{Kind: remote.EventWatchpoint, Thread: id, Location: loc, TypeName: typeName})
}

// ThrowException emits exception events for matching requests.
func (v *VM) ThrowException(id remote.ThreadID, exc remote.Value) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	var loc remote.Location
	if t, ok := v.threads[id]; ok && len(t.frames) > 0 {
		loc = t.frames[0].Location
	}
	return v.fireLocked(remote.RequestException, id, func(r *remote.Request) bool {
		return r.Params.TypeName == "" || r.Params.TypeName == exc.TypeName
	}, remote.Event{Kind: remote.EventException, Thread: id, Location: loc, Exception: &exc})
}

// Emit pushes a raw event set without touching suspend counts.
func (v *VM) Emit(set remote.EventSet) {
	v.events <- set
}

// fireLocked emits one event set containing an event per matching request
// and applies the strongest suspend policy among them.
func (v *VM) fireLocked(kind remote.RequestKind, tid remote.ThreadID, match func(*remote.Request) bool, ev remote.Event) int {
	set := remote.EventSet{Policy: remote.SuspendNone}
	for _, id := range v.sortedRequests() {
		r := v.requests[id]
		if r.Kind != kind || !r.Params.Enabled || !match(r) {
			continue
		}
		if r.Params.ThreadFilter != 0 && r.Params.ThreadFilter != tid {
			continue
		}
		if !v.countLocked(r) {
			continue
		}
		e := ev
		e.Request = r.ID
		set.Events = append(set.Events, e)
		if r.Params.SuspendPolicy > set.Policy {
			set.Policy = r.Params.SuspendPolicy
		}
	}
	if len(set.Events) == 0 {
		return 0
	}
	v.suspendForLocked(set.Policy, tid)
	v.events <- set
	return len(set.Events)
}

// countLocked applies the request's count filter and reports whether this
// occurrence is reported. The request expires once it has reported.
func (v *VM) countLocked(r *remote.Request) bool {
	if r.Params.CountFilter == 0 {
		return true
	}
	v.hits[r.ID]++
	if v.hits[r.ID] < r.Params.CountFilter {
		return false
	}
	r.Params.Enabled = false
	return true
}

func (v *VM) suspendForLocked(policy remote.SuspendPolicy, tid remote.ThreadID) {
	switch policy {
	case remote.SuspendThread:
		if t, ok := v.threads[tid]; ok {
			t.count++
		}
	case remote.SuspendAll:
		for _, t := range v.threads {
			t.count++
		}
	}
}

func (v *VM) sortedRequests() []remote.RequestID {
	ids := make([]remote.RequestID, 0, len(v.requests))
	for id := remote.RequestID(1); id <= v.nextRequest; id++ {
		if _, ok := v.requests[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func matchClass(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

// resumeLocked decrements a thread's suspend count and runs a pending step
// once the thread is actually running.
func (v *VM) resumeLocked(t *thread) {
	if t.count == 0 {
		return
	}
	t.count--
	if t.count > 0 {
		return
	}
	for _, id := range v.sortedRequests() {
		r := v.requests[id]
		if r.Kind == remote.RequestStep && r.Params.Enabled && r.Params.Thread == t.info.ID {
			v.stepLocked(t, r)
			return
		}
	}
}

func (v *VM) stepLocked(t *thread, r *remote.Request) {
	switch {
	case len(t.script) > 0:
		next := t.script[0]
		t.script = t.script[1:]
		t.frames = v.buildFrames(next)
	case r.Params.Depth == remote.StepOut:
		if len(t.frames) > 0 {
			t.frames = t.frames[1:]
		}
		t.frames = v.renumber(t.frames)
	default:
		if len(t.frames) > 0 {
			t.frames[0].Location.Line++
		}
		t.frames = v.renumber(t.frames)
	}

	if len(t.frames) == 0 {
		v.endThreadLocked(t.info.ID)
		return
	}
	v.countLocked(r)
	set := remote.EventSet{
		Policy: r.Params.SuspendPolicy,
		Events: []remote.Event{{
			Kind:     remote.EventStep,
			Request:  r.ID,
			Thread:   t.info.ID,
			Location: t.frames[0].Location,
		}},
	}
	v.suspendForLocked(set.Policy, t.info.ID)
	v.events <- set
}

// renumber hands out fresh frame IDs, since IDs do not survive a resume.
func (v *VM) renumber(frames []remote.FrameInfo) []remote.FrameInfo {
	out := make([]remote.FrameInfo, len(frames))
	for i, f := range frames {
		v.nextFrame++
		f.ID = v.nextFrame
		out[i] = f
	}
	return out
}

// Disconnect drops the connection. Blocked and future calls fail with a
// *remote.TransportError.
func (v *VM) Disconnect() {
	v.closeOnce.Do(func() { close(v.done) })
}

// Done is closed when the VM disconnects.
func (v *VM) Done() <-chan struct{} {
	return v.done
}

func (v *VM) closed() bool {
	select {
	case <-v.done:
		return true
	default:
		return false
	}
}

func transportErr(op string) error {
	return &remote.TransportError{Op: op, Err: remote.ErrDisconnected}
}
