package remotetest

import (
	"context"
	"time"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

var _ remote.Session = (*VM)(nil)

// CreateRequest implements remote.Session.
func (v *VM) CreateRequest(_ context.Context, kind remote.RequestKind, params remote.RequestParams) (remote.RequestID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return 0, transportErr("create request")
	}
	if kind == remote.RequestStep {
		if _, ok := v.threads[params.Thread]; !ok {
			return 0, &remote.CommandError{Op: "create request", Code: remote.CodeInvalidThread}
		}
	}
	v.nextRequest++
	params.ClassExclusions = append([]string(nil), params.ClassExclusions...)
	r := &remote.Request{ID: v.nextRequest, Kind: kind, Params: params}
	v.requests[r.ID] = r
	v.created = append(v.created, *r)
	return r.ID, nil
}

// EnableRequest implements remote.Session.
func (v *VM) EnableRequest(_ context.Context, id remote.RequestID) error {
	return v.setEnabled(id, true)
}

// DisableRequest implements remote.Session.
func (v *VM) DisableRequest(_ context.Context, id remote.RequestID) error {
	return v.setEnabled(id, false)
}

func (v *VM) setEnabled(id remote.RequestID, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return transportErr("set request enabled")
	}
	r, ok := v.requests[id]
	if !ok {
		return &remote.CommandError{Op: "set request enabled", Code: remote.CodeInvalidRequest}
	}
	r.Params.Enabled = enabled
	return nil
}

// UpdateRequest implements remote.Session.
func (v *VM) UpdateRequest(_ context.Context, id remote.RequestID, params remote.RequestParams) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return transportErr("update request")
	}
	r, ok := v.requests[id]
	if !ok {
		return &remote.CommandError{Op: "update request", Code: remote.CodeInvalidRequest}
	}
	r.Params = params
	delete(v.hits, id)
	v.updates++
	return nil
}

// DeleteRequest implements remote.Session.
func (v *VM) DeleteRequest(_ context.Context, id remote.RequestID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return transportErr("delete request")
	}
	if v.deleteFunc != nil {
		if err := v.deleteFunc(id); err != nil {
			return err
		}
	}
	if _, ok := v.requests[id]; ok {
		delete(v.requests, id)
		v.deleted = append(v.deleted, id)
	}
	return nil
}

// Resume implements remote.Session.
func (v *VM) Resume(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return transportErr("resume")
	}
	for _, id := range append([]remote.ThreadID(nil), v.order...) {
		if t, ok := v.threads[id]; ok {
			v.resumeLocked(t)
		}
	}
	return nil
}

// Suspend implements remote.Session.
func (v *VM) Suspend(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return transportErr("suspend")
	}
	for _, t := range v.threads {
		t.count++
	}
	return nil
}

// ResumeThread implements remote.Session.
func (v *VM) ResumeThread(_ context.Context, id remote.ThreadID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return transportErr("resume thread")
	}
	t, ok := v.threads[id]
	if !ok {
		return &remote.CommandError{Op: "resume thread", Code: remote.CodeInvalidThread}
	}
	v.resumeLocked(t)
	return nil
}

// SuspendThread implements remote.Session.
func (v *VM) SuspendThread(_ context.Context, id remote.ThreadID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return transportErr("suspend thread")
	}
	t, ok := v.threads[id]
	if !ok {
		return &remote.CommandError{Op: "suspend thread", Code: remote.CodeInvalidThread}
	}
	if !v.neverSuspend {
		t.count++
	}
	return nil
}

// ThreadStatus implements remote.Session.
func (v *VM) ThreadStatus(_ context.Context, id remote.ThreadID) (remote.ThreadInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return remote.ThreadInfo{}, transportErr("thread status")
	}
	t, ok := v.threads[id]
	if !ok {
		return remote.ThreadInfo{}, &remote.CommandError{Op: "thread status", Code: remote.CodeInvalidThread}
	}
	return t.status(), nil
}

func (t *thread) status() remote.ThreadInfo {
	info := t.info
	info.SuspendCount = t.count
	info.Suspended = t.count > 0
	return info
}

// AllThreads implements remote.Session.
func (v *VM) AllThreads(_ context.Context) ([]remote.ThreadInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return nil, transportErr("all threads")
	}
	out := make([]remote.ThreadInfo, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.threads[id].status())
	}
	return out, nil
}

// TypesByName implements remote.Session.
func (v *VM) TypesByName(_ context.Context, name string) ([]remote.TypeInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return nil, transportErr("types by name")
	}
	if ti, ok := v.types[name]; ok {
		return []remote.TypeInfo{ti}, nil
	}
	return nil, nil
}

// Frames implements remote.Session.
func (v *VM) Frames(_ context.Context, id remote.ThreadID) ([]remote.FrameInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return nil, transportErr("frames")
	}
	t, ok := v.threads[id]
	if !ok {
		return nil, &remote.CommandError{Op: "frames", Code: remote.CodeInvalidThread}
	}
	if t.count == 0 {
		return nil, &remote.CommandError{Op: "frames", Code: remote.CodeThreadNotSuspended}
	}
	return append([]remote.FrameInfo(nil), t.frames...), nil
}

// Variables implements remote.Session.
func (v *VM) Variables(_ context.Context, id remote.ThreadID, frame remote.FrameID) ([]remote.Variable, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return nil, transportErr("variables")
	}
	t, ok := v.threads[id]
	if !ok {
		return nil, &remote.CommandError{Op: "variables", Code: remote.CodeInvalidThread}
	}
	for _, f := range t.frames {
		if f.ID == frame {
			return append([]remote.Variable(nil), t.locals[f.Location.Method.Name]...), nil
		}
	}
	return nil, &remote.CommandError{Op: "variables", Code: remote.CodeInvalidFrame}
}

// PopFrames implements remote.Session.
func (v *VM) PopFrames(_ context.Context, id remote.ThreadID) (remote.RequestID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed() {
		return 0, transportErr("pop frames")
	}
	t, ok := v.threads[id]
	if !ok {
		return 0, &remote.CommandError{Op: "pop frames", Code: remote.CodeInvalidThread}
	}
	if t.count == 0 {
		return 0, &remote.CommandError{Op: "pop frames", Code: remote.CodeThreadNotSuspended}
	}
	if len(t.frames) < 2 {
		return 0, &remote.CommandError{Op: "pop frames", Code: remote.CodeInvalidFrame}
	}
	t.frames = t.frames[1:]
	v.pops++
	v.nextRequest++
	id2 := v.nextRequest
	v.events <- remote.EventSet{
		Policy: remote.SuspendNone,
		Events: []remote.Event{{
			Kind:     remote.EventFramesPopped,
			Request:  id2,
			Thread:   id,
			Location: t.frames[0].Location,
		}},
	}
	return id2, nil
}

// Invoke implements remote.Session. The invocation hook runs without the VM
// lock held and is abandoned if the VM disconnects.
func (v *VM) Invoke(ctx context.Context, req remote.InvokeRequest) (remote.InvokeResult, error) {
	v.mu.Lock()
	if v.closed() {
		v.mu.Unlock()
		return remote.InvokeResult{}, transportErr("invoke")
	}
	t, ok := v.threads[req.Thread]
	if !ok {
		v.mu.Unlock()
		return remote.InvokeResult{}, &remote.CommandError{Op: "invoke", Code: remote.CodeInvalidThread}
	}
	if t.count == 0 {
		v.mu.Unlock()
		return remote.InvokeResult{}, &remote.CommandError{Op: "invoke", Code: remote.CodeThreadNotSuspended}
	}
	fn := v.invokeFunc
	v.mu.Unlock()

	if fn == nil {
		return remote.InvokeResult{Value: remote.Void}, nil
	}

	type outcome struct {
		res remote.InvokeResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := fn(ctx, req)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-v.done:
		return remote.InvokeResult{}, transportErr("invoke")
	case <-ctx.Done():
		return remote.InvokeResult{}, ctx.Err()
	}
}

// RedefineType implements remote.Session.
func (v *VM) RedefineType(_ context.Context, typeName string, code []byte) error {
	v.mu.Lock()
	if v.closed() {
		v.mu.Unlock()
		return transportErr("redefine type")
	}
	if _, ok := v.types[typeName]; !ok {
		v.mu.Unlock()
		return &remote.CommandError{Op: "redefine type", Code: remote.CodeInvalidType, Message: typeName}
	}
	fn := v.redefineFunc
	v.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(typeName, code)
}

// RequestTimeout implements remote.Session.
func (v *VM) RequestTimeout() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.timeout
}

// SetRequestTimeout implements remote.Session.
func (v *VM) SetRequestTimeout(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.timeout = d
}

// NextEventSet implements remote.Session. Queued sets are drained before a
// disconnect is reported.
func (v *VM) NextEventSet(ctx context.Context) (remote.EventSet, error) {
	select {
	case set := <-v.events:
		return set, nil
	default:
	}
	select {
	case set := <-v.events:
		return set, nil
	case <-v.done:
		return remote.EventSet{}, transportErr("next event set")
	case <-ctx.Done():
		return remote.EventSet{}, ctx.Err()
	}
}

// Terminate implements remote.Session.
func (v *VM) Terminate(_ context.Context) error {
	if v.closed() {
		return transportErr("terminate")
	}
	v.events <- remote.EventSet{Events: []remote.Event{{Kind: remote.EventVMDeath}}}
	v.Disconnect()
	return nil
}

// Dispose implements remote.Session.
func (v *VM) Dispose(_ context.Context) error {
	v.Disconnect()
	return nil
}
