package remotetest

import "github.com/dshills/vmdebug/internal/debug/remote"

// Requests returns the live requests of the given kind in creation order.
func (v *VM) Requests(kind remote.RequestKind) []remote.Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []remote.Request
	for _, id := range v.sortedRequests() {
		if r := v.requests[id]; r.Kind == kind {
			out = append(out, *r)
		}
	}
	return out
}

// Request returns a live request.
func (v *VM) Request(id remote.RequestID) (remote.Request, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.requests[id]
	if !ok {
		return remote.Request{}, false
	}
	return *r, true
}

// Created returns every request ever created with the given kind.
func (v *VM) Created(kind remote.RequestKind) []remote.Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []remote.Request
	for _, r := range v.created {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Deleted returns the IDs of deleted requests in deletion order.
func (v *VM) Deleted() []remote.RequestID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]remote.RequestID(nil), v.deleted...)
}

// Updates returns how many times UpdateRequest succeeded.
func (v *VM) Updates() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.updates
}

// Pops returns how many frames have been popped.
func (v *VM) Pops() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pops
}

// Depth returns the stack depth of a thread.
func (v *VM) Depth(id remote.ThreadID) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.threads[id]; ok {
		return len(t.frames)
	}
	return 0
}

// SuspendCount returns the VM's suspend count for a thread.
func (v *VM) SuspendCount(id remote.ThreadID) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.threads[id]; ok {
		return t.count
	}
	return 0
}

// Alive reports whether a thread exists.
func (v *VM) Alive(id remote.ThreadID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.threads[id]
	return ok
}
