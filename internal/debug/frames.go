package debug

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// FrameKey identifies a frame by position rather than by pointer. Depth is
// counted from the bottom of the stack, starting at 1, so it survives
// calls and returns above the frame.
type FrameKey struct {
	Target uuid.UUID
	Thread remote.ThreadID
	Depth  int
}

// Frame is a stack frame of a suspended thread. Frame objects are reused
// across steps while the same method stays at the same depth.
type Frame struct {
	cache *frameCache
	key   FrameKey

	// Guarded by the owning thread's mutex.
	info      remote.FrameInfo
	vars      []*Variable
	varsKnown bool
}

// Key returns the frame's lookup key.
func (f *Frame) Key() FrameKey { return f.key }

// Depth returns the 1-based depth from the bottom of the stack.
func (f *Frame) Depth() int { return f.key.Depth }

// Thread returns the owning thread.
func (f *Frame) Thread() *Thread { return f.cache.thread }

// ID returns the VM frame ID as of the last stop.
func (f *Frame) ID() remote.FrameID {
	f.cache.thread.mu.Lock()
	defer f.cache.thread.mu.Unlock()
	return f.info.ID
}

// Location returns where the frame is executing.
func (f *Frame) Location() remote.Location {
	f.cache.thread.mu.Lock()
	defer f.cache.thread.mu.Unlock()
	return f.info.Location
}

// IsOutOfSynch reports whether the frame executes a type whose code
// replacement failed.
func (f *Frame) IsOutOfSynch() bool {
	return f.cache.thread.target.IsOutOfSynch(f.Location().TypeName)
}

// Variables returns the frame's locals. Variable objects keep their
// identity by name between stops and record whether their value changed.
func (f *Frame) Variables(ctx context.Context) ([]*Variable, error) {
	th := f.cache.thread
	if _, err := th.Frames(ctx); err != nil {
		return nil, err
	}

	th.mu.Lock()
	if !slices.Contains(f.cache.frames, f) {
		th.mu.Unlock()
		return nil, refuse("variables", th.id, ReasonInvalidFrame)
	}
	if f.varsKnown {
		vars := slices.Clone(f.vars)
		th.mu.Unlock()
		return vars, nil
	}
	frameID := f.info.ID
	th.mu.Unlock()

	remoteVars, err := th.target.session.Variables(ctx, th.id, frameID)
	if err != nil {
		return nil, th.target.remoteFailure("variables", th.id, err)
	}

	th.mu.Lock()
	defer th.mu.Unlock()
	f.vars = mergeVariables(f.vars, remoteVars)
	f.varsKnown = true
	return slices.Clone(f.vars), nil
}

// Variable is a local variable or argument of a frame.
type Variable struct {
	Name     string
	TypeName string
	Argument bool
	Value    remote.Value
	// Changed is set when the value differs from the previous stop.
	Changed bool
}

func mergeVariables(old []*Variable, fresh []remote.Variable) []*Variable {
	byName := make(map[string]*Variable, len(old))
	for _, v := range old {
		byName[v.Name] = v
	}
	out := make([]*Variable, 0, len(fresh))
	for _, rv := range fresh {
		v, ok := byName[rv.Name]
		if !ok {
			out = append(out, &Variable{
				Name:     rv.Name,
				TypeName: rv.TypeName,
				Argument: rv.Argument,
				Value:    rv.Value,
			})
			continue
		}
		v.Changed = !v.Value.Equal(rv.Value)
		v.TypeName = rv.TypeName
		v.Argument = rv.Argument
		v.Value = rv.Value
		out = append(out, v)
	}
	return out
}

// frameCache holds a thread's frames, top first. It is guarded by the
// thread's mutex.
type frameCache struct {
	thread *Thread
	frames []*Frame
	stale  bool
	valid  bool
}

func newFrameCache(th *Thread) *frameCache {
	return &frameCache{thread: th}
}

// invalidate marks the frames for rebinding on the next stop without
// discarding the objects.
func (c *frameCache) invalidate() {
	c.stale = true
}

func (c *frameCache) clear() {
	c.frames = nil
	c.valid = false
	c.stale = false
}

// computeLocked returns the current frames, rebinding from the bottom of
// the stack. Frames are reused while the method at each depth is unchanged;
// the first mismatch breaks the chain and every frame above it is new.
func (c *frameCache) computeLocked(ctx context.Context) ([]*Frame, error) {
	if c.valid && !c.stale {
		return slices.Clone(c.frames), nil
	}
	th := c.thread
	infos, err := th.target.session.Frames(ctx, th.id)
	if err != nil {
		return nil, err
	}

	n := len(infos)
	next := make([]*Frame, n)
	old := c.frames
	chained := true
	for depth := 1; depth <= n; depth++ {
		info := infos[n-depth]
		var f *Frame
		if chained && depth <= len(old) {
			prev := old[len(old)-depth]
			if sameMethod(prev.info.Location, info.Location) {
				f = prev
				f.varsKnown = false
			}
		}
		if f == nil {
			chained = false
			f = &Frame{
				cache: c,
				key:   FrameKey{Target: th.target.id, Thread: th.id, Depth: depth},
			}
		}
		f.info = info
		next[n-depth] = f
	}

	c.frames = next
	c.valid = true
	c.stale = false
	return slices.Clone(next), nil
}

func sameMethod(a, b remote.Location) bool {
	return a.TypeName == b.TypeName && a.Method.Equal(b.Method)
}

// Frames returns the thread's stack, top first. While a method invocation
// is running the frames captured before it are returned unchanged; once a
// breakpoint inside the invoked method stops the thread, the live stack is.
func (th *Thread) Frames(ctx context.Context) ([]*Frame, error) {
	th.mu.Lock()
	if th.invoking && th.state == StateRunning {
		frames := slices.Clone(th.frames.frames)
		th.mu.Unlock()
		return frames, nil
	}
	if th.state != StateSuspended && th.state != StateSuspendedQuiet {
		th.mu.Unlock()
		return nil, refuse("frames", th.id, ReasonThreadNotSuspended)
	}
	frames, err := th.frames.computeLocked(ctx)
	th.mu.Unlock()
	if err != nil {
		return nil, th.target.remoteFailure("frames", th.id, err)
	}
	return frames, nil
}

// TopFrame returns the innermost frame.
func (th *Thread) TopFrame(ctx context.Context) (*Frame, error) {
	frames, err := th.Frames(ctx)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, refuse("top frame", th.id, ReasonInvalidFrame)
	}
	return frames[0], nil
}
