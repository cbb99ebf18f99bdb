package remote

import (
	"context"
	"time"
)

// Session is a connection to one target VM.
//
// Implementations must be safe for concurrent use: the event loop calls
// NextEventSet while other goroutines create requests and issue thread
// commands.
type Session interface {
	// CreateRequest arms the VM to emit events of the given kind.
	CreateRequest(ctx context.Context, kind RequestKind, params RequestParams) (RequestID, error)
	// EnableRequest and DisableRequest toggle a request without deleting it.
	EnableRequest(ctx context.Context, id RequestID) error
	DisableRequest(ctx context.Context, id RequestID) error
	// UpdateRequest replaces the mutable attributes of a live request.
	UpdateRequest(ctx context.Context, id RequestID, params RequestParams) error
	// DeleteRequest removes a request. Deleting an unknown request is not an error.
	DeleteRequest(ctx context.Context, id RequestID) error

	// Resume and Suspend act on the whole VM.
	Resume(ctx context.Context) error
	Suspend(ctx context.Context) error
	// ResumeThread decrements the suspend count of one thread.
	ResumeThread(ctx context.Context, thread ThreadID) error
	// SuspendThread increments the suspend count of one thread. The thread
	// may keep running for a while after the call returns.
	SuspendThread(ctx context.Context, thread ThreadID) error
	ThreadStatus(ctx context.Context, thread ThreadID) (ThreadInfo, error)
	AllThreads(ctx context.Context) ([]ThreadInfo, error)

	TypesByName(ctx context.Context, name string) ([]TypeInfo, error)

	// Frames returns the stack of a suspended thread, top first.
	Frames(ctx context.Context, thread ThreadID) ([]FrameInfo, error)
	Variables(ctx context.Context, thread ThreadID, frame FrameID) ([]Variable, error)
	// PopFrames discards the top frame of a suspended thread. Completion is
	// reported by an EventFramesPopped event carrying the returned request.
	PopFrames(ctx context.Context, thread ThreadID) (RequestID, error)

	// Invoke runs a method on a suspended thread and blocks until it returns.
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)

	// RedefineType replaces the bytecode of a loaded type.
	RedefineType(ctx context.Context, typeName string, code []byte) error

	// RequestTimeout bounds how long a command may wait for its reply.
	// InfiniteTimeout disables the bound.
	RequestTimeout() time.Duration
	SetRequestTimeout(d time.Duration)

	// NextEventSet blocks until the VM emits an event set.
	NextEventSet(ctx context.Context) (EventSet, error)

	// Terminate kills the target VM. Dispose detaches without killing it.
	Terminate(ctx context.Context) error
	Dispose(ctx context.Context) error
}
