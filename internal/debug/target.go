package debug

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/dshills/vmdebug/internal/debug/remote"
	"github.com/dshills/vmdebug/internal/event/dispatch"
	"github.com/dshills/vmdebug/internal/logging"
	"github.com/dshills/vmdebug/internal/metrics"
)

// Target is one debug session with a target VM. It owns the threads and
// installed breakpoints of that session and is torn down as a unit.
type Target struct {
	id         uuid.UUID
	session    remote.Session
	dispatcher *dispatch.Dispatcher
	installer  *installer
	notifier   *Notifier

	log            *logging.Logger
	metrics        *metrics.Collector
	tracer         trace.Tracer
	suspendTimeout time.Duration
	invokeTimeout  time.Duration

	mu           sync.RWMutex
	threads      []*Thread
	byID         map[remote.ThreadID]*Thread
	suspended    bool
	suspendCount int
	outOfSynch   map[string]bool
	filters      StepFilters
	listeners    []*listenerEntry

	// invokeMu guards the request timeout saved while any thread invokes.
	invokeMu     sync.Mutex
	invocations  int
	savedTimeout time.Duration

	closed       atomic.Bool
	terminated   atomic.Bool
	disconnected atomic.Bool

	threadStart remote.RequestID
	threadDeath remote.RequestID
}

// NewTarget attaches to a session: it arms thread life cycle requests,
// mirrors the threads that already exist and starts the event loop.
func NewTarget(ctx context.Context, session remote.Session, opts ...Option) (*Target, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.filters.Validate(); err != nil {
		return nil, err
	}
	if o.notifier == nil {
		o.notifier = NewNotifier()
	}

	t := &Target{
		id:             uuid.New(),
		session:        session,
		notifier:       o.notifier,
		metrics:        o.metrics,
		tracer:         o.tracer,
		suspendTimeout: o.suspendTimeout,
		invokeTimeout:  o.invokeTimeout,
		byID:           make(map[remote.ThreadID]*Thread),
		outOfSynch:     make(map[string]bool),
		filters:        o.filters,
	}
	for _, l := range o.listeners {
		t.listeners = append(t.listeners, &listenerEntry{l})
	}
	t.log = o.log.WithComponent("target").WithField("target", t.id.String())
	t.installer = newInstaller(t)
	t.dispatcher = dispatch.New(coordinatedSource{t}, t,
		dispatch.WithLogger(o.log),
		dispatch.WithMetrics(o.metrics),
		dispatch.WithDisconnectHandler(t.handleDisconnect),
		dispatch.WithUnsolicitedListener(dispatch.ListenerFunc(t.handleVMEvent)),
	)

	var err error
	t.threadStart, err = t.dispatcher.Install(func() (remote.RequestID, error) {
		return session.CreateRequest(ctx, remote.RequestThreadStart, remote.RequestParams{
			SuspendPolicy: remote.SuspendNone,
			Enabled:       true,
		})
	}, dispatch.ListenerFunc(t.handleThreadStart))
	if err != nil {
		return nil, fmt.Errorf("creating thread start request: %w", err)
	}
	t.threadDeath, err = t.dispatcher.Install(func() (remote.RequestID, error) {
		return session.CreateRequest(ctx, remote.RequestThreadDeath, remote.RequestParams{
			SuspendPolicy: remote.SuspendNone,
			Enabled:       true,
		})
	}, dispatch.ListenerFunc(t.handleThreadDeath))
	if err != nil {
		return nil, fmt.Errorf("creating thread death request: %w", err)
	}

	infos, err := session.AllThreads(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}

	t.notify(Notification{Kind: KindCreate})
	for _, info := range infos {
		t.addThread(info)
	}

	if err := t.dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	t.log.Debug("attached with %d threads", len(infos))
	return t, nil
}

// ID returns the target's identity.
func (t *Target) ID() uuid.UUID {
	return t.id
}

// Session returns the underlying session.
func (t *Target) Session() remote.Session {
	return t.session
}

// Subscribe registers fn for notifications from this target.
func (t *Target) Subscribe(fn func(Notification)) (cancel func()) {
	return t.notifier.Subscribe(func(n Notification) {
		if n.Target == t.id {
			fn(n)
		}
	})
}

func (t *Target) notify(n Notification) {
	n.Target = t.id
	t.notifier.Publish(n)
}

// Threads returns the live threads in creation order.
func (t *Target) Threads() []*Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.threads)
}

// Thread returns the thread with the given ID, or nil.
func (t *Target) Thread(id remote.ThreadID) *Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

func (t *Target) addThread(info remote.ThreadInfo) *Thread {
	t.mu.Lock()
	if th, ok := t.byID[info.ID]; ok {
		t.mu.Unlock()
		return th
	}
	th := newThread(t, info)
	t.threads = append(t.threads, th)
	t.byID[info.ID] = th
	t.mu.Unlock()

	t.notify(Notification{Kind: KindCreate, Thread: th.id})
	return th
}

func (t *Target) removeThread(id remote.ThreadID) *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.byID[id]
	if !ok {
		return nil
	}
	delete(t.byID, id)
	t.threads = slices.DeleteFunc(t.threads, func(x *Thread) bool { return x == th })
	return th
}

// StepFilters returns the active step filters.
func (t *Target) StepFilters() StepFilters {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filters
}

// SetStepFilters replaces the step filters. Steps already in flight keep
// the filters they started with for their request, but landing checks use
// the new ones.
func (t *Target) SetStepFilters(f StepFilters) error {
	if err := f.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.filters = f
	t.mu.Unlock()
	t.notify(Notification{Kind: KindChange})
	return nil
}

// listenerEntry gives a listener an identity for removal.
type listenerEntry struct {
	l BreakpointListener
}

// AddBreakpointListener registers l and returns a function removing it.
func (t *Target) AddBreakpointListener(l BreakpointListener) (remove func()) {
	e := &listenerEntry{l}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, e)
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.listeners = slices.DeleteFunc(t.listeners, func(x *listenerEntry) bool { return x == e })
	}
}

// voteBreakpoint polls every breakpoint listener. With no listeners the
// thread suspends.
func (t *Target) voteBreakpoint(ctx context.Context, th *Thread, bp *Breakpoint) bool {
	t.mu.RLock()
	listeners := slices.Clone(t.listeners)
	t.mu.RUnlock()

	votes := make([]Vote, 0, len(listeners))
	for _, e := range listeners {
		votes = append(votes, e.l.BreakpointHit(ctx, th, bp))
	}
	suspend := decideVotes(votes)
	if suspend {
		t.metrics.BreakpointVote("suspend")
	} else {
		t.metrics.BreakpointVote("resume")
	}
	return suspend
}

// IsAvailable reports whether the target can still accept requests.
func (t *Target) IsAvailable() bool {
	return !t.closed.Load()
}

// IsTerminated reports whether the target VM was terminated.
func (t *Target) IsTerminated() bool {
	return t.terminated.Load()
}

// IsDisconnected reports whether the session was lost or detached.
func (t *Target) IsDisconnected() bool {
	return t.disconnected.Load()
}

// IsSuspended reports whether the whole VM is suspended.
func (t *Target) IsSuspended() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.suspended
}

// SuspendCount returns the number of outstanding VM-wide suspends.
func (t *Target) SuspendCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.suspendCount
}

// Suspend suspends the whole VM.
func (t *Target) Suspend(ctx context.Context) error {
	if !t.IsAvailable() {
		return refuse("suspend", 0, ReasonTargetUnavailable)
	}
	if err := t.session.Suspend(ctx); err != nil {
		return t.remoteFailure("suspend", 0, err)
	}
	t.mu.Lock()
	t.suspendCount++
	t.suspended = true
	threads := slices.Clone(t.threads)
	t.mu.Unlock()

	for _, th := range threads {
		th.suspendedByVM(DetailClientRequest)
	}
	t.notify(Notification{Kind: KindSuspend, Detail: DetailClientRequest})
	return nil
}

// Resume resumes the whole VM. Threads with outstanding suspends of their
// own stay suspended.
func (t *Target) Resume(ctx context.Context) error {
	if !t.IsAvailable() {
		return refuse("resume", 0, ReasonTargetUnavailable)
	}
	if err := t.session.Resume(ctx); err != nil {
		return t.remoteFailure("resume", 0, err)
	}
	t.mu.Lock()
	if t.suspendCount > 0 {
		t.suspendCount--
	}
	t.suspended = t.suspendCount > 0
	threads := slices.Clone(t.threads)
	t.mu.Unlock()

	for _, th := range threads {
		th.resumedByVM(DetailClientRequest)
	}
	t.notify(Notification{Kind: KindResume, Detail: DetailClientRequest})
	return nil
}

// Terminate kills the target VM. It is idempotent.
func (t *Target) Terminate(ctx context.Context) error {
	if !t.IsAvailable() {
		return nil
	}
	if err := t.session.Terminate(ctx); err != nil && !remote.IsTransport(err) {
		return wrapRemote("terminate", 0, err)
	}
	t.shutdown(ctx, true)
	return nil
}

// Disconnect detaches from the target VM and leaves it running. It is
// idempotent.
func (t *Target) Disconnect(ctx context.Context) error {
	if !t.IsAvailable() {
		return nil
	}
	t.shutdown(ctx, false)
	if err := t.session.Dispose(ctx); err != nil && !remote.IsTransport(err) {
		return wrapRemote("disconnect", 0, err)
	}
	return nil
}

// Done is closed once the event loop has exited.
func (t *Target) Done() <-chan struct{} {
	return t.dispatcher.Done()
}

func (t *Target) handleDisconnect(err error) {
	t.log.WithError(err).Info("target disconnected")
	t.shutdown(context.Background(), false)
}

// lostTransport is called by any operation that hit a transport failure.
func (t *Target) lostTransport(err error) {
	t.handleDisconnect(err)
}

// remoteFailure converts a session error and reacts to transport loss.
func (t *Target) remoteFailure(op string, thread remote.ThreadID, err error) error {
	if remote.IsTransport(err) {
		t.lostTransport(err)
	}
	return wrapRemote(op, thread, err)
}

// shutdown is the single transition into the terminated or disconnected
// state. Only the first caller performs it.
func (t *Target) shutdown(ctx context.Context, terminated bool) {
	if !t.closed.CAS(false, true) {
		return
	}
	if terminated {
		t.terminated.Store(true)
	} else {
		t.disconnected.Store(true)
	}

	t.mu.Lock()
	threads := slices.Clone(t.threads)
	t.threads = nil
	t.byID = make(map[remote.ThreadID]*Thread)
	t.suspended = false
	t.suspendCount = 0
	t.mu.Unlock()

	for _, th := range threads {
		th.terminate(ctx)
	}
	t.installer.clear()
	t.dispatcher.Shutdown()

	detail := DetailUnspecified
	if !terminated {
		detail = DetailClientRequest
	}
	t.log.Info("target shut down (terminated=%t)", terminated)
	t.notify(Notification{Kind: KindTerminate, Detail: detail})
}

// IsOutOfSynch reports whether a failed code replace left typeName stale.
func (t *Target) IsOutOfSynch(typeName string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.outOfSynch[typeName]
}

// OutOfSynchTypes returns the stale type names, sorted.
func (t *Target) OutOfSynchTypes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.outOfSynch))
	for name := range t.outOfSynch {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (t *Target) setOutOfSynch(typeName string, stale bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stale {
		t.outOfSynch[typeName] = true
	} else {
		delete(t.outOfSynch, typeName)
	}
}
