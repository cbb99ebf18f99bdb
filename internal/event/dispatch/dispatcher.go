package dispatch

import (
	"context"
	"sync"

	"github.com/dshills/vmdebug/internal/debug/remote"
	"github.com/dshills/vmdebug/internal/logging"
	"github.com/dshills/vmdebug/internal/metrics"
)

// Listener handles the events produced by one request. The return value is
// a resume vote: true if the listener is happy for the set to resume.
type Listener interface {
	HandleEvent(ctx context.Context, ev remote.Event, set remote.EventSet) bool
}

// SetCompleter is implemented by listeners that need the aggregate decision
// for their set. It is called after every listener in the set has voted and
// before the set is resumed.
type SetCompleter interface {
	EventSetComplete(ctx context.Context, ev remote.Event, set remote.EventSet, resume bool)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev remote.Event, set remote.EventSet) bool

// HandleEvent implements Listener.
func (f ListenerFunc) HandleEvent(ctx context.Context, ev remote.Event, set remote.EventSet) bool {
	return f(ctx, ev, set)
}

// Source produces event sets.
type Source interface {
	NextEventSet(ctx context.Context) (remote.EventSet, error)
}

// Resumer resumes whatever an event set suspended.
type Resumer interface {
	ResumeEventSet(ctx context.Context, set remote.EventSet) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l.WithComponent("dispatch")
	}
}

// WithMetrics records dispatch metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = c
	}
}

// WithDisconnectHandler is called once when the source reports a transport
// failure.
func WithDisconnectHandler(fn func(err error)) Option {
	return func(d *Dispatcher) {
		d.onDisconnect = fn
	}
}

// WithUnsolicitedListener handles events that carry no request, such as
// VM start and VM death.
func WithUnsolicitedListener(l Listener) Option {
	return func(d *Dispatcher) {
		d.unsolicited = l
	}
}

// WithPanicHandler sets the handler invoked when a listener panics.
func WithPanicHandler(h PanicHandler) Option {
	return func(d *Dispatcher) {
		d.panicHandler = h
	}
}

// Dispatcher owns the event loop of one target.
type Dispatcher struct {
	source  Source
	resumer Resumer

	executor     *Executor
	panicHandler PanicHandler
	log          *logging.Logger
	metrics      *metrics.Collector
	onDisconnect func(error)

	mu          sync.RWMutex
	listeners   map[remote.RequestID]Listener
	unsolicited Listener

	stateMu sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	disconnectOnce sync.Once
}

// New creates a dispatcher reading from source and resuming through resumer.
func New(source Source, resumer Resumer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:    source,
		resumer:   resumer,
		log:       logging.Discard(),
		listeners: make(map[remote.RequestID]Listener),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.executor = NewExecutor(WithExecutorPanicHandler(d.handlePanic))
	return d
}

func (d *Dispatcher) handlePanic(ev remote.Event, r any, stack []byte) {
	d.metrics.ListenerPanic()
	d.log.WithFields(map[string]any{
		"event":   ev.Kind.String(),
		"request": ev.Request,
	}).Error("listener panicked: %v\n%s", r, stack)
	if d.panicHandler != nil {
		d.panicHandler(ev, r, stack)
	}
}

// AddListener registers l for events produced by request id.
func (d *Dispatcher) AddListener(id remote.RequestID, l Listener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[id]; ok {
		return ErrDuplicateListener
	}
	d.listeners[id] = l
	return nil
}

// Install creates a request and registers l for it atomically with respect
// to event routing. The write lock is held across create, so the event loop
// waits for the round trip before it can route an event for the new id.
// create must not call back into the dispatcher.
func (d *Dispatcher) Install(create func() (remote.RequestID, error), l Listener) (remote.RequestID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := create()
	if err != nil {
		return 0, err
	}
	d.listeners[id] = l
	return id, nil
}

// RemoveListener unregisters the listener for request id. It is safe to
// call from inside that listener's HandleEvent.
func (d *Dispatcher) RemoveListener(id remote.RequestID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, id)
}

// Listener returns the listener registered for id.
func (d *Dispatcher) Listener(id remote.RequestID) (Listener, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.listeners[id]
	return l, ok
}

// ListenerCount returns the number of registered listeners.
func (d *Dispatcher) ListenerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

func (d *Dispatcher) lookup(id remote.RequestID) Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id == 0 {
		return d.unsolicited
	}
	return d.listeners[id]
}

// Start launches the event loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.running || d.stopped {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	go d.run(ctx)
	return nil
}

// Shutdown stops the loop without waiting for it. It may be called from a
// listener. Use Done to wait.
func (d *Dispatcher) Shutdown() {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
	}
	if !d.running {
		close(d.done)
	}
}

// Done is closed when the loop has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// IsRunning reports whether the loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.running && !d.stopped
}

func (d *Dispatcher) isStopped() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.stopped
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		set, err := d.source.NextEventSet(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.disconnected(err)
			return
		}
		if d.isStopped() {
			d.metrics.EventSet("dropped")
			return
		}
		d.Dispatch(ctx, set)
	}
}

func (d *Dispatcher) disconnected(err error) {
	d.disconnectOnce.Do(func() {
		d.log.WithError(err).Info("event stream closed")
		if d.onDisconnect != nil {
			d.onDisconnect(err)
		}
	})
}

type polled struct {
	listener Listener
	event    remote.Event
}

// Dispatch routes one event set and resumes it if every listener voted to
// resume. It returns the decision. The loop calls it for every set; tests
// may call it directly.
func (d *Dispatcher) Dispatch(ctx context.Context, set remote.EventSet) bool {
	resume := true
	handled := make([]polled, 0, len(set.Events))

	for _, ev := range set.Events {
		l := d.lookup(ev.Request)
		if l == nil {
			d.log.Debug("no listener for %s event (request %d)", ev.Kind, ev.Request)
			continue
		}
		if res := d.executor.Vote(ctx, l, ev, set); !res.Resume {
			resume = false
		}
		handled = append(handled, polled{listener: l, event: ev})
	}

	for _, h := range handled {
		if c, ok := h.listener.(SetCompleter); ok {
			d.executor.Complete(ctx, c, h.event, set, resume)
		}
	}

	if !resume {
		d.metrics.EventSet("suspended")
		return false
	}
	if set.Policy == remote.SuspendNone || d.resumer == nil || d.isStopped() {
		d.metrics.EventSet("resumed")
		return true
	}
	if err := d.resumer.ResumeEventSet(ctx, set); err != nil {
		if remote.IsTransport(err) {
			d.disconnected(err)
		} else {
			d.log.WithError(err).Warn("resuming event set")
		}
	}
	d.metrics.EventSet("resumed")
	return true
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, set remote.EventSet) error

// ResumeEventSet implements Resumer.
func (f ResumerFunc) ResumeEventSet(ctx context.Context, set remote.EventSet) error {
	return f(ctx, set)
}
