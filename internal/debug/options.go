package debug

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/vmdebug/internal/logging"
	"github.com/dshills/vmdebug/internal/metrics"
)

// DefaultSuspendTimeout bounds how long Thread.Suspend waits for the VM.
const DefaultSuspendTimeout = 5 * time.Second

const (
	tracerName  = "github.com/dshills/vmdebug/internal/debug"
	suspendPoll = 10 * time.Millisecond
)

// Option configures a Target.
type Option func(*options)

type options struct {
	log            *logging.Logger
	metrics        *metrics.Collector
	tracer         trace.Tracer
	suspendTimeout time.Duration
	invokeTimeout  time.Duration
	filters        StepFilters
	listeners      []BreakpointListener
	notifier       *Notifier
}

func defaultOptions() options {
	return options{
		log:            logging.Discard(),
		tracer:         otel.Tracer(tracerName),
		suspendTimeout: DefaultSuspendTimeout,
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics records metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// WithTracerProvider sets where invocation and step spans are sent.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithSuspendTimeout bounds Thread.Suspend.
func WithSuspendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.suspendTimeout = d
		}
	}
}

// WithInvokeTimeout bounds each method invocation on the client side.
// Zero, the default, waits as long as the invocation takes.
func WithInvokeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.invokeTimeout = d
		}
	}
}

// WithStepFilters sets the initial step filters.
func WithStepFilters(f StepFilters) Option {
	return func(o *options) {
		o.filters = f
	}
}

// WithBreakpointListener registers a listener that votes on every
// breakpoint hit.
func WithBreakpointListener(l BreakpointListener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, l)
	}
}

// WithNotifier shares a notifier between targets.
func WithNotifier(n *Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}
