// Package metrics defines the Prometheus collectors exported by the
// debugger core.
//
// A nil *Collector is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "vmdebug"

// Collector groups the core's metrics.
type Collector struct {
	// EventSets counts dispatched event sets by outcome (resumed, suspended, dropped).
	EventSets *prometheus.CounterVec

	// ListenerPanics counts recovered listener panics.
	ListenerPanics prometheus.Counter

	// Steps counts finished steps by kind and result (completed, aborted).
	Steps *prometheus.CounterVec

	// SecondarySteps counts steps re-issued after landing in a filtered location.
	SecondarySteps prometheus.Counter

	// Invocations counts method invocations by result (value, thrown, error).
	Invocations *prometheus.CounterVec

	// InvocationDuration observes how long invocations block the caller.
	InvocationDuration prometheus.Histogram

	// BreakpointRequests tracks live breakpoint requests.
	BreakpointRequests prometheus.Gauge

	// BreakpointVotes counts breakpoint arbitration outcomes by vote.
	BreakpointVotes *prometheus.CounterVec
}

// New registers the collectors on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Collector{
		EventSets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sets_total",
			Help:      "Event sets dispatched, by outcome",
		}, []string{"outcome"}),
		ListenerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Event listeners that panicked",
		}),
		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps finished, by kind and result",
		}, []string{"kind", "result"}),
		SecondarySteps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secondary_steps_total",
			Help:      "Step requests re-issued after a filtered landing",
		}),
		Invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Method invocations, by result",
		}, []string{"result"}),
		InvocationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Duration of method invocations",
			Buckets:   prometheus.DefBuckets,
		}),
		BreakpointRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breakpoint_requests",
			Help:      "Live breakpoint requests across targets",
		}),
		BreakpointVotes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breakpoint_votes_total",
			Help:      "Breakpoint hit arbitration outcomes",
		}, []string{"vote"}),
	}
}

// EventSet records a dispatched event set.
func (c *Collector) EventSet(outcome string) {
	if c == nil {
		return
	}
	c.EventSets.WithLabelValues(outcome).Inc()
}

// ListenerPanic records a recovered panic.
func (c *Collector) ListenerPanic() {
	if c == nil {
		return
	}
	c.ListenerPanics.Inc()
}

// Step records a finished step.
func (c *Collector) Step(kind, result string) {
	if c == nil {
		return
	}
	c.Steps.WithLabelValues(kind, result).Inc()
}

// SecondaryStep records a re-issued step.
func (c *Collector) SecondaryStep() {
	if c == nil {
		return
	}
	c.SecondarySteps.Inc()
}

// Invocation records a finished invocation.
func (c *Collector) Invocation(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Invocations.WithLabelValues(result).Inc()
	c.InvocationDuration.Observe(d.Seconds())
}

// BreakpointRequestsAdded adjusts the live breakpoint request gauge.
func (c *Collector) BreakpointRequestsAdded(n int) {
	if c == nil {
		return
	}
	c.BreakpointRequests.Add(float64(n))
}

// BreakpointVote records an arbitration outcome.
func (c *Collector) BreakpointVote(vote string) {
	if c == nil {
		return
	}
	c.BreakpointVotes.WithLabelValues(vote).Inc()
}
