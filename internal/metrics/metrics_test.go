package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "")

	c.EventSet("resumed")
	c.EventSet("resumed")
	c.Step("into", "completed")
	c.SecondaryStep()
	c.Invocation("value", 20*time.Millisecond)
	c.BreakpointRequestsAdded(3)
	c.BreakpointRequestsAdded(-1)
	c.BreakpointVote("suspend")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.EventSets.WithLabelValues("resumed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Steps.WithLabelValues("into", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SecondarySteps))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Invocations.WithLabelValues("value")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.BreakpointRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BreakpointVotes.WithLabelValues("suspend")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "vmdebug_invocation_duration_seconds")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.EventSet("dropped")
		c.ListenerPanic()
		c.Step("over", "aborted")
		c.SecondaryStep()
		c.Invocation("error", time.Second)
		c.BreakpointRequestsAdded(1)
		c.BreakpointVote("resume")
	})
}
