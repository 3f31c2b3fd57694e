package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Error(t, Register(reg), "registering twice")

	RoutingFailures.WithLabelValues("write").Inc()
	ReactorTransitions.WithLabelValues("nothing", "primary").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
		assert.True(t, strings.HasPrefix(f.GetName(), namespace+"_"), f.GetName())
	}
	assert.True(t, names["strata_namespace_routing_failures_total"])
	assert.True(t, names["strata_reactor_transitions_total"])
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(MailboxDropped.WithLabelValues("test"))
	MailboxDropped.WithLabelValues("test").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MailboxDropped.WithLabelValues("test")))

	PeersConnected.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(PeersConnected))
	PeersConnected.Set(0)
}
