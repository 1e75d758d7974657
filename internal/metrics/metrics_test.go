package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestCountersAcceptObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OpsProcessed.WithLabelValues("orders", "PUT").Inc()
	m.WriteAckLatencySecs.WithLabelValues("APPLIED").Observe(0.01)
	m.ReplicationQuorumFail.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
