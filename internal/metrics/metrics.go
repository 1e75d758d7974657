// Package metrics wraps the prometheus counters/histograms/gauges the
// core emits (spec.md §3: ops processed, write-ack latency by level,
// replication quorum failures, GC pruned keys, repair rounds, query
// fan-out latency), registered into a caller-supplied
// prometheus.Registerer. The actual `/metrics` HTTP export is the
// out-of-scope metrics exporter collaborator; cmd/meridiand wires this
// registry into its admin Gin server for convenience only. Grounded on
// `ar4mirez/maia`, `cuemby/warren`, and `MaxIOFS/MaxIOFS`'s use of
// client_golang for this kind of operational metrics surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the core touches.
type Metrics struct {
	OpsProcessed          *prometheus.CounterVec
	WriteAckLatencySecs   *prometheus.HistogramVec
	ReplicationQuorumFail prometheus.Counter
	GCPrunedKeys          *prometheus.CounterVec
	RepairRounds          prometheus.Counter
	QueryFanoutLatencySecs prometheus.Histogram
	ActiveConnections     prometheus.Gauge
	ActiveSubscriptions   prometheus.Gauge
}

// New creates Metrics and registers every collector into reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "ops_processed_total",
			Help:      "Operations processed, by map name and op type.",
		}, []string{"map_name", "op_type"}),
		WriteAckLatencySecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meridian",
			Name:      "write_ack_latency_seconds",
			Help:      "Write-acknowledgement latency, by achieved write concern level.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"level"}),
		ReplicationQuorumFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "replication_quorum_failures_total",
			Help:      "Writes that failed to reach their requested consistency level.",
		}),
		GCPrunedKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "gc_pruned_keys_total",
			Help:      "Tombstoned keys pruned by distributed GC, by map name.",
		}, []string{"map_name"}),
		RepairRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "repair_rounds_total",
			Help:      "Merkle anti-entropy repair rounds run.",
		}),
		QueryFanoutLatencySecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meridian",
			Name:      "query_fanout_latency_seconds",
			Help:      "Distributed query/search scatter-gather latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian",
			Name:      "active_connections",
			Help:      "Currently connected clients.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian",
			Name:      "active_subscriptions",
			Help:      "Currently live query/search subscriptions.",
		}),
	}

	reg.MustRegister(
		m.OpsProcessed,
		m.WriteAckLatencySecs,
		m.ReplicationQuorumFail,
		m.GCPrunedKeys,
		m.RepairRounds,
		m.QueryFanoutLatencySecs,
		m.ActiveConnections,
		m.ActiveSubscriptions,
	)
	return m
}
