package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gridcache"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Cache operation metrics
	Reads   *prometheus.CounterVec
	Writes  *prometheus.CounterVec
	Hits    *prometheus.CounterVec
	Misses  *prometheus.CounterVec
	Removes *prometheus.CounterVec
	Errors  *prometheus.CounterVec

	// Conflict metrics
	ConflictDecisions *prometheus.CounterVec
	ResolverFailures  prometheus.Counter

	// Topology and affinity metrics
	TopologyVersion         prometheus.Gauge
	AssignmentDuration      prometheus.Histogram
	UnderReplicated         prometheus.Gauge
	StaleTopologyRejections prometheus.Counter

	// Rebalance metrics
	RebalancedEntries      *prometheus.CounterVec
	RebalanceCancellations prometheus.Counter
	EvictedPartitions      prometheus.Counter

	// Replication metrics
	ReplicationFailures *prometheus.CounterVec

	// Entry table metrics
	EntryMemoryBytes *prometheus.GaugeVec
	TombstonesPurged prometheus.Counter
}

// NewMetrics creates metrics registered with reg.
// Tests pass their own prometheus.NewRegistry() so instances never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Reads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_reads_total",
				Help:      "Total number of cache reads",
			},
			[]string{"cache", "node_id"},
		),

		Writes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_writes_total",
				Help:      "Total number of cache writes",
			},
			[]string{"cache", "node_id"},
		),

		Hits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of reads that found a value",
			},
			[]string{"cache", "node_id"},
		),

		Misses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of reads that found no value",
			},
			[]string{"cache", "node_id"},
		),

		Removes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_removes_total",
				Help:      "Total number of cache removals",
			},
			[]string{"cache", "node_id"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Total number of failed cache operations",
			},
			[]string{"operation", "code"},
		),

		ConflictDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflict_decisions_total",
				Help:      "Conflict resolutions by decision",
			},
			[]string{"decision"},
		),

		ResolverFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflict_resolver_failures_total",
				Help:      "Custom resolver failures that fell back to the default resolver",
			},
		),

		TopologyVersion: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "topology_version",
				Help:      "Latest published topology version",
			},
		),

		AssignmentDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "affinity_assignment_duration_seconds",
				Help:      "Time spent computing an affinity assignment",
				Buckets:   prometheus.DefBuckets,
			},
		),

		UnderReplicated: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "under_replicated_partitions",
				Help:      "Partitions with fewer owners than 1 + backups in the latest assignment",
			},
		),

		StaleTopologyRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_topology_rejections_total",
				Help:      "Operations rejected because their topology version was discarded",
			},
		),

		RebalancedEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rebalanced_entries_total",
				Help:      "Entries received during rebalancing by outcome",
			},
			[]string{"outcome"},
		),

		RebalanceCancellations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rebalance_cancellations_total",
				Help:      "Rebalances cancelled by a newer topology version",
			},
		),

		EvictedPartitions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evicted_partitions_total",
				Help:      "Partitions dropped after ownership moved away",
			},
		),

		ReplicationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replication_failures_total",
				Help:      "Failed update deliveries to backups and near readers",
			},
			[]string{"kind"},
		),

		EntryMemoryBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entry_memory_bytes",
				Help:      "Modelled memory footprint of entries held by the node",
			},
			[]string{"node_id"},
		),

		TombstonesPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tombstones_purged_total",
				Help:      "Tombstones removed by garbage collection",
			},
		),
	}
}

// RecordRead records a read and whether it hit
func (m *Metrics) RecordRead(cache, nodeID string, hit bool) {
	m.Reads.WithLabelValues(cache, nodeID).Inc()
	if hit {
		m.Hits.WithLabelValues(cache, nodeID).Inc()
	} else {
		m.Misses.WithLabelValues(cache, nodeID).Inc()
	}
}

// RecordWrite records a write
func (m *Metrics) RecordWrite(cache, nodeID string) {
	m.Writes.WithLabelValues(cache, nodeID).Inc()
}

// RecordRemove records a removal
func (m *Metrics) RecordRemove(cache, nodeID string) {
	m.Removes.WithLabelValues(cache, nodeID).Inc()
}

// RecordError records a failed operation
func (m *Metrics) RecordError(operation, code string) {
	m.Errors.WithLabelValues(operation, code).Inc()
}

// RecordConflict records a conflict decision
func (m *Metrics) RecordConflict(decision string) {
	m.ConflictDecisions.WithLabelValues(decision).Inc()
}

// RecordAssignment records a published assignment
func (m *Metrics) RecordAssignment(topologyVersion int64, seconds float64, underReplicated int) {
	m.TopologyVersion.Set(float64(topologyVersion))
	m.AssignmentDuration.Observe(seconds)
	m.UnderReplicated.Set(float64(underReplicated))
}

// RecordRebalanced records a supplied entry by outcome
func (m *Metrics) RecordRebalanced(outcome string) {
	m.RebalancedEntries.WithLabelValues(outcome).Inc()
}

// RecordReplicationFailure records a failed update delivery
func (m *Metrics) RecordReplicationFailure(kind string) {
	m.ReplicationFailures.WithLabelValues(kind).Inc()
}

// SetEntryMemory sets the modelled footprint of a node's entries
func (m *Metrics) SetEntryMemory(nodeID string, bytes int64) {
	m.EntryMemoryBytes.WithLabelValues(nodeID).Set(float64(bytes))
}
