// Package metrics exposes prometheus collectors for journal traffic,
// compaction, replay and checkpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name when none is configured.
const DefaultNamespace = "wasmsnap"

// Registry holds all collectors.
type Registry struct {
	// Journal Metrics
	JournalEntriesTotal     *prometheus.CounterVec
	JournalBytesTotal       *prometheus.CounterVec
	JournalWriteErrorsTotal *prometheus.CounterVec
	JournalFlushesTotal     *prometheus.CounterVec

	// Compaction Metrics
	CompactionRunsTotal      *prometheus.CounterVec
	CompactionEntriesIn      prometheus.Counter
	CompactionEntriesOut     prometheus.Counter
	CompactionBytesReclaimed prometheus.Counter
	CompactionDuration       prometheus.Histogram

	// Replay Metrics
	ReplayEntriesApplied prometheus.Counter
	ReplaySkippedMemory  prometheus.Counter
	ReplaysTotal         *prometheus.CounterVec
	ReplayDuration       prometheus.Histogram

	// Checkpoint Metrics
	CheckpointsTotal         *prometheus.CounterVec
	CheckpointDuration       prometheus.Histogram
	CheckpointQuiescenceWait prometheus.Histogram
	CheckpointGeneration     prometheus.Gauge

	namespace string
	registry  *prometheus.Registry
}

// NewRegistry creates collectors registered on a fresh prometheus
// registry. An empty namespace uses DefaultNamespace.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	r := &Registry{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}
	r.initJournalMetrics()
	r.initCompactionMetrics()
	r.initReplayMetrics()
	r.initCheckpointMetrics()
	return r
}

// GetPrometheusRegistry returns the underlying prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
