package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

func (r *Registry) initJournalMetrics() {
	r.JournalEntriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "journal_entries_total",
			Help:      "Journal records written, by entry type",
		},
		[]string{"type"},
	)

	r.JournalBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "journal_bytes_total",
			Help:      "Framed journal bytes written, by entry type",
		},
		[]string{"type"},
	)

	r.JournalWriteErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "journal_write_errors_total",
			Help:      "Journal writes that failed, by entry type",
		},
		[]string{"type"},
	)

	r.JournalFlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "journal_flushes_total",
			Help:      "Journal flushes, by status",
		},
		[]string{"status"},
	)
}

func (r *Registry) initCompactionMetrics() {
	r.CompactionRunsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "compaction_runs_total",
			Help:      "Journal compactions, by status",
		},
		[]string{"status"},
	)

	r.CompactionEntriesIn = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "compaction_entries_in_total",
			Help:      "Records read by compactions",
		},
	)

	r.CompactionEntriesOut = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "compaction_entries_out_total",
			Help:      "Records kept by compactions",
		},
	)

	r.CompactionBytesReclaimed = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "compaction_bytes_reclaimed_total",
			Help:      "Journal bytes removed by compactions",
		},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: r.namespace,
			Name:      "compaction_duration_seconds",
			Help:      "Compaction duration in seconds",
			Buckets:   durationBuckets,
		},
	)
}

func (r *Registry) initReplayMetrics() {
	r.ReplayEntriesApplied = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "replay_entries_applied_total",
			Help:      "Journal records applied by replays",
		},
	)

	r.ReplaySkippedMemory = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "replay_skipped_memory_total",
			Help:      "Memory updates skipped because they belong to another module",
		},
	)

	r.ReplaysTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "replays_total",
			Help:      "Journal replays, by status",
		},
		[]string{"status"},
	)

	r.ReplayDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: r.namespace,
			Name:      "replay_duration_seconds",
			Help:      "Replay duration in seconds",
			Buckets:   durationBuckets,
		},
	)
}

func (r *Registry) initCheckpointMetrics() {
	r.CheckpointsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints, by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	r.CheckpointDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: r.namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Checkpoint duration in seconds, including the quiescence wait",
			Buckets:   durationBuckets,
		},
	)

	r.CheckpointQuiescenceWait = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: r.namespace,
			Name:      "checkpoint_quiescence_wait_seconds",
			Help:      "Time taken by guest threads to reach a safe point",
			Buckets:   durationBuckets,
		},
	)

	r.CheckpointGeneration = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: r.namespace,
			Name:      "checkpoint_generation",
			Help:      "Generation of the latest checkpoint",
		},
	)
}
