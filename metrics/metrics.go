package metrics

import (
	"time"

	"github.com/INLOpen/wasmsnap/core"
)

// Checkpoint outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordJournalWrite records one journal append.
func (r *Registry) RecordJournalWrite(t core.RecordType, size int64, err error) {
	if err != nil {
		r.JournalWriteErrorsTotal.WithLabelValues(t.String()).Inc()
		return
	}
	r.JournalEntriesTotal.WithLabelValues(t.String()).Inc()
	r.JournalBytesTotal.WithLabelValues(t.String()).Add(float64(size))
}

// RecordJournalFlush records one flush.
func (r *Registry) RecordJournalFlush(err error) {
	r.JournalFlushesTotal.WithLabelValues(status(err)).Inc()
}

// RecordCompaction records a finished compaction.
func (r *Registry) RecordCompaction(entriesIn, entriesOut int, bytesIn, bytesOut int64, duration time.Duration, err error) {
	r.CompactionRunsTotal.WithLabelValues(status(err)).Inc()
	if err != nil {
		return
	}
	r.CompactionEntriesIn.Add(float64(entriesIn))
	r.CompactionEntriesOut.Add(float64(entriesOut))
	if bytesIn > bytesOut {
		r.CompactionBytesReclaimed.Add(float64(bytesIn - bytesOut))
	}
	r.CompactionDuration.Observe(duration.Seconds())
}

// RecordReplay records a finished replay.
func (r *Registry) RecordReplay(applied, skippedMemory int, duration time.Duration, err error) {
	r.ReplaysTotal.WithLabelValues(status(err)).Inc()
	r.ReplayEntriesApplied.Add(float64(applied))
	r.ReplaySkippedMemory.Add(float64(skippedMemory))
	r.ReplayDuration.Observe(duration.Seconds())
}

// RecordCheckpoint records a finished checkpoint.
func (r *Registry) RecordCheckpoint(trigger core.SnapshotTrigger, generation uint64, aborted bool, wait, duration time.Duration, err error) {
	outcome := OutcomeCompleted
	switch {
	case aborted:
		outcome = OutcomeAborted
	case err != nil:
		outcome = OutcomeFailed
	}
	r.CheckpointsTotal.WithLabelValues(trigger.String(), outcome).Inc()
	r.CheckpointQuiescenceWait.Observe(wait.Seconds())
	r.CheckpointDuration.Observe(duration.Seconds())
	if generation > 0 {
		r.CheckpointGeneration.Set(float64(generation))
	}
}
