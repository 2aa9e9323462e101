package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/wasmsnap/hooks"
)

// The expvars are process-global, so they are created exactly once and
// shared by every CompactionRatioListener.
var (
	ratioMetricsOnce  sync.Once
	totalBytesRead    *expvar.Int
	totalBytesWritten *expvar.Int
	compactionEvents  *expvar.Int
	entriesDropped    *expvar.Int
)

func initRatioMetrics() {
	ratioMetricsOnce.Do(func() {
		totalBytesRead = expvar.NewInt("journal_compaction_bytes_read_total")
		totalBytesWritten = expvar.NewInt("journal_compaction_bytes_written_total")
		compactionEvents = expvar.NewInt("journal_compaction_events_total")
		entriesDropped = expvar.NewInt("journal_compaction_entries_dropped_total")
		// Ratio of bytes kept to bytes read, evaluated on every scrape.
		expvar.Publish("journal_compaction_ratio", expvar.Func(func() interface{} {
			read := totalBytesRead.Value()
			if read == 0 {
				return 0.0
			}
			return float64(totalBytesWritten.Value()) / float64(read)
		}))
	})
}

// CompactionRatioListener tracks how much of each compacted journal survives.
type CompactionRatioListener struct {
	logger *slog.Logger

	totalBytesRead    *expvar.Int
	totalBytesWritten *expvar.Int
	compactionEvents  *expvar.Int
	entriesDropped    *expvar.Int
}

// NewCompactionRatioListener creates a new listener.
func NewCompactionRatioListener(logger *slog.Logger) *CompactionRatioListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initRatioMetrics()
	return &CompactionRatioListener{
		logger:            logger.With("component", "CompactionRatioListener"),
		totalBytesRead:    totalBytesRead,
		totalBytesWritten: totalBytesWritten,
		compactionEvents:  compactionEvents,
		entriesDropped:    entriesDropped,
	}
}

// OnEvent is called when a PostCompaction event is triggered.
func (l *CompactionRatioListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostCompactionPayload)
	if !ok {
		return nil
	}
	if payload.Err != nil {
		l.logger.Warn("Compaction failed; not counted", "path", payload.Path, "error", payload.Err)
		return nil
	}

	l.totalBytesRead.Add(payload.BytesIn)
	l.totalBytesWritten.Add(payload.BytesOut)
	l.compactionEvents.Add(1)
	l.entriesDropped.Add(int64(payload.EntriesIn - payload.EntriesOut))

	l.logger.Info("Compaction event processed",
		"path", payload.Path,
		"entries_in", payload.EntriesIn,
		"entries_out", payload.EntriesOut,
		"bytes_read", payload.BytesIn,
		"bytes_written", payload.BytesOut,
		"duration", payload.Duration,
	)
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *CompactionRatioListener) Priority() int {
	return 100
}

// IsAsync indicates this listener can run in the background.
func (l *CompactionRatioListener) IsAsync() bool {
	return true
}
