package metrics_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/wasmsnap/checkpoint"
	"github.com/INLOpen/wasmsnap/compactor"
	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/hooks"
	"github.com/INLOpen/wasmsnap/internal/testutil"
	"github.com/INLOpen/wasmsnap/logfile"
	"github.com/INLOpen/wasmsnap/metrics"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestNewRegistry(t *testing.T) {
	r := metrics.NewRegistry("")
	require.NotNil(t, r.GetPrometheusRegistry())

	r.RecordJournalFlush(nil)
	families, err := r.GetPrometheusRegistry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "wasmsnap_journal_flushes_total")

	custom := metrics.NewRegistry("guest")
	custom.RecordJournalFlush(nil)
	families, err = custom.GetPrometheusRegistry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	names = names[:0]
	for _, f := range families {
		names = append(names, f.GetName())
		assert.True(t, strings.HasPrefix(f.GetName(), "guest_"), f.GetName())
	}
	assert.Contains(t, names, "guest_journal_flushes_total")
	assert.NotContains(t, names, "wasmsnap_journal_flushes_total")
}

func TestRecordCheckpoint_Outcomes(t *testing.T) {
	r := metrics.NewRegistry("")
	r.RecordCheckpoint(core.TriggerSigint, 1, false, time.Millisecond, 2*time.Millisecond, nil)
	r.RecordCheckpoint(core.TriggerSigint, 2, true, time.Second, time.Second, checkpoint.ErrQuiescenceTimeout)
	r.RecordCheckpoint(core.TriggerExplicit, 3, false, 0, 0, errors.New("disk full"))

	assert.Equal(t, 1.0, counterValue(t, r.CheckpointsTotal.WithLabelValues("sigint", metrics.OutcomeCompleted)))
	assert.Equal(t, 1.0, counterValue(t, r.CheckpointsTotal.WithLabelValues("sigint", metrics.OutcomeAborted)))
	assert.Equal(t, 1.0, counterValue(t, r.CheckpointsTotal.WithLabelValues("explicit", metrics.OutcomeFailed)))
	assert.Equal(t, uint64(3), histogramCount(t, r.CheckpointQuiescenceWait))
}

func TestListener_JournalAndCompaction(t *testing.T) {
	ctx := context.Background()
	r := metrics.NewRegistry("")
	hm := hooks.NewHookManager(nil)
	metrics.NewListener(r).Attach(hm)

	path := testutil.TempJournalPath(t, "metrics")
	w, err := logfile.CreateWriter(path, logfile.Options{SyncMode: logfile.SyncDisabled, HookManager: hm})
	require.NoError(t, err)
	results := testutil.WriteEntries(t, w,
		core.OpenFd{Fd: 4, DirFd: 3, Path: "a"},
		core.CloseFd{Fd: 4},
		core.FdWrite{Fd: core.StdoutFd, Data: []byte("hello")},
	)
	require.NoError(t, w.Close())

	assert.Equal(t, 1.0, counterValue(t, r.JournalEntriesTotal.WithLabelValues(core.TypeOpenFd.String())))
	assert.Equal(t, float64(results[2].RecordSize()), counterValue(t, r.JournalBytesTotal.WithLabelValues(core.TypeFdWrite.String())))
	assert.GreaterOrEqual(t, counterValue(t, r.JournalFlushesTotal.WithLabelValues("success")), 1.0)

	_, err = compactor.CompactFile(ctx, path, compactor.Options{HookManager: hm})
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, r.CompactionRunsTotal.WithLabelValues("success")))
	assert.Equal(t, 3.0, counterValue(t, r.CompactionEntriesIn))
	assert.Equal(t, 2.0, counterValue(t, r.CompactionEntriesOut))
	assert.Greater(t, counterValue(t, r.CompactionBytesReclaimed), 0.0)
}

func TestListener_Checkpoint(t *testing.T) {
	r := metrics.NewRegistry("")
	hm := hooks.NewHookManager(nil)
	metrics.NewListener(r).Attach(hm)

	c := checkpoint.NewCoordinator(checkpoint.Options{HookManager: hm})
	defer c.Close()
	_, err := c.Request(context.Background(), core.TriggerExplicit)
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, r.CheckpointsTotal.WithLabelValues("explicit", metrics.OutcomeCompleted)))
	assert.Equal(t, uint64(1), histogramCount(t, r.CheckpointDuration))
}

func TestListener_Replay(t *testing.T) {
	r := metrics.NewRegistry("")
	l := metrics.NewListener(r)
	err := l.OnEvent(context.Background(), hooks.NewPostReplayEvent(hooks.PostReplayPayload{EntriesApplied: 12, SkippedMemory: 2, Duration: time.Millisecond}))
	require.NoError(t, err)

	assert.Equal(t, 12.0, counterValue(t, r.ReplayEntriesApplied))
	assert.Equal(t, 2.0, counterValue(t, r.ReplaySkippedMemory))
	assert.Equal(t, 1.0, counterValue(t, r.ReplaysTotal.WithLabelValues("success")))
}
