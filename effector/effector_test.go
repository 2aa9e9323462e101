package effector_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/wasmsnap/compressors"
	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/effector"
	"github.com/INLOpen/wasmsnap/journal"
	"github.com/INLOpen/wasmsnap/vproc"
)

// failingJournal rejects every write with err.
type failingJournal struct {
	err    error
	writes int
}

func (f *failingJournal) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	f.writes++
	return core.LogWriteResult{}, f.err
}

func (f *failingJournal) Flush(context.Context) error { return f.err }

func newEffector(t *testing.T, j journal.Writable) (*effector.Effector, *vproc.Process) {
	t.Helper()
	p := vproc.New(vproc.Options{})
	x := effector.New(effector.Options{
		Journal:    j,
		Target:     p,
		ModuleHash: core.HashModule([]byte("module")),
	})
	return x, p
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := effector.ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, effector.FailStrict, p)

	p, err = effector.ParseFailurePolicy("lenient")
	require.NoError(t, err)
	assert.Equal(t, effector.FailLenient, p)

	_, err = effector.ParseFailurePolicy("panic")
	assert.Error(t, err)
}

func TestSave_FailurePolicy(t *testing.T) {
	ctx := context.Background()
	diskFull := errors.New("disk full")

	testCases := []struct {
		name        string
		policy      effector.FailurePolicy
		err         error
		wantErr     bool
		wantEnabled bool
	}{
		{name: "strict surfaces failures", policy: effector.FailStrict, err: diskFull, wantErr: true, wantEnabled: true},
		{name: "lenient disables capture", policy: effector.FailLenient, err: diskFull, wantEnabled: false},
		{name: "strict read-only journal is fatal", policy: effector.FailStrict, err: core.ErrJournalReadOnly, wantErr: true, wantEnabled: true},
		{name: "strict unsupported journal is fatal", policy: effector.FailStrict, err: core.ErrJournalUnsupported, wantErr: true, wantEnabled: true},
		{name: "lenient unsupported journal is fatal and disables capture", policy: effector.FailLenient, err: core.ErrJournalUnsupported, wantErr: true, wantEnabled: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			j := &failingJournal{err: tc.err}
			x := effector.New(effector.Options{Journal: j, Target: vproc.New(vproc.Options{}), FailurePolicy: tc.policy})

			err := x.SaveFdClose(ctx, 3)
			if tc.wantErr {
				var saveErr *effector.SaveError
				require.ErrorAs(t, err, &saveErr)
				assert.Equal(t, "CloseFd", saveErr.Op)
				assert.ErrorIs(t, err, tc.err)
				assert.Equal(t, core.IsCapabilityError(tc.err), core.IsCapabilityError(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.wantEnabled, x.Enabled())

			// A disabled effector no longer touches the journal.
			_ = x.SaveFdClose(ctx, 4)
			if tc.wantEnabled {
				assert.Equal(t, 2, j.writes)
			} else {
				assert.Equal(t, 1, j.writes)
			}
		})
	}
}

func TestSave_UnsupportedJournalRejects(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []effector.FailurePolicy{effector.FailStrict, effector.FailLenient} {
		t.Run(string(policy), func(t *testing.T) {
			x := effector.New(effector.Options{Journal: journal.NewUnsupported(), Target: vproc.New(vproc.Options{}), FailurePolicy: policy})

			err := x.SaveFdClose(ctx, 3)
			var saveErr *effector.SaveError
			require.ErrorAs(t, err, &saveErr)
			assert.ErrorIs(t, err, core.ErrJournalUnsupported)
			assert.True(t, core.IsCapabilityError(err))
		})
	}
}

func TestNew_NilJournalDisablesCapture(t *testing.T) {
	x := effector.New(effector.Options{Target: vproc.New(vproc.Options{})})
	assert.False(t, x.Enabled())
	require.NoError(t, x.SaveFdClose(context.Background(), 3))

	stats, err := x.SaveSnapshot(context.Background(), core.TriggerExplicit)
	require.NoError(t, err)
	assert.Zero(t, stats)
}

func TestNew_CompressorFromJournal(t *testing.T) {
	zstd, err := compressors.ForType(core.CompressionZSTD)
	require.NoError(t, err)
	x := effector.New(effector.Options{Journal: compressedJournal{Buffered: journal.NewBuffered(), c: zstd}})
	assert.Equal(t, core.CompressionZSTD, x.Compressor().Type())

	x = effector.New(effector.Options{Journal: journal.NewBuffered()})
	assert.Equal(t, compressors.Default().Type(), x.Compressor().Type())
}

type compressedJournal struct {
	*journal.Buffered
	c core.Compressor
}

func (j compressedJournal) Compressor() core.Compressor { return j.c }

func TestMemoryMatches(t *testing.T) {
	hash := core.HashModule([]byte("module"))
	x := effector.New(effector.Options{ModuleHash: hash})
	assert.True(t, x.MemoryMatches(hash))
	assert.True(t, x.MemoryMatches(core.ModuleHash{}))
	assert.False(t, x.MemoryMatches(core.HashModule([]byte("other"))))

	anyModule := effector.New(effector.Options{})
	assert.True(t, anyModule.MemoryMatches(hash))
}

func TestSaveUpdateMemory_ApplyRoundTrip(t *testing.T) {
	ctx := context.Background()
	buf := journal.NewBuffered()
	x, _ := newEffector(t, buf)

	data := bytes.Repeat([]byte("page"), 100)
	require.NoError(t, x.SaveUpdateMemory(ctx, 1000, data))

	entries := buf.Entries()
	require.Len(t, entries, 1)
	update, ok := entries[0].(core.UpdateMemoryRegion)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), update.Start)
	assert.Equal(t, uint64(1000+len(data)), update.End)
	assert.Equal(t, x.ModuleHash(), update.ModuleHash)

	target := vproc.New(vproc.Options{})
	replayer := effector.New(effector.Options{Target: target})
	require.NoError(t, replayer.Apply(ctx, update))
	got := make([]byte, len(data))
	require.NoError(t, target.ReadMemory(1000, got))
	assert.Equal(t, data, got)

	update.End++
	err := replayer.Apply(ctx, update)
	assert.True(t, core.IsReplayError(err), "a payload shorter than its range must not be applied")
}

func TestApply_ToleratesAlreadyGone(t *testing.T) {
	ctx := context.Background()
	x, _ := newEffector(t, nil)

	assert.NoError(t, x.Apply(ctx, core.CloseFd{Fd: 42}))
	assert.NoError(t, x.Apply(ctx, core.CloseThread{ID: 7}))
	assert.NoError(t, x.Apply(ctx, core.ClearEthereal{}))
	assert.NoError(t, x.Apply(ctx, core.Snapshot{Trigger: core.TriggerIdle}))
	assert.NoError(t, x.Apply(ctx, core.InitModule{WasmHash: core.HashModule([]byte("other"))}))
}

func TestApply_ReportsReplayErrors(t *testing.T) {
	ctx := context.Background()
	x, _ := newEffector(t, nil)

	err := x.Apply(ctx, core.FdWrite{Fd: 42, Data: []byte("x")})
	require.Error(t, err)
	assert.True(t, core.IsReplayError(err))
	assert.ErrorIs(t, err, effector.ErrBadDescriptor)

	err = x.Apply(ctx, core.RemoveDirectory{Fd: 3, Path: "missing"})
	assert.True(t, core.IsReplayError(err))
}

func TestApply_Dispatch(t *testing.T) {
	ctx := context.Background()
	x, p := newEffector(t, nil)

	entries := []core.Entry{
		core.CreateDirectory{Fd: 3, Path: "d"},
		core.OpenFd{Fd: 5, DirFd: 3, Path: "d/f", OFlags: core.OFlagCreat},
		core.FdWrite{Fd: 5, Offset: 0, Data: []byte("hello")},
		core.DuplicateFd{OriginalFd: 5, CopiedFd: 6},
		core.RenumberFd{OldFd: 6, NewFd: 7},
		core.FdWrite{Fd: core.StdoutFd, Data: []byte("out")},
		core.SetThread{ID: core.MainThread, CallStack: []byte{1, 2}},
		core.TtySet{Tty: core.TtyState{Cols: 120, Rows: 40}},
		core.SetClockTime{ClockID: 0, Time: 99},
		core.SocketOpen{Af: 2, Ty: 1, Fd: 8},
		core.CreatePipe{ReadFd: 9, WriteFd: 10},
	}
	for _, e := range entries {
		require.NoError(t, x.Apply(ctx, e), "%s", e.RecordType())
	}

	got, err := p.ReadFile("/d/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, []byte("out"), p.Stdout())
	assert.Equal(t, []core.Fd{0, 1, 2, 3, 5, 7, 8, 9, 10}, p.Descriptors())
	assert.Equal(t, uint32(120), p.Tty().Cols)
	st, ok := p.ThreadState(core.MainThread)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, st.CallStack)
}

func TestSaveSnapshot_OnlyChangedRegions(t *testing.T) {
	ctx := context.Background()
	buf := journal.NewBuffered()
	x, p := newEffector(t, buf)

	require.NoError(t, p.WriteMemory(ctx, 0, []byte("first page")))
	require.NoError(t, p.WriteMemory(ctx, vproc.DefaultPageSize+10, []byte("second page")))
	require.NoError(t, p.RestoreThread(ctx, effector.ThreadState{ID: core.MainThread}))

	stats, err := x.SaveSnapshot(ctx, core.TriggerExplicit)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RegionsScanned)
	assert.Equal(t, 2, stats.RegionsWritten)
	assert.Equal(t, 1, stats.Threads)

	entries := buf.Entries()
	last, ok := entries[len(entries)-1].(core.Snapshot)
	require.True(t, ok, "the marker must be the last entry of a snapshot")
	assert.Equal(t, core.TriggerExplicit, last.Trigger)

	stats, err = x.SaveSnapshot(ctx, core.TriggerPeriodicInterval)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RegionsWritten)

	require.NoError(t, p.WriteMemory(ctx, vproc.DefaultPageSize+10, []byte("changed")))
	stats, err = x.SaveSnapshot(ctx, core.TriggerPeriodicInterval)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RegionsWritten)

	x.ResetSnapshotCache()
	stats, err = x.SaveSnapshot(ctx, core.TriggerPeriodicInterval)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RegionsWritten)
}
