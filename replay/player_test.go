package replay_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/wasmsnap/compactor"
	"github.com/INLOpen/wasmsnap/compressors"
	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/effector"
	"github.com/INLOpen/wasmsnap/hooks"
	"github.com/INLOpen/wasmsnap/internal/testutil"
	"github.com/INLOpen/wasmsnap/journal"
	"github.com/INLOpen/wasmsnap/logfile"
	"github.com/INLOpen/wasmsnap/replay"
	"github.com/INLOpen/wasmsnap/vproc"
)

var moduleHash = testutil.WorkloadHash

func memory(t testing.TB, start uint64, data []byte) core.UpdateMemoryRegion {
	t.Helper()
	payload, err := core.EncodeMemoryPayload(compressors.Default(), data)
	require.NoError(t, err)
	return core.UpdateMemoryRegion{Start: start, End: start + uint64(len(data)), CompressedData: payload, ModuleHash: moduleHash}
}

func snapshot() core.Snapshot {
	return core.Snapshot{When: time.Unix(100, 0).UTC(), Trigger: core.TriggerExplicit}
}

func exitCode(c core.ExitCode) *core.ExitCode { return &c }

type run struct {
	proc   *vproc.Process
	player *replay.Player
	res    replay.Result
}

func replayJournal(t testing.TB, r journal.Readable, opts replay.Options) (run, error) {
	t.Helper()
	p := vproc.New(vproc.Options{})
	x := effector.New(effector.Options{Target: p, ModuleHash: moduleHash})
	player := replay.NewPlayer(r, x, opts)
	res, err := player.Run(context.Background())
	return run{proc: p, player: player, res: res}, err
}

func replayEntries(t testing.TB, entries ...core.Entry) run {
	t.Helper()
	r, err := replayJournal(t, journal.NewBufferedFrom(entries...), replay.Options{})
	require.NoError(t, err)
	return r
}

func readMemory(t testing.TB, p *vproc.Process, start, n uint64) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, p.ReadMemory(start, buf))
	return buf
}

func TestPlayer_EmptyLog(t *testing.T) {
	r := replayEntries(t)
	assert.Equal(t, replay.Live, r.res.State)
	assert.Zero(t, r.res.EntriesRead)
	assert.Zero(t, r.res.EntriesApplied)
	assert.Equal(t, vproc.New(vproc.Options{}).Snapshot(), r.proc.Snapshot())
}

func TestPlayer_RenumberBackOntoItself(t *testing.T) {
	r := replayEntries(t,
		core.InitModule{WasmHash: moduleHash},
		core.OpenFd{Fd: 3, DirFd: 3, Path: "f", OFlags: core.OFlagCreat},
		core.DuplicateFd{OriginalFd: 3, CopiedFd: 5},
		core.RenumberFd{OldFd: 5, NewFd: 3},
		core.FdWrite{Fd: 3, Data: []byte("ok")},
	)
	assert.Equal(t, []core.Fd{0, 1, 2, 3}, r.proc.Descriptors())
	st, ok := r.proc.Describe(3)
	require.True(t, ok)
	assert.Equal(t, vproc.KindFile, st.Kind)
	got, err := r.proc.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
}

func TestPlayer_MemoryStaging(t *testing.T) {
	a := bytes.Repeat([]byte{'a'}, 100)
	b := bytes.Repeat([]byte{'b'}, 100)
	c := bytes.Repeat([]byte{'c'}, 100)

	t.Run("OverlapLaterWins", func(t *testing.T) {
		r := replayEntries(t, memory(t, 0, a), memory(t, 50, b), snapshot())
		got := readMemory(t, r.proc, 0, 150)
		assert.Equal(t, a[:50], got[:50])
		assert.Equal(t, b, got[50:])
	})

	t.Run("RewriteMovesToEnd", func(t *testing.T) {
		r := replayEntries(t, memory(t, 0, a), memory(t, 50, b), memory(t, 0, c), snapshot())
		got := readMemory(t, r.proc, 0, 150)
		assert.Equal(t, c, got[:100])
		assert.Equal(t, b[50:], got[100:])
		// Only the two surviving staged updates reach the target.
		assert.Equal(t, 2, r.res.EntriesApplied)
	})

	t.Run("AfterBootstrapAppliedDirectly", func(t *testing.T) {
		r := replayEntries(t, snapshot(), memory(t, 0, a), memory(t, 0, c))
		assert.Equal(t, c, readMemory(t, r.proc, 0, 100))
		assert.Equal(t, 2, r.res.EntriesApplied)
	})
}

func TestPlayer_ModuleHashMismatch(t *testing.T) {
	other := memory(t, 0, []byte("other"))
	other.ModuleHash = core.HashModule([]byte("another build"))
	anyModule := memory(t, 100, []byte("any"))
	anyModule.ModuleHash = core.ModuleHash{}

	r := replayEntries(t, core.InitModule{WasmHash: other.ModuleHash}, other, anyModule, snapshot(), other)
	assert.Equal(t, 2, r.res.SkippedMemory)
	assert.Equal(t, other.ModuleHash, r.res.ModuleHash)
	assert.Equal(t, []byte("any"), readMemory(t, r.proc, 100, 3))
	assert.Equal(t, make([]byte, 5), readMemory(t, r.proc, 0, 5))
}

func TestPlayer_StagesUntilLastSnapshot(t *testing.T) {
	entries := []core.Entry{
		core.InitModule{WasmHash: moduleHash},
		core.SetThread{ID: 1, CallStack: []byte{1}},
		core.TtySet{Tty: core.TtyState{Cols: 10}},
		snapshot(),
		core.SetThread{ID: 1, CallStack: []byte{2}},
		core.SetThread{ID: 2, CallStack: []byte{3}},
		core.TtySet{Tty: core.TtyState{Cols: 20}},
		snapshot(),
		core.ProcessExit{ExitCode: exitCode(3)},
	}
	r := replayEntries(t, entries...)
	assert.Equal(t, 2, r.res.Snapshots)
	assert.Equal(t, core.TriggerExplicit, r.res.LastTrigger)
	require.NotNil(t, r.res.ExitCode, "an exit after bootstrap is reported")
	assert.Equal(t, core.ExitCode(3), *r.res.ExitCode)
	// Staged threads and terminal are committed once with their last values.
	// InitModule, 2 threads, 1 tty and the exit.
	assert.Equal(t, 5, r.res.EntriesApplied)

	r = replayEntries(t, entries[:8]...)
	st, ok := r.proc.ThreadState(1)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, st.CallStack)
	assert.Equal(t, uint32(20), r.proc.Tty().Cols)
	assert.Nil(t, r.res.ExitCode)
}

func TestPlayer_ExitDuringBootstrap(t *testing.T) {
	r := replayEntries(t,
		core.InitModule{WasmHash: moduleHash},
		memory(t, 0, []byte("gone")),
		core.SetThread{ID: 1, CallStack: []byte{1}},
		core.SocketOpen{Af: 2, Ty: 1, Fd: 5},
		core.OpenFd{Fd: 6, DirFd: 3, Path: "kept", OFlags: core.OFlagCreat},
		core.ProcessExit{ExitCode: exitCode(1)},
		core.InitModule{WasmHash: moduleHash},
		snapshot(),
	)
	assert.Nil(t, r.res.ExitCode, "an exit during bootstrap restarts the process")
	_, exited := r.proc.ExitCode()
	assert.False(t, exited, "an exit during bootstrap terminates nothing")
	assert.Zero(t, r.proc.MemorySize())
	assert.Empty(t, r.proc.Threads())
	assert.Equal(t, []core.Fd{0, 1, 2, 3}, r.proc.Descriptors(), "the staged socket is discarded")
	_, err := r.proc.ReadFile("/kept")
	assert.NoError(t, err, "filesystem effects survive the exit")
}

func TestPlayer_ExitOnlyDuringBootstrap(t *testing.T) {
	r := replayEntries(t,
		core.InitModule{WasmHash: moduleHash},
		core.ProcessExit{ExitCode: exitCode(7)},
		core.InitModule{WasmHash: moduleHash},
		snapshot(),
	)
	assert.Nil(t, r.res.ExitCode)
	_, exited := r.proc.ExitCode()
	assert.False(t, exited)
	assert.Equal(t, []core.Fd{0, 1, 2, 3}, r.proc.Descriptors())
}

func TestPlayer_CompactedRenumberChain(t *testing.T) {
	testCases := []struct {
		name string
		log  []core.Entry
	}{
		{
			name: "over a created file",
			log: []core.Entry{
				core.OpenFd{Fd: 8, DirFd: 3, Path: "a", OFlags: core.OFlagCreat},
				core.OpenFd{Fd: 7, DirFd: 3, Path: "a"},
				core.RenumberFd{OldFd: 7, NewFd: 8},
				core.RenumberFd{OldFd: 8, NewFd: 9},
				core.CloseFd{Fd: 9},
			},
		},
		{
			name: "over stdout",
			log: []core.Entry{
				core.OpenFd{Fd: 8, DirFd: 3, Path: "a", OFlags: core.OFlagCreat},
				core.OpenFd{Fd: 7, DirFd: 3, Path: "a"},
				core.RenumberFd{OldFd: 7, NewFd: 1},
				core.RenumberFd{OldFd: 1, NewFd: 9},
				core.CloseFd{Fd: 9},
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			compacted := journal.NewBuffered()
			_, err := compactor.Compact(ctx, journal.NewBufferedFrom(tc.log...), compacted)
			require.NoError(t, err)

			full := replayEntries(t, tc.log...)
			short := replayEntries(t, compacted.Entries()...)
			assert.Equal(t, full.proc.Descriptors(), short.proc.Descriptors())
			assert.Equal(t, full.proc.Snapshot(), short.proc.Snapshot())
		})
	}
}

func TestPlayer_MainThreadCloseDuringBootstrap(t *testing.T) {
	r := replayEntries(t,
		core.OpenFd{Fd: 6, DirFd: 3, Path: "f", OFlags: core.OFlagCreat},
		core.SetThread{ID: 1, CallStack: []byte{1}},
		core.CloseThread{ID: core.MainThread},
		snapshot(),
	)
	assert.Equal(t, []core.Fd{0, 1, 2, 3}, r.proc.Descriptors())
	assert.Empty(t, r.proc.Threads())
}

func TestPlayer_EtherealDescriptors(t *testing.T) {
	t.Run("AppliedAtSnapshot", func(t *testing.T) {
		r := replayEntries(t,
			core.SocketOpen{Af: 2, Ty: 1, Fd: 5},
			core.SocketSend{Fd: 5, Data: []byte("ping")},
			snapshot(),
		)
		st, ok := r.proc.Describe(5)
		require.True(t, ok)
		assert.Equal(t, vproc.KindSocket, st.Kind)
		require.NotNil(t, st.Socket)
		assert.Equal(t, uint64(4), st.Socket.Sent)
	})

	t.Run("ClearedByMarker", func(t *testing.T) {
		r := replayEntries(t,
			core.SocketOpen{Af: 2, Ty: 1, Fd: 5},
			core.ClearEthereal{},
			core.OpenFd{Fd: 5, DirFd: 3, Path: "f", OFlags: core.OFlagCreat},
			snapshot(),
		)
		st, ok := r.proc.Describe(5)
		require.True(t, ok)
		assert.Equal(t, vproc.KindFile, st.Kind)
	})

	t.Run("NumberReusedByFile", func(t *testing.T) {
		r := replayEntries(t,
			core.SocketOpen{Af: 2, Ty: 1, Fd: 5},
			core.CloseFd{Fd: 5},
			core.OpenFd{Fd: 5, DirFd: 3, Path: "f", OFlags: core.OFlagCreat},
			core.FdWrite{Fd: 5, Data: []byte("file")},
			core.UnlinkFile{Fd: 3, Path: "f"},
			core.CreatePipe{ReadFd: 7, WriteFd: 8},
			snapshot(),
		)
		st, ok := r.proc.Describe(5)
		require.True(t, ok)
		assert.Equal(t, vproc.KindFile, st.Kind)
		_, ok = r.proc.Describe(8)
		assert.True(t, ok)
		assert.NotContains(t, r.proc.Files(), "/f")
	})
}

func TestPlayer_CapturesStandardStreams(t *testing.T) {
	r := replayEntries(t,
		core.FdWrite{Fd: core.StdoutFd, Data: []byte("a")},
		core.DuplicateFd{OriginalFd: core.StdoutFd, CopiedFd: 7},
		core.FdWrite{Fd: 7, Data: []byte("b")},
		core.RenumberFd{OldFd: 7, NewFd: 9},
		core.FdWrite{Fd: 9, Data: []byte("c")},
		core.FdWrite{Fd: core.StderrFd, Data: []byte("err")},
		core.OpenFd{Fd: 9, DirFd: 3, Path: "f", OFlags: core.OFlagCreat},
		core.FdWrite{Fd: 9, Data: []byte("not output")},
		snapshot(),
		core.FdWrite{Fd: core.StdoutFd, Data: []byte("d")},
	)
	assert.Equal(t, []byte("abcd"), r.player.Stdout())
	assert.Equal(t, []byte("err"), r.player.Stderr())
	assert.Equal(t, r.proc.Stdout(), r.player.Stdout())
}

func TestPlayer_ReplayError(t *testing.T) {
	_, err := replayJournal(t, journal.NewBufferedFrom(snapshot(), core.FdWrite{Fd: 42, Data: []byte("x")}), replay.Options{})
	require.Error(t, err)
	assert.True(t, core.IsReplayError(err))

	var re *core.ReplayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "FdWrite", re.Op)
}

func TestPlayer_PostReplayHook(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	var got []hooks.PostReplayPayload
	manager.Register(hooks.EventPostReplay, hooks.ListenerFunc(func(ctx context.Context, ev hooks.HookEvent) error {
		got = append(got, ev.Payload().(hooks.PostReplayPayload))
		return nil
	}))

	_, err := replayJournal(t, journal.NewBufferedFrom(core.FdWrite{Fd: core.StdoutFd, Data: []byte("x")}), replay.Options{HookManager: manager})
	require.NoError(t, err)
	_, err = replayJournal(t, journal.NewBufferedFrom(core.FdWrite{Fd: 42}), replay.Options{HookManager: manager})
	require.Error(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].EntriesApplied)
	assert.NoError(t, got[0].Err)
	assert.Error(t, got[1].Err)
}

// onePass cannot be reread.
type onePass struct{ journal.Readable }

func (onePass) Restarted() (journal.Readable, error) { return nil, errors.New("stream") }

func TestPlayer_UnrestartableJournal(t *testing.T) {
	entries := []core.Entry{
		core.SocketOpen{Af: 2, Ty: 1, Fd: 5},
		snapshot(),
		core.SocketSend{Fd: 5, Data: []byte("x")},
	}
	r, err := replayJournal(t, onePass{journal.NewBufferedFrom(entries...)}, replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, replay.Live, r.res.State)
	assert.Equal(t, replayEntries(t, entries...).proc.Snapshot(), r.proc.Snapshot())
}

func TestPlayer_TornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.journal")
	w, err := logfile.CreateWriter(path, logfile.Options{})
	require.NoError(t, err)
	testutil.WriteEntries(t, w,
		core.InitModule{WasmHash: moduleHash},
		core.FdWrite{Fd: core.StdoutFd, Data: []byte("whole")},
		core.FdWrite{Fd: core.StdoutFd, Data: []byte("torn")},
	)
	require.NoError(t, w.Close())
	testutil.TruncateBy(t, path, 3)

	reader, err := logfile.OpenReader(path, logfile.Options{})
	require.NoError(t, err)
	defer reader.Close()

	r, err := replayJournal(t, reader, replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.res.EntriesRead)
	assert.Equal(t, []byte("whole"), r.proc.Stdout())
}

func TestPlayer_CompactedLogReplaysIdentically(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("replay(compact(log)) == replay(log)", prop.ForAll(
		func(seed int64, n int) bool {
			ctx := context.Background()
			log, _, err := testutil.RecordWorkload(ctx, seed, n)
			if err != nil {
				t.Logf("seed=%d: workload failed: %v", seed, err)
				return false
			}
			compacted := journal.NewBuffered()
			stats, err := compactor.Compact(ctx, log, compacted)
			if err != nil || stats.EntriesOut > stats.EntriesIn {
				return false
			}

			full, err := replayJournal(t, journal.NewBufferedFrom(log.Entries()...), replay.Options{})
			if err != nil {
				t.Logf("seed=%d n=%d: replay failed: %v", seed, n, err)
				return false
			}
			short, err := replayJournal(t, compacted, replay.Options{})
			if err != nil {
				t.Logf("seed=%d n=%d: replay of compacted log failed: %v", seed, n, err)
				return false
			}
			if !assert.ObjectsAreEqual(full.proc.Snapshot(), short.proc.Snapshot()) {
				t.Logf("seed=%d n=%d: states differ", seed, n)
				return false
			}
			return bytes.Equal(full.player.Stdout(), short.player.Stdout())
		},
		gen.Int64(),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

func TestExtractMemory(t *testing.T) {
	ctx := context.Background()
	other := memory(t, 0, []byte("skip"))
	other.ModuleHash = core.HashModule([]byte("another build"))

	log := journal.NewBufferedFrom(
		core.InitModule{WasmHash: moduleHash},
		memory(t, 0, []byte("before exit")),
		core.ProcessExit{},
		core.InitModule{WasmHash: moduleHash},
		memory(t, 0, bytes.Repeat([]byte{'a'}, 8)),
		memory(t, 4, bytes.Repeat([]byte{'b'}, 8)),
		other,
		memory(t, 0, bytes.Repeat([]byte{'c'}, 8)),
	)

	f, err := os.Create(filepath.Join(t.TempDir(), "memory.bin"))
	require.NoError(t, err)
	defer f.Close()

	stats, err := replay.ExtractMemory(ctx, log, f)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Regions)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, uint64(12), stats.Size)

	got, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, []byte("ccccccccbbbb"), got)
}
