package journal_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/internal/testutil"
	"github.com/INLOpen/wasmsnap/journal"
)

func sampleEntries() []core.Entry {
	return []core.Entry{
		core.InitModule{WasmHash: core.HashModule([]byte("module"))},
		core.OpenFd{Fd: 3, DirFd: 3, Path: "data.txt", OFlags: core.OFlagCreat},
		core.FdWrite{Fd: 3, Offset: 0, Data: []byte("hello")},
		core.FdWrite{Fd: core.StdoutFd, Data: []byte("to stdout")},
		core.UpdateMemoryRegion{Start: 0, End: 4, CompressedData: []byte{1, 2, 3}},
		core.SetThread{ID: core.MainThread, CallStack: []byte{9}},
		core.SocketOpen{Af: 2, Ty: 1, Fd: 4},
		core.CloseFd{Fd: 3},
		core.Snapshot{When: time.Unix(10, 0).UTC(), Trigger: core.TriggerExplicit},
	}
}

func readAll(t *testing.T, r journal.Readable) []core.Entry {
	t.Helper()
	entries, err := journal.ReadAll(context.Background(), r)
	require.NoError(t, err)
	return entries
}

func TestNullAndUnsupported(t *testing.T) {
	ctx := context.Background()

	n := journal.NewNull(nil)
	res, err := n.Write(ctx, core.CloseFd{Fd: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(core.EstimateSize(core.CloseFd{Fd: 1})), res.RecordEnd)
	_, err = n.Read(ctx)
	assert.Equal(t, io.EOF, err)

	u := journal.NewUnsupported()
	_, err = u.Write(ctx, core.CloseFd{Fd: 1})
	assert.ErrorIs(t, err, core.ErrJournalUnsupported)
	assert.True(t, core.IsCapabilityError(err))
	_, err = u.Read(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestCapabilitiesOf(t *testing.T) {
	assert.Equal(t, journal.Capabilities{Readable: true, Writable: true, Splittable: true}, journal.CapabilitiesOf(journal.NewBuffered()))
	assert.Equal(t, journal.Capabilities{Readable: true, Splittable: true}, journal.CapabilitiesOf(journal.NewUnsupported()))
	assert.Equal(t, journal.Capabilities{Readable: true, Splittable: true}, journal.CapabilitiesOf(journal.ReadOnly(journal.NewBuffered())))

	w, r := journal.NewBuffered().Split()
	assert.Equal(t, journal.Capabilities{Writable: true}, journal.CapabilitiesOf(w))
	assert.Equal(t, journal.Capabilities{Readable: true}, journal.CapabilitiesOf(r))
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	ro := journal.ReadOnly(journal.NewBufferedFrom(sampleEntries()...))
	_, err := ro.Write(ctx, core.CloseFd{Fd: 3})
	assert.ErrorIs(t, err, core.ErrJournalReadOnly)
	assert.Equal(t, sampleEntries(), readAll(t, ro))
}

func TestBuffered_OrderRestartAndSplit(t *testing.T) {
	ctx := context.Background()
	b := journal.NewBuffered()
	require.NoError(t, journal.WriteAll(ctx, b, sampleEntries()...))

	first, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleEntries()[0], first.Entry)
	assert.Equal(t, int64(0), first.RecordStart)

	restarted, err := b.Restarted()
	require.NoError(t, err)
	assert.Equal(t, sampleEntries(), readAll(t, restarted))

	w, r := b.Split()
	_, err = b.Write(ctx, core.CloseFd{Fd: 9})
	assert.ErrorIs(t, err, core.ErrJournalClosed)
	_, err = b.Read(ctx)
	assert.ErrorIs(t, err, core.ErrJournalClosed)

	_, err = w.Write(ctx, core.CloseFd{Fd: 9})
	require.NoError(t, err)
	rest := readAll(t, r)
	require.Len(t, rest, len(sampleEntries()))
	assert.Equal(t, core.CloseFd{Fd: 9}, rest[len(rest)-1], "split reader continues where the journal left off")
}

func TestBuffered_OwnsWrittenBytes(t *testing.T) {
	ctx := context.Background()
	data := []byte("mutable")
	b := journal.NewBuffered()
	_, err := b.Write(ctx, core.FdWrite{Fd: 3, Data: data})
	require.NoError(t, err)
	data[0] = 'X'

	res, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), res.Entry.(core.FdWrite).Data)
}

func TestBuffered_PreservesOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("read order equals write order", prop.ForAll(
		func(seed int64, n int) bool {
			entries := testutil.RandomEntries(rand.New(rand.NewSource(seed)), n)
			b := journal.NewBuffered()
			if err := journal.WriteAll(context.Background(), b, entries...); err != nil {
				return false
			}
			got, err := journal.ReadAll(context.Background(), b)
			if err != nil || len(got) != len(entries) {
				return false
			}
			for i := range got {
				if !assert.ObjectsAreEqual(entries[i], got[i]) {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}

func TestCounting(t *testing.T) {
	ctx := context.Background()
	entries := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "entries_total"}, []string{"type"})
	bytesVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bytes_total"}, []string{"type"})
	c := journal.NewCounting(journal.CountingOptions{Entries: entries, Bytes: bytesVec})

	assert.Zero(t, c.SizeQuantile(0.5))
	var total uint64
	for _, e := range sampleEntries() {
		res, err := c.Write(ctx, e)
		require.NoError(t, err)
		total += uint64(res.RecordSize())
	}
	_, err := c.Write(ctx, core.FdWrite{Fd: 3, Data: []byte("again")})
	require.NoError(t, err)
	total += uint64(core.EstimateSize(core.FdWrite{Fd: 3, Data: []byte("again")}))

	assert.Equal(t, uint64(len(sampleEntries())+1), c.Count())
	assert.Equal(t, total, c.Bytes())

	var fdWrites journal.TypeStats
	for _, st := range c.ByType() {
		if st.Type == core.TypeFdWrite {
			fdWrites = st
		}
	}
	assert.Equal(t, uint64(3), fdWrites.Count)
	assert.Equal(t, 3.0, promtestutil.ToFloat64(entries.WithLabelValues("FdWrite")))
	assert.Equal(t, float64(fdWrites.Bytes), promtestutil.ToFloat64(bytesVec.WithLabelValues("FdWrite")))

	p50 := c.SizeQuantile(0.5)
	assert.Greater(t, p50, 0.0)
	assert.LessOrEqual(t, p50, c.SizeQuantile(1))

	_, err = c.Read(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestFilter(t *testing.T) {
	ctx := context.Background()

	t.Run("DropsOnWrite", func(t *testing.T) {
		inner := journal.NewBuffered()
		f := journal.NewFilter(inner, journal.FilterOptions{Memory: true, Stdout: true})
		require.NoError(t, journal.WriteAll(ctx, f, sampleEntries()...))
		for _, e := range inner.Entries() {
			assert.NotEqual(t, core.TypeUpdateMemoryRegion, e.RecordType())
			assert.NotEqual(t, core.FdWrite{Fd: core.StdoutFd, Data: []byte("to stdout")}, e)
		}
		assert.Equal(t, len(sampleEntries())-2, inner.Len())
	})

	t.Run("SkipsOnRead", func(t *testing.T) {
		inner := journal.NewBufferedFrom(sampleEntries()...)
		f := journal.NewFilter(inner, journal.FilterOptions{FS: true, Networking: true, Threads: true})
		var types []core.RecordType
		for _, e := range readAll(t, f) {
			types = append(types, e.RecordType())
		}
		assert.Equal(t, []core.RecordType{core.TypeInitModule, core.TypeUpdateMemoryRegion, core.TypeSnapshot}, types)
	})

	t.Run("Predicate", func(t *testing.T) {
		inner := journal.NewBufferedFrom(sampleEntries()...)
		f := journal.NewFilter(inner, journal.FilterOptions{
			Snapshots: true,
			Core:      true,
			Predicate: func(e core.Entry) bool { return e.RecordType() != core.TypeCloseFd },
		})
		for _, e := range readAll(t, f) {
			assert.NotContains(t, []core.RecordType{core.TypeSnapshot, core.TypeInitModule, core.TypeCloseFd}, e.RecordType())
		}
	})

	t.Run("Split", func(t *testing.T) {
		inner := journal.NewBuffered()
		f := journal.NewFilter(inner, journal.FilterOptions{Memory: true})
		w, r := f.Split()
		_, err := f.Write(ctx, core.CloseFd{Fd: 1})
		assert.ErrorIs(t, err, core.ErrJournalClosed)

		require.NoError(t, journal.WriteAll(ctx, w, sampleEntries()...))
		got := readAll(t, r)
		assert.Len(t, got, len(sampleEntries())-1)
	})
}

func TestPrinting(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	p := journal.NewPrinting(journal.NewBuffered(), &out)

	_, err := p.Write(ctx, core.FdWrite{Fd: 3, Offset: 7, Data: []byte("hello")})
	require.NoError(t, err)
	_, err = p.Read(ctx)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "> ")
	assert.Contains(t, string(lines[0]), "FdWrite fd=3 offset=7 data=<5 bytes> is64_bit=false")
	assert.Contains(t, string(lines[1]), "< ")
	assert.NotContains(t, out.String(), "\x1b[", "no colour when not writing to a terminal")
}

func TestDescribe(t *testing.T) {
	code := core.ExitCode(3)
	assert.Equal(t, "ProcessExit exit_code=3", journal.Describe(core.ProcessExit{ExitCode: &code}))
	assert.Equal(t, "ProcessExit exit_code=none", journal.Describe(core.ProcessExit{}))
	assert.Equal(t, `OpenFd fd=3 dir_fd=4 dir_flags=0 path="a/b" o_flags=1 rights_base=0 rights_inheriting=0 fs_flags=0 fd_flags=0`,
		journal.Describe(core.OpenFd{Fd: 3, DirFd: 4, Path: "a/b", OFlags: core.OFlagCreat}))
	assert.Equal(t, "Snapshot when=1970-01-01T00:00:10Z trigger=sigint",
		journal.Describe(core.Snapshot{When: time.Unix(10, 0).UTC(), Trigger: core.TriggerSigint}))
	assert.Contains(t, journal.Describe(core.SetThread{ID: 1}), "layout.stack_upper=0")
	assert.Equal(t, "ClearEthereal", journal.Describe(core.ClearEthereal{}))
}

func TestPipe(t *testing.T) {
	ctx := context.Background()

	t.Run("DeliversInOrder", func(t *testing.T) {
		a, b := journal.NewPipe(len(sampleEntries()))
		require.NoError(t, journal.WriteAll(ctx, a, sampleEntries()...))
		require.NoError(t, a.Close())
		assert.Equal(t, sampleEntries(), readAll(t, b))
	})

	t.Run("BothDirections", func(t *testing.T) {
		a, b := journal.NewPipe(1)
		_, err := b.Write(ctx, core.CloseFd{Fd: 5})
		require.NoError(t, err)
		res, err := a.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, core.CloseFd{Fd: 5}, res.Entry)
	})

	t.Run("PeerClosed", func(t *testing.T) {
		a, b := journal.NewPipe(1)
		require.NoError(t, b.Close())
		_, err := a.Write(ctx, core.CloseFd{Fd: 5})
		assert.ErrorIs(t, err, core.ErrJournalClosed)
		_, err = a.Read(ctx)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("SplitMovesOwnership", func(t *testing.T) {
		a, b := journal.NewPipe(2)
		w, r := a.Split()
		assert.NotSame(t, a, w)
		assert.NotSame(t, a, r)

		_, err := a.Write(ctx, core.CloseFd{Fd: 5})
		assert.ErrorIs(t, err, core.ErrJournalClosed)
		_, err = a.Read(ctx)
		assert.ErrorIs(t, err, core.ErrJournalClosed)
		w2, r2 := a.Split()
		_, err = w2.Write(ctx, core.CloseFd{Fd: 5})
		assert.ErrorIs(t, err, core.ErrJournalClosed)
		_, err = r2.Read(ctx)
		assert.ErrorIs(t, err, core.ErrJournalClosed)

		_, err = w.Write(ctx, core.CloseFd{Fd: 6})
		require.NoError(t, err)
		res, err := b.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, core.CloseFd{Fd: 6}, res.Entry)

		_, err = b.Write(ctx, core.CloseFd{Fd: 7})
		require.NoError(t, err)
		res, err = r.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, core.CloseFd{Fd: 7}, res.Entry)
	})

	t.Run("SplitHalvesCloseIndependently", func(t *testing.T) {
		a, b := journal.NewPipe(2)
		w, r := a.Split()
		require.NoError(t, journal.Close(w))

		_, err := b.Read(ctx)
		assert.Equal(t, io.EOF, err, "the peer sees the end of the stream")
		_, err = b.Write(ctx, core.CloseFd{Fd: 7})
		require.NoError(t, err, "the receiving half is still open")
		res, err := r.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, core.CloseFd{Fd: 7}, res.Entry)

		require.NoError(t, journal.Close(r))
		_, err = b.Write(ctx, core.CloseFd{Fd: 8})
		assert.ErrorIs(t, err, core.ErrJournalClosed)
	})

	t.Run("ReadHonoursContext", func(t *testing.T) {
		a, _ := journal.NewPipe(1)
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := a.Read(cctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("WriterBlocksUntilRead", func(t *testing.T) {
		a, b := journal.NewPipe(0)
		done := make(chan error, 1)
		go func() {
			_, err := a.Write(ctx, core.CloseFd{Fd: 8})
			done <- err
		}()
		res, err := b.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, core.CloseFd{Fd: 8}, res.Entry)
		require.NoError(t, <-done)
	})
}

func TestBoxAndRecombine(t *testing.T) {
	ctx := context.Background()
	inner := journal.NewBuffered()
	boxed := journal.Box(inner)
	require.NoError(t, journal.WriteAll(ctx, boxed, sampleEntries()...))
	assert.Equal(t, len(sampleEntries()), inner.Len())

	w, r := boxed.Split()
	rec := journal.Recombine(w, r)
	_, err := rec.Write(ctx, core.CloseFd{Fd: 11})
	require.NoError(t, err)
	got := readAll(t, rec)
	assert.Equal(t, core.CloseFd{Fd: 11}, got[len(got)-1])

	w2, r2 := rec.Split()
	assert.Same(t, w, w2)
	assert.Same(t, r, r2)
	_, err = rec.Write(ctx, core.CloseFd{Fd: 12})
	assert.ErrorIs(t, err, core.ErrJournalClosed)
	_, err = rec.Read(ctx)
	assert.ErrorIs(t, err, core.ErrJournalClosed)
}

func TestConcat(t *testing.T) {
	ctx := context.Background()
	base := journal.NewBufferedFrom(sampleEntries()[:3]...)
	delta := journal.NewBufferedFrom(sampleEntries()[3:5]...)
	c := journal.Concat(base, delta)

	_, err := c.Write(ctx, core.CloseFd{Fd: 42})
	require.NoError(t, err)
	assert.Equal(t, 3, base.Len())
	assert.Equal(t, 3, delta.Len())

	want := append(append([]core.Entry{}, sampleEntries()[:5]...), core.CloseFd{Fd: 42})
	assert.Equal(t, want, readAll(t, c))

	restarted, err := c.Restarted()
	require.NoError(t, err)
	assert.Equal(t, want, readAll(t, restarted))
}

type failingWriter struct {
	journal.Writable
	failOn core.RecordType
}

func (f *failingWriter) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	if e.RecordType() == f.failOn {
		return core.LogWriteResult{}, errors.New("disk on fire")
	}
	return f.Writable.Write(ctx, e)
}

func TestAsyncWriter(t *testing.T) {
	ctx := context.Background()

	t.Run("CommitsInOrder", func(t *testing.T) {
		inner := journal.NewBuffered()
		w := journal.NewAsyncWriter(inner, journal.AsyncOptions{MaxBatch: 3, FlushEachBatch: true})
		entries := testutil.RandomEntries(rand.New(rand.NewSource(7)), 200)
		for _, e := range entries {
			_, err := w.Write(ctx, e)
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())
		assert.Equal(t, entries, inner.Entries())

		_, err := w.Write(ctx, core.CloseFd{Fd: 1})
		assert.ErrorIs(t, err, core.ErrJournalClosed)
	})

	t.Run("WaitingWriterSeesError", func(t *testing.T) {
		w := journal.NewAsyncWriter(&failingWriter{Writable: journal.NewBuffered(), failOn: core.TypeCloseFd}, journal.AsyncOptions{})
		_, err := w.Write(ctx, core.CloseFd{Fd: 1})
		assert.EqualError(t, err, "disk on fire")
		require.NoError(t, w.Close())
	})

	t.Run("DetachedErrorSurfacesOnFlush", func(t *testing.T) {
		inner := journal.NewBuffered()
		w := journal.NewAsyncWriter(&failingWriter{Writable: inner, failOn: core.TypeCloseFd}, journal.AsyncOptions{Detached: true})
		_, err := w.Write(ctx, core.FdSeek{Fd: 3})
		require.NoError(t, err)
		_, err = w.Write(ctx, core.CloseFd{Fd: 3})
		require.NoError(t, err, "detached writes do not wait for the commit")

		err = w.Flush(ctx)
		assert.EqualError(t, err, "disk on fire")
		assert.NoError(t, w.Flush(ctx), "the deferred error is reported once")
		assert.Equal(t, 1, inner.Len())
		require.NoError(t, w.Close())
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		inner := journal.NewBuffered()
		w := journal.NewAsyncWriter(inner, journal.AsyncOptions{QueueSize: 4})
		errs := make(chan error, 8)
		for g := 0; g < 8; g++ {
			go func(g int) {
				for i := 0; i < 25; i++ {
					if _, err := w.Write(ctx, core.FdSeek{Fd: core.Fd(g), Offset: int64(i)}); err != nil {
						errs <- err
						return
					}
				}
				errs <- nil
			}(g)
		}
		for g := 0; g < 8; g++ {
			require.NoError(t, <-errs)
		}
		require.NoError(t, w.Close())
		assert.Equal(t, 200, inner.Len())

		// Per-writer order survives interleaving.
		next := make(map[core.Fd]int64)
		for _, e := range inner.Entries() {
			s := e.(core.FdSeek)
			assert.Equal(t, next[s.Fd], s.Offset)
			next[s.Fd]++
		}
	})
}
