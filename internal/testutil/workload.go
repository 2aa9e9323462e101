package testutil

import (
	"context"
	"math/rand"
	"net/netip"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/effector"
	"github.com/INLOpen/wasmsnap/journal"
	"github.com/INLOpen/wasmsnap/vproc"
)

// WorkloadHash is the module hash recorded by workloads.
var WorkloadHash = core.HashModule([]byte("workload"))

var (
	workloadPaths = []string{"a", "b", "c", "d/e", "d/f", "/abs"}
	workloadDirs  = []string{"d", "g", "g/h"}
	workloadData  = [][]byte{[]byte("x"), []byte("hello"), []byte("0123456789abcdef")}
)

// Workload drives a live in-memory process and journals every operation
// that succeeded against it, the way a runtime would. Logs recorded this
// way are valid, so their replay must succeed.
type Workload struct {
	R        *rand.Rand
	Process  *vproc.Process
	Effector *effector.Effector
}

func NewWorkload(r *rand.Rand, w journal.Writable) *Workload {
	p := vproc.New(vproc.Options{})
	return &Workload{
		R:       r,
		Process: p,
		Effector: effector.New(effector.Options{
			Journal:    w,
			Target:     p,
			ModuleHash: WorkloadHash,
		}),
	}
}

// RecordWorkload records n random steps into a new buffered journal.
func RecordWorkload(ctx context.Context, seed int64, n int) (*journal.Buffered, *Workload, error) {
	buf := journal.NewBuffered()
	w := NewWorkload(rand.New(rand.NewSource(seed)), buf)
	if err := w.Run(ctx, n); err != nil {
		return nil, nil, err
	}
	return buf, w, nil
}

// Run initializes the module and performs n steps.
func (w *Workload) Run(ctx context.Context, n int) error {
	if err := w.Effector.SaveInitModule(ctx); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := w.Step(ctx); err != nil {
			return err
		}
	}
	return w.Effector.Flush(ctx)
}

// try performs e on the live process and journals it when it succeeds.
// Operations the process rejects are simply not recorded.
func (w *Workload) try(ctx context.Context, e core.Entry) error {
	if err := w.Effector.Apply(ctx, e); err != nil {
		return nil
	}
	return w.Effector.Save(ctx, e)
}

func (w *Workload) fd() core.Fd { return core.Fd(3 + w.R.Intn(7)) }

// openFd picks a descriptor that is currently open, other than the
// standard streams.
func (w *Workload) openFd() core.Fd {
	var fds []core.Fd
	for _, fd := range w.Process.Descriptors() {
		if fd > core.StderrFd {
			fds = append(fds, fd)
		}
	}
	if len(fds) == 0 {
		return w.fd()
	}
	return fds[w.R.Intn(len(fds))]
}

func (w *Workload) path() string { return workloadPaths[w.R.Intn(len(workloadPaths))] }
func (w *Workload) dir() string  { return workloadDirs[w.R.Intn(len(workloadDirs))] }
func (w *Workload) data() []byte { return workloadData[w.R.Intn(len(workloadData))] }

// Step performs one random operation.
func (w *Workload) Step(ctx context.Context) error {
	x := w.Effector
	switch n := w.R.Intn(100); {
	case n < 14:
		var flags core.OFlags
		switch w.R.Intn(4) {
		case 0:
			// Opens an existing file without changing it.
		case 1:
			flags = core.OFlagCreat | core.OFlagTrunc
		default:
			flags = core.OFlagCreat
		}
		return w.try(ctx, core.OpenFd{Fd: w.fd(), DirFd: 3, Path: w.path(), OFlags: flags, RightsBase: uint64(w.R.Intn(4))})
	case n < 28:
		fd := w.openFd()
		if w.R.Intn(5) == 0 {
			fd = core.Fd(1 + w.R.Intn(2))
		}
		return w.try(ctx, core.FdWrite{Fd: fd, Offset: uint64(w.R.Intn(32)), Data: w.data()})
	case n < 34:
		return w.try(ctx, core.CloseFd{Fd: w.openFd()})
	case n < 38:
		return w.try(ctx, core.DuplicateFd{OriginalFd: w.openFd(), CopiedFd: w.fd(), Cloexec: w.R.Intn(2) == 0})
	case n < 42:
		// Renumbering onto a live descriptor, a standard stream included,
		// closes it implicitly.
		to := w.fd()
		switch w.R.Intn(4) {
		case 0:
			to = w.openFd()
		case 1:
			to = core.Fd(1 + w.R.Intn(2))
		}
		return w.try(ctx, core.RenumberFd{OldFd: w.openFd(), NewFd: to})
	case n < 45:
		return w.try(ctx, core.FdSeek{Fd: w.openFd(), Offset: int64(w.R.Intn(16)), Whence: core.Whence(w.R.Intn(3))})
	case n < 48:
		return w.try(ctx, core.FdSetSize{Fd: w.openFd(), Size: uint64(w.R.Intn(24))})
	case n < 50:
		return w.try(ctx, core.FdSetFdFlags{Fd: w.openFd(), Flags: core.Fdflags(w.R.Intn(8))})
	case n < 52:
		return w.try(ctx, core.FdSetTimes{Fd: w.openFd(), Atime: uint64(w.R.Intn(1000)), Mtime: uint64(w.R.Intn(1000)), FstFlags: core.FstflagAtim | core.FstflagMtim})
	case n < 55:
		return w.try(ctx, core.CreateDirectory{Fd: 3, Path: w.dir()})
	case n < 56:
		return w.try(ctx, core.RemoveDirectory{Fd: 3, Path: w.dir()})
	case n < 59:
		return w.try(ctx, core.UnlinkFile{Fd: 3, Path: w.path()})
	case n < 61:
		return w.try(ctx, core.PathRename{OldFd: 3, OldPath: w.path(), NewFd: 3, NewPath: w.path()})
	case n < 62:
		return w.try(ctx, core.CreateHardLink{OldFd: 3, OldPath: w.path(), NewFd: 3, NewPath: w.path()})
	case n < 63:
		return w.try(ctx, core.CreateSymbolicLink{OldPath: w.path(), Fd: 3, NewPath: w.path()})
	case n < 64:
		return w.try(ctx, core.PathSetTimes{Fd: 3, Path: w.path(), Mtime: uint64(w.R.Intn(1000)), FstFlags: core.FstflagMtim})
	case n < 66:
		return w.try(ctx, core.SocketOpen{Af: 2, Ty: 1, Fd: w.fd()})
	case n < 67:
		return w.try(ctx, core.SocketBind{Fd: w.openFd(), Addr: netip.MustParseAddrPort("10.0.0.1:8080")})
	case n < 68:
		return w.try(ctx, core.SocketSend{Fd: w.openFd(), Data: w.data()})
	case n < 69:
		return w.try(ctx, core.CreatePipe{ReadFd: w.fd(), WriteFd: w.fd()})
	case n < 70:
		return w.try(ctx, core.EpollCreate{Fd: w.fd()})
	case n < 71:
		return w.try(ctx, core.CreateEvent{InitialVal: uint64(w.R.Intn(3)), Fd: w.fd()})
	case n < 72:
		return w.try(ctx, core.PortAddAddr{Cidr: netip.MustParsePrefix("10.0.0.1/24")})
	case n < 73:
		return w.try(ctx, core.SetClockTime{ClockID: uint32(w.R.Intn(2)), Time: uint64(w.R.Intn(1 << 20))})
	case n < 74:
		return w.try(ctx, core.TtySet{Tty: core.TtyState{Cols: uint32(40 + w.R.Intn(80)), Rows: 24}})
	case n < 83:
		starts := []uint64{0, 64, 100, 4096, vproc.DefaultPageSize - 16}
		start := starts[w.R.Intn(len(starts))]
		data := RandomBytes(w.R, []int{16, 50, 100}[w.R.Intn(3)])
		if err := w.Process.WriteMemory(ctx, start, data); err != nil {
			return err
		}
		return x.SaveUpdateMemory(ctx, start, data)
	case n < 88:
		st := effector.ThreadState{
			ID:        core.ThreadID(1 + w.R.Intn(3)),
			CallStack: RandomBytes(w.R, 1+w.R.Intn(8)),
		}
		if err := w.Process.RestoreThread(ctx, st); err != nil {
			return err
		}
		return x.SaveThreadState(ctx, st)
	case n < 90:
		// The main thread only ends with the process.
		return w.try(ctx, core.CloseThread{ID: core.ThreadID(2 + w.R.Intn(2))})
	case n < 98:
		_, err := x.SaveSnapshot(ctx, core.SnapshotTrigger(w.R.Intn(int(core.TriggerExplicit)+1)))
		return err
	default:
		code := core.ExitCode(w.R.Intn(3))
		if err := x.ApplyProcessExit(ctx, &code); err != nil {
			return err
		}
		if err := x.SaveProcessExit(ctx, &code); err != nil {
			return err
		}
		return x.SaveInitModule(ctx)
	}
}
