// Package replay rebuilds a process from its journal.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/effector"
	"github.com/INLOpen/wasmsnap/hooks"
	"github.com/INLOpen/wasmsnap/journal"
)

const tracerName = "github.com/INLOpen/wasmsnap/replay"

// State is the phase of a replay.
type State int

const (
	// Bootstrapping stages state until the last snapshot of the log.
	Bootstrapping State = iota
	// Replaying applies every entry as it is read.
	Replaying
	// Live means the whole log has been applied.
	Live
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "bootstrapping"
	case Replaying:
		return "replaying"
	case Live:
		return "live"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result describes a finished replay.
type Result struct {
	EntriesRead    int
	EntriesApplied int
	SkippedMemory  int
	Snapshots      int
	State          State
	// LastTrigger is the trigger of the last snapshot marker, when
	// Snapshots is non-zero.
	LastTrigger core.SnapshotTrigger
	// ExitCode is set when the process exited after bootstrap.
	ExitCode *core.ExitCode
	// ModuleHash is the hash of the last InitModule entry.
	ModuleHash core.ModuleHash
	Duration   time.Duration
}

type Options struct {
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
}

type fdSet map[core.Fd]struct{}

func newFdSet(fds ...core.Fd) fdSet {
	s := make(fdSet, len(fds))
	for _, fd := range fds {
		s[fd] = struct{}{}
	}
	return s
}

func (s fdSet) has(fd core.Fd) bool { _, ok := s[fd]; return ok }

// Player drives the entries of a journal through an effector.
//
// During bootstrap, memory, thread and terminal state is staged and only
// the final value of each is applied when the last snapshot is reached.
// Descriptors are split in two: real descriptors exist on the target and
// operations on them are applied at once, while sockets, pipes, epoll
// instances and events are ethereal and their operations are held back
// until the same point. A process exit during bootstrap discards whatever
// was staged.
type Player struct {
	r      journal.Readable
	x      *effector.Effector
	logger *slog.Logger
	hooks  hooks.HookManager
	tracer trace.Tracer

	state  State
	result Result

	memory  []core.UpdateMemoryRegion
	threads map[core.ThreadID]core.SetThread
	tty     *core.TtyState

	ethereal    []core.Entry
	etherealFds fdSet
	real        fdSet
	initial     fdSet

	stdoutFds, stderrFds fdSet
	stdout, stderr       bytes.Buffer
}

func NewPlayer(r journal.Readable, x *effector.Effector, opts Options) *Player {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "Player_default")
	} else {
		logger = logger.With("component", "Player")
	}
	var tracer trace.Tracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}
	p := &Player{
		r:           r,
		x:           x,
		logger:      logger,
		hooks:       opts.HookManager,
		tracer:      tracer,
		threads:     make(map[core.ThreadID]core.SetThread),
		etherealFds: newFdSet(),
	}
	p.resetStreams()
	return p
}

// Stdout returns everything the log wrote to descriptors aliasing the
// standard output, in log order.
func (p *Player) Stdout() []byte { return bytes.Clone(p.stdout.Bytes()) }

func (p *Player) Stderr() []byte { return bytes.Clone(p.stderr.Bytes()) }

// State is the current phase.
func (p *Player) State() State { return p.state }

// Run replays the journal to its end.
func (p *Player) Run(ctx context.Context) (res Result, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "Player.Run")
	defer span.End()
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int("replay.entries_read", res.EntriesRead),
			attribute.Int("replay.entries_applied", res.EntriesApplied),
			attribute.Int("replay.skipped_memory", res.SkippedMemory),
			attribute.Int("replay.snapshots", res.Snapshots),
			attribute.String("replay.state", res.State.String()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "replay failed")
		}
		hooks.Fire(ctx, p.hooks, hooks.NewPostReplayEvent(hooks.PostReplayPayload{
			EntriesApplied: res.EntriesApplied,
			SkippedMemory:  res.SkippedMemory,
			Duration:       res.Duration,
			Err:            err,
		}))
	}()

	last, err := p.lastSnapshot(ctx)
	if err != nil {
		return p.result, err
	}
	p.beginBootstrap()

	for idx := 0; ; idx++ {
		rec, err := p.r.Read(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return p.finish(), fmt.Errorf("failed to read journal entry %d: %w", idx, err)
		}
		p.result.EntriesRead++
		if err := p.play(ctx, rec.Entry); err != nil {
			return p.finish(), err
		}
		if idx == last && p.state == Bootstrapping {
			if err := p.commit(ctx); err != nil {
				return p.finish(), err
			}
			p.state = Replaying
			p.logger.Debug("Bootstrap complete.", "entry", idx)
		}
	}

	if err := p.commit(ctx); err != nil {
		return p.finish(), err
	}
	p.state = Live
	res = p.finish()
	p.logger.Info("Journal replayed.",
		"entries_read", res.EntriesRead, "entries_applied", res.EntriesApplied,
		"skipped_memory", res.SkippedMemory, "snapshots", res.Snapshots)
	return res, nil
}

func (p *Player) finish() Result {
	p.result.State = p.state
	return p.result
}

// lastSnapshot finds the index of the last Snapshot marker by reading the
// log once through Restarted. It returns -1 when there is none, and also
// when the journal cannot be reread, in which case the whole log is
// bootstrapped.
func (p *Player) lastSnapshot(ctx context.Context) (int, error) {
	scan, err := p.r.Restarted()
	if err != nil {
		p.logger.Warn("Journal cannot be reread; bootstrapping to the end of the log.", "error", err)
		return -1, nil
	}
	defer journal.Close(scan)

	last := -1
	for idx := 0; ; idx++ {
		rec, err := scan.Read(ctx)
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return -1, fmt.Errorf("failed to scan journal for snapshots at entry %d: %w", idx, err)
		}
		if _, ok := rec.Entry.(core.Snapshot); ok {
			last = idx
		}
	}
}

func (p *Player) beginBootstrap() {
	p.real = newFdSet(p.x.Target().Descriptors()...)
	p.initial = newFdSet(p.x.Target().Descriptors()...)
}

func (p *Player) resetStreams() {
	p.stdoutFds = newFdSet(core.StdoutFd)
	p.stderrFds = newFdSet(core.StderrFd)
}

func (p *Player) apply(ctx context.Context, e core.Entry) error {
	if err := p.x.Apply(ctx, e); err != nil {
		return err
	}
	p.result.EntriesApplied++
	return nil
}

func (p *Player) play(ctx context.Context, e core.Entry) error {
	p.trackStreams(e)

	switch v := e.(type) {
	case core.InitModule:
		p.result.ModuleHash = v.WasmHash
		return p.apply(ctx, e)
	case core.Snapshot:
		p.result.Snapshots++
		p.result.LastTrigger = v.Trigger
		return nil
	case core.UpdateMemoryRegion:
		if !p.x.MemoryMatches(v.ModuleHash) {
			p.result.SkippedMemory++
			p.logger.Debug("Skipping memory update for another module.", "start", v.Start, "end", v.End, "hash", v.ModuleHash)
			return nil
		}
	}

	if p.state != Bootstrapping {
		if pe, ok := e.(core.ProcessExit); ok && pe.ExitCode != nil {
			code := *pe.ExitCode
			p.result.ExitCode = &code
		}
		return p.apply(ctx, e)
	}
	return p.bootstrap(ctx, e)
}

func (p *Player) bootstrap(ctx context.Context, e core.Entry) error {
	switch v := e.(type) {
	case core.UpdateMemoryRegion:
		p.stageMemory(core.Clone(v).(core.UpdateMemoryRegion))
		return nil
	case core.SetThread:
		p.threads[v.ID] = core.Clone(v).(core.SetThread)
		return nil
	case core.CloseThread:
		if v.ID == core.MainThread {
			return p.restart(ctx, nil)
		}
		delete(p.threads, v.ID)
		return nil
	case core.TtySet:
		tty := v.Tty
		p.tty = &tty
		return nil
	case core.ProcessExit:
		return p.restart(ctx, &v)
	case core.ClearEthereal:
		p.ethereal = nil
		clear(p.etherealFds)
		p.real = newFdSet(p.x.Target().Descriptors()...)
		return nil
	}
	return p.route(ctx, e)
}

// stageMemory keeps only the latest update of each exact range. The
// replaced update moves to the end so that overlapping ranges are still
// applied in log order.
func (p *Player) stageMemory(u core.UpdateMemoryRegion) {
	if i := slices.IndexFunc(p.memory, func(m core.UpdateMemoryRegion) bool {
		return m.Start == u.Start && m.End == u.End
	}); i >= 0 {
		p.memory = slices.Delete(p.memory, i, i+1)
	}
	p.memory = append(p.memory, u)
}

// alwaysEthereal reports whether e concerns a descriptor that cannot be
// recreated until the process runs again.
func alwaysEthereal(e core.Entry) bool {
	switch e.(type) {
	case core.EpollCreate, core.EpollCtl, core.CreatePipe, core.CreateEvent:
		return true
	}
	t := e.RecordType()
	return t >= core.TypeSocketOpen && t <= core.TypeSocketShutdown || t == core.TypeSocketPair
}

// route applies e to a real descriptor or defers it.
func (p *Player) route(ctx context.Context, e core.Entry) error {
	if alwaysEthereal(e) {
		p.postpone(e)
		return nil
	}
	switch v := e.(type) {
	case core.OpenFd:
		if p.etherealFds.has(v.DirFd) {
			if err := p.flush(ctx); err != nil {
				return err
			}
		}
		return p.install(ctx, e, v.Fd)
	case core.DuplicateFd:
		if p.real.has(v.OriginalFd) {
			return p.install(ctx, e, v.CopiedFd)
		}
	case core.RenumberFd:
		if p.real.has(v.OldFd) {
			if v.OldFd == v.NewFd {
				return p.apply(ctx, e)
			}
			if err := p.install(ctx, e, v.NewFd); err != nil {
				return err
			}
			delete(p.real, v.OldFd)
			return nil
		}
	case core.CloseFd:
		if p.real.has(v.Fd) {
			delete(p.real, v.Fd)
			return p.apply(ctx, e)
		}
	default:
		direct := true
		for _, fd := range core.Descriptors(e) {
			if !p.real.has(fd) {
				direct = false
				break
			}
		}
		if direct {
			return p.apply(ctx, e)
		}
	}
	p.postpone(e)
	return nil
}

// install applies e, which opens a real descriptor at fd. Deferred entries
// that used the same number are applied first to keep their order.
func (p *Player) install(ctx context.Context, e core.Entry, fd core.Fd) error {
	if p.etherealFds.has(fd) {
		if err := p.flush(ctx); err != nil {
			return err
		}
	}
	if err := p.apply(ctx, e); err != nil {
		return err
	}
	p.real[fd] = struct{}{}
	return nil
}

func (p *Player) postpone(e core.Entry) {
	p.ethereal = append(p.ethereal, core.Clone(e))
	for _, fd := range core.Descriptors(e) {
		if sf, ok := e.(core.SocketSendFile); ok && fd == sf.FileFd {
			continue
		}
		delete(p.real, fd)
		p.etherealFds[fd] = struct{}{}
	}
}

// flush applies the deferred entries in order.
func (p *Player) flush(ctx context.Context) error {
	for _, e := range p.ethereal {
		if err := p.apply(ctx, e); err != nil {
			return err
		}
	}
	if len(p.ethereal) > 0 {
		p.logger.Debug("Applied deferred entries.", "count", len(p.ethereal))
	}
	p.ethereal = nil
	clear(p.etherealFds)
	p.real = newFdSet(p.x.Target().Descriptors()...)
	return nil
}

// restart discards staged state when the process ended during bootstrap.
// Nothing is terminated: the descriptors the log opened are closed and the
// bookkeeping starts over. exit is the ProcessExit that caused the
// restart, nil when the main thread ended.
func (p *Player) restart(ctx context.Context, exit *core.ProcessExit) error {
	p.memory = nil
	clear(p.threads)
	p.ethereal = nil
	clear(p.etherealFds)

	for _, fd := range slices.Sorted(maps.Keys(p.real)) {
		if p.initial.has(fd) {
			continue
		}
		if err := p.apply(ctx, core.CloseFd{Fd: fd}); err != nil {
			return err
		}
	}
	if exit != nil {
		p.logger.Debug("Process exit during bootstrap; restarting.", "has_exit_code", exit.ExitCode != nil)
	}
	p.beginBootstrap()
	return nil
}

// commit applies the staged state: memory, deferred entries, threads in id
// order, then the terminal.
func (p *Player) commit(ctx context.Context) error {
	for _, m := range p.memory {
		if err := p.apply(ctx, m); err != nil {
			return err
		}
	}
	p.memory = nil

	if err := p.flush(ctx); err != nil {
		return err
	}

	ids := make([]core.ThreadID, 0, len(p.threads))
	for id := range p.threads {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := p.apply(ctx, p.threads[id]); err != nil {
			return err
		}
	}
	clear(p.threads)

	if p.tty != nil {
		if err := p.apply(ctx, core.TtySet{Tty: *p.tty}); err != nil {
			return err
		}
		p.tty = nil
	}
	return nil
}

// trackStreams follows which descriptors alias the standard output and
// error, and captures what the log wrote to them.
func (p *Player) trackStreams(e core.Entry) {
	switch v := e.(type) {
	case core.FdWrite:
		if p.stdoutFds.has(v.Fd) {
			p.stdout.Write(v.Data)
		}
		if p.stderrFds.has(v.Fd) {
			p.stderr.Write(v.Data)
		}
	case core.DuplicateFd:
		for _, s := range []fdSet{p.stdoutFds, p.stderrFds} {
			delete(s, v.CopiedFd)
			if s.has(v.OriginalFd) {
				s[v.CopiedFd] = struct{}{}
			}
		}
	case core.RenumberFd:
		if v.OldFd == v.NewFd {
			return
		}
		for _, s := range []fdSet{p.stdoutFds, p.stderrFds} {
			aliased := s.has(v.OldFd)
			delete(s, v.OldFd)
			delete(s, v.NewFd)
			if aliased {
				s[v.NewFd] = struct{}{}
			}
		}
	case core.ProcessExit:
		p.resetStreams()
	default:
		for _, fd := range replaced(e) {
			delete(p.stdoutFds, fd)
			delete(p.stderrFds, fd)
		}
	}
}

// replaced returns the descriptors whose previous description e closes.
func replaced(e core.Entry) []core.Fd {
	switch v := e.(type) {
	case core.CloseFd:
		return []core.Fd{v.Fd}
	case core.OpenFd:
		return []core.Fd{v.Fd}
	case core.SocketOpen:
		return []core.Fd{v.Fd}
	case core.SocketAccepted:
		return []core.Fd{v.Fd}
	case core.SocketPair:
		return []core.Fd{v.Fd1, v.Fd2}
	case core.CreatePipe:
		return []core.Fd{v.ReadFd, v.WriteFd}
	case core.EpollCreate:
		return []core.Fd{v.Fd}
	case core.CreateEvent:
		return []core.Fd{v.Fd}
	}
	return nil
}
