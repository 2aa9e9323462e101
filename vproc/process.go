// Package vproc is an in-memory WASIX process. It implements every target
// interface of package effector, so journals can be replayed without a
// runtime, and its state can be compared, inspected and written out.
package vproc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"path"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/effector"
)

// DefaultPageSize is the WebAssembly page size, used to partition memory
// into snapshot regions.
const DefaultPageSize = 64 * 1024

// DefaultTty is the terminal of a fresh process.
var DefaultTty = core.TtyState{
	Cols: 80, Rows: 25,
	StdinTty: true, StdoutTty: true, StderrTty: true,
	Echo: true, LineBuffered: true,
}

// Options configures a Process.
type Options struct {
	// Preopens are directories opened at fds 3, 4, ... Defaults to "/".
	Preopens []string
	PageSize uint64
	Logger   *slog.Logger
}

// Process is an in-memory process. All methods are safe for concurrent use.
type Process struct {
	mu       sync.Mutex
	logger   *slog.Logger
	preopens []string
	pageSize uint64

	tree *tree
	cwd  string
	fds  map[core.Fd]*descriptor

	memory  []byte
	threads map[core.ThreadID]effector.ThreadState
	tty     core.TtyState
	clocks  map[uint32]uint64
	port    portState

	exitCode *core.ExitCode
	exits    int
	stdout   bytes.Buffer
	stderr   bytes.Buffer
}

var _ effector.Target = (*Process)(nil)

func New(opts Options) *Process {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "VirtualProcess_default")
	} else {
		logger = logger.With("component", "VirtualProcess")
	}
	preopens := opts.Preopens
	if len(preopens) == 0 {
		preopens = []string{"/"}
	}
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	p := &Process{
		logger:   logger,
		preopens: preopens,
		pageSize: pageSize,
		tree:     newTree(),
		cwd:      "/",
		threads:  make(map[core.ThreadID]effector.ThreadState),
		tty:      DefaultTty,
		clocks:   make(map[uint32]uint64),
		port:     newPortState(),
	}
	for _, dir := range preopens {
		p.mkdirAll(dir)
	}
	p.resetDescriptors()
	return p
}

func (p *Process) mkdirAll(dir string) {
	n := p.tree.root
	for _, part := range split(dir) {
		child, ok := n.children[part]
		if !ok {
			child = newDir()
			n.children[part] = child
		}
		n = child
	}
}

// resetDescriptors installs the standard streams and the preopens.
func (p *Process) resetDescriptors() {
	p.fds = map[core.Fd]*descriptor{
		core.StdinFd:  {d: &description{kind: KindStdin}},
		core.StdoutFd: {d: &description{kind: KindStdout}},
		core.StderrFd: {d: &description{kind: KindStderr}},
	}
	for i, dir := range p.preopens {
		p.fds[core.Fd(3+i)] = &descriptor{d: &description{kind: KindDir, path: path.Clean("/" + dir), preopen: true}}
	}
}

// --- Memory ---

func (p *Process) MemorySize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint64(len(p.memory))
}

func (p *Process) ReadMemory(offset uint64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	end := offset + uint64(len(buf))
	if end < offset || end > uint64(len(p.memory)) {
		return fmt.Errorf("read [%d,%d) beyond memory of %d bytes: %w", offset, end, len(p.memory), ErrInvalid)
	}
	copy(buf, p.memory[offset:end])
	return nil
}

// WriteMemory writes buf at offset, growing memory to whole pages as needed.
func (p *Process) WriteMemory(ctx context.Context, offset uint64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	end := offset + uint64(len(buf))
	if end < offset {
		return fmt.Errorf("write at %d overflows: %w", offset, ErrInvalid)
	}
	if end > uint64(len(p.memory)) {
		size := (end + p.pageSize - 1) / p.pageSize * p.pageSize
		grown := make([]byte, size)
		copy(grown, p.memory)
		p.memory = grown
	}
	copy(p.memory[offset:], buf)
	return nil
}

// Regions partitions memory into pages.
func (p *Process) Regions() []effector.Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := uint64(len(p.memory))
	out := make([]effector.Region, 0, (size+p.pageSize-1)/p.pageSize)
	for start := uint64(0); start < size; start += p.pageSize {
		out = append(out, effector.Region{Start: start, End: min(start+p.pageSize, size)})
	}
	return out
}

// --- Threads ---

func (p *Process) Threads() []core.ThreadID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]core.ThreadID, 0, len(p.threads))
	for id := range p.threads {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Process) ThreadState(id core.ThreadID) (effector.ThreadState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.threads[id]
	return cloneThread(st), ok
}

func (p *Process) RestoreThread(ctx context.Context, st effector.ThreadState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[st.ID] = cloneThread(st)
	return nil
}

func (p *Process) ExitThread(ctx context.Context, id core.ThreadID, code *core.ExitCode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.threads[id]; !ok {
		return fmt.Errorf("thread %d: %w", id, effector.ErrUnknownThread)
	}
	delete(p.threads, id)
	return nil
}

func cloneThread(st effector.ThreadState) effector.ThreadState {
	st.CallStack = bytes.Clone(st.CallStack)
	st.MemoryStack = bytes.Clone(st.MemoryStack)
	st.StoreData = bytes.Clone(st.StoreData)
	return st
}

// --- Terminal, clock, process ---

func (p *Process) Tty() core.TtyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tty
}

func (p *Process) SetTty(ctx context.Context, tty core.TtyState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tty = tty
	return nil
}

func (p *Process) SetClockTime(ctx context.Context, clockID uint32, t uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clocks[clockID] = t
	return nil
}

// Exit ends the process. The next run starts with fresh memory, threads and
// descriptors in the same file tree.
func (p *Process) Exit(ctx context.Context, code *core.ExitCode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if code != nil {
		c := *code
		p.exitCode = &c
	} else {
		p.exitCode = nil
	}
	p.exits++
	p.memory = nil
	clear(p.threads)
	p.resetDescriptors()
	p.logger.Debug("Process exited.", "exit_code", code, "exits", p.exits)
	return nil
}

// ExitCode is the status of the last exit, if any.
func (p *Process) ExitCode() (core.ExitCode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}

// Stdout returns everything written to descriptions of the standard output.
func (p *Process) Stdout() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.stdout.Bytes())
}

func (p *Process) Stderr() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.stderr.Bytes())
}

// --- Snapshot ---

// DescriptorState is one entry of the descriptor table.
type DescriptorState struct {
	Kind Kind
	// Description numbers open file descriptions in fd order; descriptors
	// made by DuplicateFd share a number.
	Description      int
	Path             string
	Offset           int64
	Flags            core.Fdflags
	RightsBase       uint64
	RightsInheriting uint64
	Cloexec          bool
	Socket           *SocketState `json:",omitempty"`
	Epoll            map[core.Fd]core.EpollEvent `json:",omitempty"`
	Counter          uint64
}

// FileState is one node of the file tree.
type FileState struct {
	Kind   string
	Data   []byte `json:",omitempty"`
	Target string `json:",omitempty"`
	Atime  uint64
	Mtime  uint64
	// Inode numbers nodes in path order; hard links share a number.
	Inode int
}

// State is a deep copy of everything observable about a Process.
type State struct {
	Descriptors map[core.Fd]DescriptorState
	Memory      []byte
	Threads     map[core.ThreadID]effector.ThreadState
	Files       map[string]FileState
	Cwd         string
	Tty         core.TtyState
	Clocks      map[uint32]uint64
	Port        PortState
	ExitCode    *core.ExitCode
	Stdout      []byte
	Stderr      []byte
}

// Snapshot returns a copy of the process state. Two processes that went
// through equivalent histories have equal snapshots.
func (p *Process) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := State{
		Descriptors: make(map[core.Fd]DescriptorState, len(p.fds)),
		Memory:      trimZeros(p.memory),
		Threads:     make(map[core.ThreadID]effector.ThreadState, len(p.threads)),
		Files:       make(map[string]FileState),
		Cwd:         p.cwd,
		Tty:         p.tty,
		Clocks:      make(map[uint32]uint64, len(p.clocks)),
		Port:        p.port.snapshot(),
		Stdout:      bytes.Clone(p.stdout.Bytes()),
		Stderr:      bytes.Clone(p.stderr.Bytes()),
	}
	if p.exitCode != nil {
		c := *p.exitCode
		st.ExitCode = &c
	}

	inodes := make(map[*node]int)
	p.tree.walk(func(fp string, n *node) {
		ino, ok := inodes[n]
		if !ok {
			ino = len(inodes) + 1
			inodes[n] = ino
		}
		st.Files[fp] = FileState{
			Kind: n.kind.String(), Data: bytes.Clone(n.data), Target: n.target,
			Atime: n.atime, Mtime: n.mtime, Inode: ino,
		}
	})

	fds := make([]core.Fd, 0, len(p.fds))
	for fd := range p.fds {
		fds = append(fds, fd)
	}
	slices.Sort(fds)
	descriptions := make(map[*description]int)
	for _, fd := range fds {
		desc := p.fds[fd]
		id, ok := descriptions[desc.d]
		if !ok {
			id = len(descriptions) + 1
			descriptions[desc.d] = id
		}
		st.Descriptors[fd] = desc.d.state(id, desc.cloexec)
	}

	for id, t := range p.threads {
		st.Threads[id] = cloneThread(t)
	}
	for id, t := range p.clocks {
		st.Clocks[id] = t
	}
	return st
}

// trimZeros drops trailing zero bytes, so memory that grew to a larger page
// boundary compares equal to the same content in a smaller allocation.
func trimZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	if end == 0 {
		return nil
	}
	return bytes.Clone(b[:end])
}

// Files lists the paths of the file tree in lexical order.
func (p *Process) Files() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	p.tree.walk(func(fp string, _ *node) { out = append(out, fp) })
	sort.Strings(out)
	return out
}

// ReadFile returns the content of a regular file.
func (p *Process) ReadFile(fp string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.tree.lookup(fp)
	if err != nil {
		return nil, err
	}
	if n.kind != nodeFile {
		return nil, fmt.Errorf("read %s: %w", fp, ErrIsDirectory)
	}
	return bytes.Clone(n.data), nil
}

func durationPtr(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
