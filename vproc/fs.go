package vproc

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/effector"
)

// Kind is the type of an open file description.
type Kind string

const (
	KindStdin     Kind = "stdin"
	KindStdout    Kind = "stdout"
	KindStderr    Kind = "stderr"
	KindFile      Kind = "file"
	KindDir       Kind = "dir"
	KindSocket    Kind = "socket"
	KindPipeRead  Kind = "pipe-read"
	KindPipeWrite Kind = "pipe-write"
	KindEpoll     Kind = "epoll"
	KindEvent     Kind = "event"
)

// description is an open file description, shared by duplicated fds.
type description struct {
	kind    Kind
	node    *node
	path    string
	preopen bool
	offset  int64
	flags   core.Fdflags
	rights  [2]uint64

	socket  *socket
	pipe    *pipe
	epoll   map[core.Fd]core.EpollEvent
	counter uint64
}

type descriptor struct {
	d       *description
	cloexec bool
}

type pipe struct {
	buffered uint64
}

func (d *description) state(id int, cloexec bool) DescriptorState {
	st := DescriptorState{
		Kind:             d.kind,
		Description:      id,
		Path:             d.path,
		Offset:           d.offset,
		Flags:            d.flags,
		RightsBase:       d.rights[0],
		RightsInheriting: d.rights[1],
		Cloexec:          cloexec,
		Counter:          d.counter,
	}
	if d.socket != nil {
		s := d.socket.state()
		st.Socket = &s
	}
	if d.pipe != nil {
		st.Counter = d.pipe.buffered
	}
	if d.epoll != nil {
		st.Epoll = make(map[core.Fd]core.EpollEvent, len(d.epoll))
		for fd, ev := range d.epoll {
			st.Epoll[fd] = ev
		}
	}
	return st
}

func badFd(fd core.Fd) error {
	return fmt.Errorf("fd %d: %w", fd, effector.ErrBadDescriptor)
}

func (p *Process) get(fd core.Fd) (*description, error) {
	desc, ok := p.fds[fd]
	if !ok {
		return nil, badFd(fd)
	}
	return desc.d, nil
}

func (p *Process) getKind(fd core.Fd, kinds ...Kind) (*description, error) {
	d, err := p.get(fd)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(kinds, d.kind) {
		return nil, fmt.Errorf("fd %d is a %s, want %v: %w", fd, d.kind, kinds, ErrInvalid)
	}
	return d, nil
}

// resolve turns a path relative to the directory open at dirFd into an
// absolute path. Absolute paths ignore dirFd.
func (p *Process) resolve(dirFd core.Fd, rel string) (string, error) {
	if path.IsAbs(rel) {
		return path.Clean(rel), nil
	}
	d, err := p.getKind(dirFd, KindDir)
	if err != nil {
		return "", err
	}
	return path.Join(d.path, rel), nil
}

// install puts desc at fd, replacing whatever was open there.
func (p *Process) install(fd core.Fd, d *description) {
	p.fds[fd] = &descriptor{d: d}
}

func (p *Process) Descriptors() []core.Fd {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.Fd, 0, len(p.fds))
	for fd := range p.fds {
		out = append(out, fd)
	}
	slices.Sort(out)
	return out
}

// Describe returns the state of the descriptor open at fd.
func (p *Process) Describe(fd core.Fd) (DescriptorState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	desc, ok := p.fds[fd]
	if !ok {
		return DescriptorState{}, false
	}
	return desc.d.state(0, desc.cloexec), true
}

func (p *Process) Open(ctx context.Context, op core.OpenFd) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	abs, err := p.resolve(op.DirFd, op.Path)
	if err != nil {
		return err
	}
	n, err := p.tree.lookup(abs)
	switch {
	case err == nil:
		if op.OFlags&core.OFlagCreat != 0 && op.OFlags&core.OFlagExcl != 0 {
			return fmt.Errorf("open %s: %w", abs, fs.ErrExist)
		}
	case op.OFlags&core.OFlagCreat != 0 && op.OFlags&core.OFlagDirectory == 0:
		n = &node{kind: nodeFile}
		if err := p.tree.create(abs, n); err != nil {
			return err
		}
	default:
		return err
	}
	if op.OFlags&core.OFlagDirectory != 0 && n.kind != nodeDir {
		return fmt.Errorf("open %s: %w", abs, ErrNotDirectory)
	}

	d := &description{
		node:   n,
		path:   abs,
		flags:  op.FsFlags,
		rights: [2]uint64{op.RightsBase, op.RightsInheriting},
	}
	switch n.kind {
	case nodeDir:
		d.kind = KindDir
	case nodeFile:
		d.kind = KindFile
		if op.OFlags&core.OFlagTrunc != 0 {
			resize(n, 0)
		}
	default:
		return fmt.Errorf("open %s: symbolic links are not followed: %w", abs, ErrInvalid)
	}
	p.install(op.Fd, d)
	return nil
}

func (p *Process) Close(ctx context.Context, fd core.Fd) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return badFd(fd)
	}
	delete(p.fds, fd)
	return nil
}

func (p *Process) Renumber(ctx context.Context, from, to core.Fd) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	desc, ok := p.fds[from]
	if !ok {
		return badFd(from)
	}
	if from == to {
		return nil
	}
	p.fds[to] = desc
	delete(p.fds, from)
	return nil
}

func (p *Process) Duplicate(ctx context.Context, from, to core.Fd, cloexec bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	desc, ok := p.fds[from]
	if !ok {
		return badFd(from)
	}
	p.fds[to] = &descriptor{d: desc.d, cloexec: cloexec}
	return nil
}

func (p *Process) Seek(ctx context.Context, fd core.Fd, offset int64, whence core.Whence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, err := p.getKind(fd, KindFile)
	if err != nil {
		return err
	}
	var base int64
	switch whence {
	case core.WhenceSet:
	case core.WhenceCur:
		base = d.offset
	case core.WhenceEnd:
		base = int64(len(d.node.data))
	default:
		return fmt.Errorf("seek whence %d: %w", whence, ErrInvalid)
	}
	if base+offset < 0 {
		return fmt.Errorf("seek to %d: %w", base+offset, ErrInvalid)
	}
	d.offset = base + offset
	return nil
}

func (p *Process) WriteAt(ctx context.Context, fd core.Fd, offset uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, err := p.get(fd)
	if err != nil {
		return err
	}
	switch d.kind {
	case KindStdout:
		p.stdout.Write(data)
	case KindStderr:
		p.stderr.Write(data)
	case KindFile:
		writeAt(d.node, offset, data)
		d.offset = int64(offset) + int64(len(data))
	case KindPipeWrite:
		d.pipe.buffered += uint64(len(data))
	case KindSocket:
		d.socket.sent += uint64(len(data))
	case KindEvent:
		d.counter += uint64(len(data))
	default:
		return fmt.Errorf("write to %s fd %d: %w", d.kind, fd, ErrInvalid)
	}
	return nil
}

func (p *Process) SetFdFlags(ctx context.Context, fd core.Fd, flags core.Fdflags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, err := p.get(fd)
	if err != nil {
		return err
	}
	d.flags = flags
	return nil
}

func (p *Process) SetRights(ctx context.Context, fd core.Fd, base, inheriting uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, err := p.get(fd)
	if err != nil {
		return err
	}
	d.rights = [2]uint64{base, inheriting}
	return nil
}

// setTimes applies explicit timestamps. The process has no wall clock, so
// the *_NOW flags leave the time unchanged, as does every other operation.
func setTimes(n *node, atime, mtime uint64, flags core.Fstflags) {
	if flags&core.FstflagAtim != 0 && flags&core.FstflagAtimNow == 0 {
		n.atime = atime
	}
	if flags&core.FstflagMtim != 0 && flags&core.FstflagMtimNow == 0 {
		n.mtime = mtime
	}
}

func (p *Process) SetTimes(ctx context.Context, fd core.Fd, atime, mtime uint64, flags core.Fstflags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, err := p.getKind(fd, KindFile, KindDir)
	if err != nil {
		return err
	}
	n := d.node
	if n == nil {
		if n, err = p.tree.lookup(d.path); err != nil {
			return err
		}
	}
	setTimes(n, atime, mtime, flags)
	return nil
}

func (p *Process) SetSize(ctx context.Context, fd core.Fd, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, err := p.getKind(fd, KindFile)
	if err != nil {
		return err
	}
	resize(d.node, size)
	return nil
}

func (p *Process) Advise(ctx context.Context, fd core.Fd, offset, length uint64, advice uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.getKind(fd, KindFile)
	return err
}

func (p *Process) Allocate(ctx context.Context, fd core.Fd, offset, length uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, err := p.getKind(fd, KindFile)
	if err != nil {
		return err
	}
	if end := offset + length; end > uint64(len(d.node.data)) {
		resize(d.node, end)
	}
	return nil
}

func (p *Process) Mkdir(ctx context.Context, fd core.Fd, rel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	abs, err := p.resolve(fd, rel)
	if err != nil {
		return err
	}
	return p.tree.create(abs, newDir())
}

func (p *Process) Rmdir(ctx context.Context, fd core.Fd, rel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	abs, err := p.resolve(fd, rel)
	if err != nil {
		return err
	}
	return p.tree.remove(abs, true)
}

func (p *Process) Link(ctx context.Context, op core.CreateHardLink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	from, err := p.resolve(op.OldFd, op.OldPath)
	if err != nil {
		return err
	}
	to, err := p.resolve(op.NewFd, op.NewPath)
	if err != nil {
		return err
	}
	n, err := p.tree.lookup(from)
	if err != nil {
		return err
	}
	if n.kind == nodeDir {
		return fmt.Errorf("link %s: %w", from, ErrIsDirectory)
	}
	return p.tree.create(to, n)
}

func (p *Process) Symlink(ctx context.Context, target string, fd core.Fd, rel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	abs, err := p.resolve(fd, rel)
	if err != nil {
		return err
	}
	return p.tree.create(abs, &node{kind: nodeSymlink, target: target})
}

func (p *Process) Unlink(ctx context.Context, fd core.Fd, rel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	abs, err := p.resolve(fd, rel)
	if err != nil {
		return err
	}
	return p.tree.remove(abs, false)
}

func (p *Process) Rename(ctx context.Context, oldFd core.Fd, oldPath string, newFd core.Fd, newPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	from, err := p.resolve(oldFd, oldPath)
	if err != nil {
		return err
	}
	to, err := p.resolve(newFd, newPath)
	if err != nil {
		return err
	}
	return p.tree.rename(from, to)
}

func (p *Process) Chdir(ctx context.Context, dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	abs := dir
	if !path.IsAbs(abs) {
		abs = path.Join(p.cwd, dir)
	}
	n, err := p.tree.lookup(abs)
	if err != nil {
		return err
	}
	if n.kind != nodeDir {
		return fmt.Errorf("chdir %s: %w", abs, ErrNotDirectory)
	}
	p.cwd = path.Clean(abs)
	return nil
}

func (p *Process) PathSetTimes(ctx context.Context, op core.PathSetTimes) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	abs, err := p.resolve(op.Fd, op.Path)
	if err != nil {
		return err
	}
	n, err := p.tree.lookup(abs)
	if err != nil {
		return err
	}
	setTimes(n, op.Atime, op.Mtime, op.FstFlags)
	return nil
}

func (p *Process) CreatePipe(ctx context.Context, readFd, writeFd core.Fd) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if readFd == writeFd {
		return fmt.Errorf("pipe ends share fd %d: %w", readFd, ErrInvalid)
	}
	shared := &pipe{}
	p.install(readFd, &description{kind: KindPipeRead, pipe: shared})
	p.install(writeFd, &description{kind: KindPipeWrite, pipe: shared})
	return nil
}

func (p *Process) CreateEvent(ctx context.Context, fd core.Fd, initial uint64, flags uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.install(fd, &description{kind: KindEvent, counter: initial, flags: core.Fdflags(flags)})
	return nil
}

func (p *Process) EpollCreate(ctx context.Context, fd core.Fd) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.install(fd, &description{kind: KindEpoll, epoll: make(map[core.Fd]core.EpollEvent)})
	return nil
}

func (p *Process) EpollCtl(ctx context.Context, epfd core.Fd, op core.EpollOp, fd core.Fd, event *core.EpollEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, err := p.getKind(epfd, KindEpoll)
	if err != nil {
		return err
	}
	_, registered := ep.epoll[fd]
	switch op {
	case core.EpollCtlAdd, core.EpollCtlMod:
		if _, err := p.get(fd); err != nil {
			return err
		}
		if op == core.EpollCtlAdd && registered {
			return fmt.Errorf("epoll add fd %d: %w", fd, fs.ErrExist)
		}
		if op == core.EpollCtlMod && !registered {
			return fmt.Errorf("epoll mod fd %d: %w", fd, fs.ErrNotExist)
		}
		var ev core.EpollEvent
		if event != nil {
			ev = *event
		}
		ep.epoll[fd] = ev
	case core.EpollCtlDel:
		if !registered {
			return fmt.Errorf("epoll del fd %d: %w", fd, fs.ErrNotExist)
		}
		delete(ep.epoll, fd)
	default:
		return fmt.Errorf("epoll op %d: %w", op, ErrInvalid)
	}
	return nil
}
