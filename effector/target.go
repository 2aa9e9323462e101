package effector

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/INLOpen/wasmsnap/core"
)

var (
	// ErrBadDescriptor is returned by targets for an fd that is not open.
	ErrBadDescriptor = errors.New("bad file descriptor")
	// ErrUnknownThread is returned by targets for a thread that does not exist.
	ErrUnknownThread = errors.New("unknown thread")
)

// FileSystem is the descriptor table and file tree of a process.
type FileSystem interface {
	// Descriptors lists the open descriptors in ascending order.
	Descriptors() []core.Fd

	Open(ctx context.Context, op core.OpenFd) error
	Close(ctx context.Context, fd core.Fd) error
	Renumber(ctx context.Context, from, to core.Fd) error
	Duplicate(ctx context.Context, from, to core.Fd, cloexec bool) error
	Seek(ctx context.Context, fd core.Fd, offset int64, whence core.Whence) error
	WriteAt(ctx context.Context, fd core.Fd, offset uint64, data []byte) error
	SetFdFlags(ctx context.Context, fd core.Fd, flags core.Fdflags) error
	SetRights(ctx context.Context, fd core.Fd, base, inheriting uint64) error
	SetTimes(ctx context.Context, fd core.Fd, atime, mtime uint64, flags core.Fstflags) error
	SetSize(ctx context.Context, fd core.Fd, size uint64) error
	Advise(ctx context.Context, fd core.Fd, offset, length uint64, advice uint8) error
	Allocate(ctx context.Context, fd core.Fd, offset, length uint64) error

	Mkdir(ctx context.Context, fd core.Fd, path string) error
	Rmdir(ctx context.Context, fd core.Fd, path string) error
	Link(ctx context.Context, op core.CreateHardLink) error
	Symlink(ctx context.Context, target string, fd core.Fd, path string) error
	Unlink(ctx context.Context, fd core.Fd, path string) error
	Rename(ctx context.Context, oldFd core.Fd, oldPath string, newFd core.Fd, newPath string) error
	Chdir(ctx context.Context, path string) error
	PathSetTimes(ctx context.Context, op core.PathSetTimes) error

	CreatePipe(ctx context.Context, readFd, writeFd core.Fd) error
	CreateEvent(ctx context.Context, fd core.Fd, initial uint64, flags uint16) error
	EpollCreate(ctx context.Context, fd core.Fd) error
	EpollCtl(ctx context.Context, epfd core.Fd, op core.EpollOp, fd core.Fd, event *core.EpollEvent) error
}

// Network is the virtual NIC and socket table of a process.
type Network interface {
	PortAddAddr(ctx context.Context, cidr netip.Prefix) error
	PortDelAddr(ctx context.Context, addr netip.Addr) error
	PortClearAddrs(ctx context.Context) error
	PortBridge(ctx context.Context, network, token string, security uint8) error
	PortUnbridge(ctx context.Context) error
	PortDhcpAcquire(ctx context.Context) error
	PortSetGateway(ctx context.Context, ip netip.Addr) error
	PortAddRoute(ctx context.Context, op core.PortRouteAdd) error
	PortClearRoutes(ctx context.Context) error
	PortDelRoute(ctx context.Context, ip netip.Addr) error

	SocketOpen(ctx context.Context, op core.SocketOpen) error
	SocketBind(ctx context.Context, fd core.Fd, addr netip.AddrPort) error
	SocketListen(ctx context.Context, fd core.Fd, backlog uint32) error
	SocketConnected(ctx context.Context, fd core.Fd, local, peer netip.AddrPort) error
	SocketAccepted(ctx context.Context, op core.SocketAccepted) error
	SocketJoinMulticastV4(ctx context.Context, fd core.Fd, group, iface netip.Addr) error
	SocketLeaveMulticastV4(ctx context.Context, fd core.Fd, group, iface netip.Addr) error
	SocketJoinMulticastV6(ctx context.Context, fd core.Fd, group netip.Addr, iface uint32) error
	SocketLeaveMulticastV6(ctx context.Context, fd core.Fd, group netip.Addr, iface uint32) error
	SocketSendFile(ctx context.Context, sock, file core.Fd, offset, count uint64) error
	SocketSend(ctx context.Context, fd core.Fd, data []byte, flags uint16) error
	SocketSendTo(ctx context.Context, fd core.Fd, data []byte, flags uint16, addr netip.AddrPort) error
	SocketSetOptFlag(ctx context.Context, fd core.Fd, opt core.SocketOption, flag bool) error
	SocketSetOptSize(ctx context.Context, fd core.Fd, opt core.SocketOption, size uint64) error
	SocketSetOptTime(ctx context.Context, fd core.Fd, ty core.TimeType, t *time.Duration) error
	SocketShutdown(ctx context.Context, fd core.Fd, how uint8) error
	SocketPair(ctx context.Context, fd1, fd2 core.Fd) error
}

// Region is a span of linear memory tracked for snapshot diffs.
type Region struct {
	Start uint64
	End   uint64
}

// Memory is the guest's linear memory.
type Memory interface {
	MemorySize() uint64
	ReadMemory(offset uint64, p []byte) error
	WriteMemory(ctx context.Context, offset uint64, p []byte) error
	// Regions partitions the current memory into the spans a snapshot
	// compares independently.
	Regions() []Region
}

// ThreadState is everything needed to resume a thread.
type ThreadState struct {
	ID          core.ThreadID
	CallStack   []byte
	MemoryStack []byte
	StoreData   []byte
	Is64Bit     bool
	Layout      core.ThreadLayout
}

// Threads is the set of guest threads.
type Threads interface {
	// Threads lists live threads in ascending id order.
	Threads() []core.ThreadID
	ThreadState(id core.ThreadID) (ThreadState, bool)
	RestoreThread(ctx context.Context, st ThreadState) error
	// ExitThread returns ErrUnknownThread for a thread that is not live.
	ExitThread(ctx context.Context, id core.ThreadID, code *core.ExitCode) error
}

type Terminal interface {
	Tty() core.TtyState
	SetTty(ctx context.Context, tty core.TtyState) error
}

type Clock interface {
	SetClockTime(ctx context.Context, clockID uint32, t uint64) error
}

// Process covers whole-process lifecycle.
type Process interface {
	// Exit ends the process. Memory, threads and descriptors return to
	// their initial state; the file tree and configuration persist.
	Exit(ctx context.Context, code *core.ExitCode) error
}

// Target is what journal entries are applied to: a real runtime, or the
// in-memory process in package vproc.
type Target interface {
	FileSystem
	Network
	Memory
	Threads
	Terminal
	Clock
	Process
}
