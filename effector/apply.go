package effector

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/INLOpen/wasmsnap/compressors"
	"github.com/INLOpen/wasmsnap/core"
)

// Apply makes the target perform entry. Failures are *core.ReplayError.
func (x *Effector) Apply(ctx context.Context, entry core.Entry) error {
	switch v := entry.(type) {
	case core.InitModule:
		return x.ApplyInitModule(ctx, v.WasmHash)
	case core.ProcessExit:
		return x.ApplyProcessExit(ctx, v.ExitCode)
	case core.SetThread:
		return x.ApplyThreadState(ctx, ThreadState{
			ID: v.ID, CallStack: v.CallStack, MemoryStack: v.MemoryStack,
			StoreData: v.StoreData, Is64Bit: v.Is64Bit, Layout: v.Layout,
		})
	case core.CloseThread:
		return x.ApplyThreadExit(ctx, v.ID, v.ExitCode)
	case core.UpdateMemoryRegion:
		return x.ApplyUpdateMemory(ctx, v)
	case core.ClearEthereal, core.Snapshot:
		return nil
	case core.SetClockTime:
		return x.ApplyClockTime(ctx, v.ClockID, v.Time)

	case core.FdSeek:
		return x.ApplyFdSeek(ctx, v.Fd, v.Offset, v.Whence)
	case core.FdWrite:
		return x.ApplyFdWrite(ctx, v.Fd, v.Offset, v.Data)
	case core.OpenFd:
		return x.ApplyOpenFd(ctx, v)
	case core.CloseFd:
		return x.ApplyFdClose(ctx, v.Fd)
	case core.RenumberFd:
		return x.ApplyFdRenumber(ctx, v.OldFd, v.NewFd)
	case core.DuplicateFd:
		return x.ApplyFdDuplicate(ctx, v.OriginalFd, v.CopiedFd, v.Cloexec)
	case core.FdSetTimes:
		return x.ApplyFdSetTimes(ctx, v.Fd, v.Atime, v.Mtime, v.FstFlags)
	case core.FdSetSize:
		return x.ApplyFdSetSize(ctx, v.Fd, v.Size)
	case core.FdSetFdFlags:
		return x.ApplyFdSetFlags(ctx, v.Fd, v.Flags)
	case core.FdSetRights:
		return x.ApplyFdSetRights(ctx, v.Fd, v.Base, v.Inheriting)
	case core.FdAdvise:
		return x.ApplyFdAdvise(ctx, v.Fd, v.Offset, v.Len, v.Advice)
	case core.FdAllocate:
		return x.ApplyFdAllocate(ctx, v.Fd, v.Offset, v.Len)

	case core.CreateDirectory:
		return x.ApplyCreateDirectory(ctx, v.Fd, v.Path)
	case core.RemoveDirectory:
		return x.ApplyRemoveDirectory(ctx, v.Fd, v.Path)
	case core.PathSetTimes:
		return x.ApplyPathSetTimes(ctx, v)
	case core.CreateHardLink:
		return x.ApplyCreateHardLink(ctx, v)
	case core.CreateSymbolicLink:
		return x.ApplyCreateSymbolicLink(ctx, v.OldPath, v.Fd, v.NewPath)
	case core.UnlinkFile:
		return x.ApplyUnlinkFile(ctx, v.Fd, v.Path)
	case core.PathRename:
		return x.ApplyPathRename(ctx, v.OldFd, v.OldPath, v.NewFd, v.NewPath)
	case core.ChangeDirectory:
		return x.ApplyChangeDirectory(ctx, v.Path)

	case core.EpollCreate:
		return x.ApplyEpollCreate(ctx, v.Fd)
	case core.EpollCtl:
		return x.ApplyEpollCtl(ctx, v.EpFd, v.Op, v.Fd, v.Event)
	case core.TtySet:
		return x.ApplyTtySet(ctx, v.Tty)
	case core.CreatePipe:
		return x.ApplyCreatePipe(ctx, v.ReadFd, v.WriteFd)
	case core.CreateEvent:
		return x.ApplyCreateEvent(ctx, v.InitialVal, v.Flags, v.Fd)

	case core.PortAddAddr:
		return x.ApplyPortAddAddr(ctx, v.Cidr)
	case core.PortDelAddr:
		return x.ApplyPortDelAddr(ctx, v.Addr)
	case core.PortAddrClear:
		return x.ApplyPortAddrClear(ctx)
	case core.PortBridge:
		return x.ApplyPortBridge(ctx, v.Network, v.Token, v.Security)
	case core.PortUnbridge:
		return x.ApplyPortUnbridge(ctx)
	case core.PortDhcpAcquire:
		return x.ApplyPortDhcpAcquire(ctx)
	case core.PortGatewaySet:
		return x.ApplyPortGatewaySet(ctx, v.IP)
	case core.PortRouteAdd:
		return x.ApplyPortRouteAdd(ctx, v)
	case core.PortRouteClear:
		return x.ApplyPortRouteClear(ctx)
	case core.PortRouteDel:
		return x.ApplyPortRouteDel(ctx, v.IP)

	case core.SocketOpen:
		return x.ApplySocketOpen(ctx, v)
	case core.SocketListen:
		return x.ApplySocketListen(ctx, v.Fd, v.Backlog)
	case core.SocketBind:
		return x.ApplySocketBind(ctx, v.Fd, v.Addr)
	case core.SocketConnected:
		return x.ApplySocketConnected(ctx, v.Fd, v.LocalAddr, v.PeerAddr)
	case core.SocketAccepted:
		return x.ApplySocketAccepted(ctx, v)
	case core.SocketJoinIPv4Multicast:
		return x.ApplySocketJoinIPv4Multicast(ctx, v.Fd, v.MultiAddr, v.Iface)
	case core.SocketJoinIPv6Multicast:
		return x.ApplySocketJoinIPv6Multicast(ctx, v.Fd, v.MultiAddr, v.Iface)
	case core.SocketLeaveIPv4Multicast:
		return x.ApplySocketLeaveIPv4Multicast(ctx, v.Fd, v.MultiAddr, v.Iface)
	case core.SocketLeaveIPv6Multicast:
		return x.ApplySocketLeaveIPv6Multicast(ctx, v.Fd, v.MultiAddr, v.Iface)
	case core.SocketSendFile:
		return x.ApplySocketSendFile(ctx, v.SocketFd, v.FileFd, v.Offset, v.Count)
	case core.SocketSendTo:
		return x.ApplySocketSendTo(ctx, v.Fd, v.Data, v.Flags, v.Addr)
	case core.SocketSend:
		return x.ApplySocketSend(ctx, v.Fd, v.Data, v.Flags)
	case core.SocketSetOptFlag:
		return x.ApplySocketSetOptFlag(ctx, v.Fd, v.Opt, v.Flag)
	case core.SocketSetOptSize:
		return x.ApplySocketSetOptSize(ctx, v.Fd, v.Opt, v.Size)
	case core.SocketSetOptTime:
		return x.ApplySocketSetOptTime(ctx, v.Fd, v.Ty, v.Time)
	case core.SocketShutdown:
		return x.ApplySocketShutdown(ctx, v.Fd, v.How)
	case core.SocketPair:
		return x.ApplySocketPair(ctx, v.Fd1, v.Fd2)
	}
	return core.NewReplayError("Apply", fmt.Errorf("unsupported entry %T", entry))
}

// --- Process and threads ---

// ApplyInitModule only checks the module the journal was captured against.
// Memory updates from another build are gated individually during replay.
func (x *Effector) ApplyInitModule(ctx context.Context, hash core.ModuleHash) error {
	if !x.MemoryMatches(hash) {
		x.logger.Warn("Journal was captured against a different module.", "journal_hash", hash, "module_hash", x.moduleHash)
	}
	return nil
}

func (x *Effector) ApplyProcessExit(ctx context.Context, code *core.ExitCode) error {
	return replayErr(core.TypeProcessExit, x.target.Exit(ctx, code), code)
}

func (x *Effector) ApplyThreadState(ctx context.Context, st ThreadState) error {
	return replayErr(core.TypeSetThread, x.target.RestoreThread(ctx, st), st.ID)
}

// ApplyThreadExit ends a thread. A thread that does not exist is not an
// error: its SetThread may have been compacted away.
func (x *Effector) ApplyThreadExit(ctx context.Context, id core.ThreadID, code *core.ExitCode) error {
	err := x.target.ExitThread(ctx, id, code)
	if errors.Is(err, ErrUnknownThread) {
		return nil
	}
	return replayErr(core.TypeCloseThread, err, id)
}

// ApplyUpdateMemory decompresses the payload and writes it at e.Start.
func (x *Effector) ApplyUpdateMemory(ctx context.Context, e core.UpdateMemoryRegion) error {
	data, err := e.Data(compressors.Resolve)
	if err != nil {
		return replayErr(core.TypeUpdateMemoryRegion, err, e.Start, e.End)
	}
	return replayErr(core.TypeUpdateMemoryRegion, x.target.WriteMemory(ctx, e.Start, data), e.Start, e.End)
}

func (x *Effector) ApplyClockTime(ctx context.Context, clockID uint32, t uint64) error {
	return replayErr(core.TypeSetClockTime, x.target.SetClockTime(ctx, clockID, t), clockID, t)
}

// --- Descriptors ---

func (x *Effector) ApplyFdSeek(ctx context.Context, fd core.Fd, offset int64, whence core.Whence) error {
	return replayErr(core.TypeFdSeek, x.target.Seek(ctx, fd, offset, whence), fd, offset, whence)
}

func (x *Effector) ApplyFdWrite(ctx context.Context, fd core.Fd, offset uint64, data []byte) error {
	return replayErr(core.TypeFdWrite, x.target.WriteAt(ctx, fd, offset, data), fd, offset, len(data))
}

func (x *Effector) ApplyOpenFd(ctx context.Context, op core.OpenFd) error {
	return replayErr(core.TypeOpenFd, x.target.Open(ctx, op), op.Fd, op.DirFd, op.Path)
}

// ApplyFdClose closes fd. Closing a descriptor that is not open succeeds,
// since the matching open may have been compacted away.
func (x *Effector) ApplyFdClose(ctx context.Context, fd core.Fd) error {
	err := x.target.Close(ctx, fd)
	if errors.Is(err, ErrBadDescriptor) {
		return nil
	}
	return replayErr(core.TypeCloseFd, err, fd)
}

func (x *Effector) ApplyFdRenumber(ctx context.Context, from, to core.Fd) error {
	return replayErr(core.TypeRenumberFd, x.target.Renumber(ctx, from, to), from, to)
}

func (x *Effector) ApplyFdDuplicate(ctx context.Context, from, to core.Fd, cloexec bool) error {
	return replayErr(core.TypeDuplicateFd, x.target.Duplicate(ctx, from, to, cloexec), from, to)
}

func (x *Effector) ApplyFdSetTimes(ctx context.Context, fd core.Fd, atime, mtime uint64, flags core.Fstflags) error {
	return replayErr(core.TypeFdSetTimes, x.target.SetTimes(ctx, fd, atime, mtime, flags), fd)
}

func (x *Effector) ApplyFdSetSize(ctx context.Context, fd core.Fd, size uint64) error {
	return replayErr(core.TypeFdSetSize, x.target.SetSize(ctx, fd, size), fd, size)
}

func (x *Effector) ApplyFdSetFlags(ctx context.Context, fd core.Fd, flags core.Fdflags) error {
	return replayErr(core.TypeFdSetFdFlags, x.target.SetFdFlags(ctx, fd, flags), fd, flags)
}

func (x *Effector) ApplyFdSetRights(ctx context.Context, fd core.Fd, base, inheriting uint64) error {
	return replayErr(core.TypeFdSetRights, x.target.SetRights(ctx, fd, base, inheriting), fd)
}

func (x *Effector) ApplyFdAdvise(ctx context.Context, fd core.Fd, offset, length uint64, advice uint8) error {
	return replayErr(core.TypeFdAdvise, x.target.Advise(ctx, fd, offset, length, advice), fd)
}

func (x *Effector) ApplyFdAllocate(ctx context.Context, fd core.Fd, offset, length uint64) error {
	return replayErr(core.TypeFdAllocate, x.target.Allocate(ctx, fd, offset, length), fd, offset, length)
}

// --- Paths ---

func (x *Effector) ApplyCreateDirectory(ctx context.Context, fd core.Fd, path string) error {
	return replayErr(core.TypeCreateDirectory, x.target.Mkdir(ctx, fd, path), fd, path)
}

func (x *Effector) ApplyRemoveDirectory(ctx context.Context, fd core.Fd, path string) error {
	return replayErr(core.TypeRemoveDirectory, x.target.Rmdir(ctx, fd, path), fd, path)
}

func (x *Effector) ApplyPathSetTimes(ctx context.Context, op core.PathSetTimes) error {
	return replayErr(core.TypePathSetTimes, x.target.PathSetTimes(ctx, op), op.Fd, op.Path)
}

func (x *Effector) ApplyCreateHardLink(ctx context.Context, op core.CreateHardLink) error {
	return replayErr(core.TypeCreateHardLink, x.target.Link(ctx, op), op.OldFd, op.OldPath, op.NewFd, op.NewPath)
}

func (x *Effector) ApplyCreateSymbolicLink(ctx context.Context, target string, fd core.Fd, path string) error {
	return replayErr(core.TypeCreateSymbolicLink, x.target.Symlink(ctx, target, fd, path), target, fd, path)
}

func (x *Effector) ApplyUnlinkFile(ctx context.Context, fd core.Fd, path string) error {
	return replayErr(core.TypeUnlinkFile, x.target.Unlink(ctx, fd, path), fd, path)
}

func (x *Effector) ApplyPathRename(ctx context.Context, oldFd core.Fd, oldPath string, newFd core.Fd, newPath string) error {
	return replayErr(core.TypePathRename, x.target.Rename(ctx, oldFd, oldPath, newFd, newPath), oldFd, oldPath, newFd, newPath)
}

func (x *Effector) ApplyChangeDirectory(ctx context.Context, path string) error {
	return replayErr(core.TypeChangeDirectory, x.target.Chdir(ctx, path), path)
}

// --- Epoll, pipes, events, terminal ---

func (x *Effector) ApplyEpollCreate(ctx context.Context, fd core.Fd) error {
	return replayErr(core.TypeEpollCreate, x.target.EpollCreate(ctx, fd), fd)
}

func (x *Effector) ApplyEpollCtl(ctx context.Context, epfd core.Fd, op core.EpollOp, fd core.Fd, event *core.EpollEvent) error {
	return replayErr(core.TypeEpollCtl, x.target.EpollCtl(ctx, epfd, op, fd, event), epfd, op, fd)
}

func (x *Effector) ApplyTtySet(ctx context.Context, tty core.TtyState) error {
	return replayErr(core.TypeTtySet, x.target.SetTty(ctx, tty))
}

func (x *Effector) ApplyCreatePipe(ctx context.Context, readFd, writeFd core.Fd) error {
	return replayErr(core.TypeCreatePipe, x.target.CreatePipe(ctx, readFd, writeFd), readFd, writeFd)
}

func (x *Effector) ApplyCreateEvent(ctx context.Context, initial uint64, flags uint16, fd core.Fd) error {
	return replayErr(core.TypeCreateEvent, x.target.CreateEvent(ctx, fd, initial, flags), fd)
}

// --- Port ---

func (x *Effector) ApplyPortAddAddr(ctx context.Context, cidr netip.Prefix) error {
	return replayErr(core.TypePortAddAddr, x.target.PortAddAddr(ctx, cidr), cidr)
}

func (x *Effector) ApplyPortDelAddr(ctx context.Context, addr netip.Addr) error {
	return replayErr(core.TypePortDelAddr, x.target.PortDelAddr(ctx, addr), addr)
}

func (x *Effector) ApplyPortAddrClear(ctx context.Context) error {
	return replayErr(core.TypePortAddrClear, x.target.PortClearAddrs(ctx))
}

func (x *Effector) ApplyPortBridge(ctx context.Context, network, token string, security uint8) error {
	// The token is a credential; keep it out of errors.
	return replayErr(core.TypePortBridge, x.target.PortBridge(ctx, network, token, security), network)
}

func (x *Effector) ApplyPortUnbridge(ctx context.Context) error {
	return replayErr(core.TypePortUnbridge, x.target.PortUnbridge(ctx))
}

func (x *Effector) ApplyPortDhcpAcquire(ctx context.Context) error {
	return replayErr(core.TypePortDhcpAcquire, x.target.PortDhcpAcquire(ctx))
}

func (x *Effector) ApplyPortGatewaySet(ctx context.Context, ip netip.Addr) error {
	return replayErr(core.TypePortGatewaySet, x.target.PortSetGateway(ctx, ip), ip)
}

func (x *Effector) ApplyPortRouteAdd(ctx context.Context, op core.PortRouteAdd) error {
	return replayErr(core.TypePortRouteAdd, x.target.PortAddRoute(ctx, op), op.Cidr, op.ViaRouter)
}

func (x *Effector) ApplyPortRouteClear(ctx context.Context) error {
	return replayErr(core.TypePortRouteClear, x.target.PortClearRoutes(ctx))
}

func (x *Effector) ApplyPortRouteDel(ctx context.Context, ip netip.Addr) error {
	return replayErr(core.TypePortRouteDel, x.target.PortDelRoute(ctx, ip), ip)
}

// --- Sockets ---

func (x *Effector) ApplySocketOpen(ctx context.Context, op core.SocketOpen) error {
	return replayErr(core.TypeSocketOpen, x.target.SocketOpen(ctx, op), op.Fd, op.Af, op.Ty)
}

func (x *Effector) ApplySocketListen(ctx context.Context, fd core.Fd, backlog uint32) error {
	return replayErr(core.TypeSocketListen, x.target.SocketListen(ctx, fd, backlog), fd, backlog)
}

func (x *Effector) ApplySocketBind(ctx context.Context, fd core.Fd, addr netip.AddrPort) error {
	return replayErr(core.TypeSocketBind, x.target.SocketBind(ctx, fd, addr), fd, addr)
}

func (x *Effector) ApplySocketConnected(ctx context.Context, fd core.Fd, local, peer netip.AddrPort) error {
	return replayErr(core.TypeSocketConnected, x.target.SocketConnected(ctx, fd, local, peer), fd, local, peer)
}

func (x *Effector) ApplySocketAccepted(ctx context.Context, op core.SocketAccepted) error {
	return replayErr(core.TypeSocketAccepted, x.target.SocketAccepted(ctx, op), op.ListenFd, op.Fd, op.PeerAddr)
}

func (x *Effector) ApplySocketJoinIPv4Multicast(ctx context.Context, fd core.Fd, group, iface netip.Addr) error {
	return replayErr(core.TypeSocketJoinIPv4Multicast, x.target.SocketJoinMulticastV4(ctx, fd, group, iface), fd, group)
}

func (x *Effector) ApplySocketJoinIPv6Multicast(ctx context.Context, fd core.Fd, group netip.Addr, iface uint32) error {
	return replayErr(core.TypeSocketJoinIPv6Multicast, x.target.SocketJoinMulticastV6(ctx, fd, group, iface), fd, group)
}

func (x *Effector) ApplySocketLeaveIPv4Multicast(ctx context.Context, fd core.Fd, group, iface netip.Addr) error {
	return replayErr(core.TypeSocketLeaveIPv4Multicast, x.target.SocketLeaveMulticastV4(ctx, fd, group, iface), fd, group)
}

func (x *Effector) ApplySocketLeaveIPv6Multicast(ctx context.Context, fd core.Fd, group netip.Addr, iface uint32) error {
	return replayErr(core.TypeSocketLeaveIPv6Multicast, x.target.SocketLeaveMulticastV6(ctx, fd, group, iface), fd, group)
}

func (x *Effector) ApplySocketSendFile(ctx context.Context, sock, file core.Fd, offset, count uint64) error {
	return replayErr(core.TypeSocketSendFile, x.target.SocketSendFile(ctx, sock, file, offset, count), sock, file, offset, count)
}

func (x *Effector) ApplySocketSendTo(ctx context.Context, fd core.Fd, data []byte, flags uint16, addr netip.AddrPort) error {
	return replayErr(core.TypeSocketSendTo, x.target.SocketSendTo(ctx, fd, data, flags, addr), fd, len(data), addr)
}

func (x *Effector) ApplySocketSend(ctx context.Context, fd core.Fd, data []byte, flags uint16) error {
	return replayErr(core.TypeSocketSend, x.target.SocketSend(ctx, fd, data, flags), fd, len(data))
}

func (x *Effector) ApplySocketSetOptFlag(ctx context.Context, fd core.Fd, opt core.SocketOption, flag bool) error {
	return replayErr(core.TypeSocketSetOptFlag, x.target.SocketSetOptFlag(ctx, fd, opt, flag), fd, opt, flag)
}

func (x *Effector) ApplySocketSetOptSize(ctx context.Context, fd core.Fd, opt core.SocketOption, size uint64) error {
	return replayErr(core.TypeSocketSetOptSize, x.target.SocketSetOptSize(ctx, fd, opt, size), fd, opt, size)
}

func (x *Effector) ApplySocketSetOptTime(ctx context.Context, fd core.Fd, ty core.TimeType, t *time.Duration) error {
	return replayErr(core.TypeSocketSetOptTime, x.target.SocketSetOptTime(ctx, fd, ty, t), fd, ty)
}

func (x *Effector) ApplySocketShutdown(ctx context.Context, fd core.Fd, how uint8) error {
	return replayErr(core.TypeSocketShutdown, x.target.SocketShutdown(ctx, fd, how), fd, how)
}

func (x *Effector) ApplySocketPair(ctx context.Context, fd1, fd2 core.Fd) error {
	return replayErr(core.TypeSocketPair, x.target.SocketPair(ctx, fd1, fd2), fd1, fd2)
}
