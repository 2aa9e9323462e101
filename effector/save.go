package effector

import (
	"context"
	"net/netip"
	"time"

	"github.com/INLOpen/wasmsnap/core"
)

// --- Process and threads ---

func (x *Effector) SaveInitModule(ctx context.Context) error {
	return x.Save(ctx, core.InitModule{WasmHash: x.moduleHash})
}

// SaveProcessExit records the end of the process. Replays discard memory
// written before an exit, so the snapshot cache starts over.
func (x *Effector) SaveProcessExit(ctx context.Context, code *core.ExitCode) error {
	x.ResetSnapshotCache()
	if err := x.Save(ctx, core.ProcessExit{ExitCode: code}); err != nil {
		return err
	}
	return x.Flush(ctx)
}

func (x *Effector) SaveThreadState(ctx context.Context, st ThreadState) error {
	return x.Save(ctx, core.SetThread{
		ID:          st.ID,
		CallStack:   st.CallStack,
		MemoryStack: st.MemoryStack,
		StoreData:   st.StoreData,
		Is64Bit:     st.Is64Bit,
		Layout:      st.Layout,
	})
}

func (x *Effector) SaveThreadExit(ctx context.Context, id core.ThreadID, code *core.ExitCode) error {
	return x.Save(ctx, core.CloseThread{ID: id, ExitCode: code})
}

// SaveUpdateMemory compresses data and records it as the content of
// [start, start+len(data)).
func (x *Effector) SaveUpdateMemory(ctx context.Context, start uint64, data []byte) error {
	if !x.Enabled() {
		return nil
	}
	payload, err := core.EncodeMemoryPayload(x.compressor, data)
	if err != nil {
		return x.failed(core.TypeUpdateMemoryRegion.String(), err)
	}
	return x.Save(ctx, core.UpdateMemoryRegion{
		Start:          start,
		End:            start + uint64(len(data)),
		CompressedData: payload,
		ModuleHash:     x.moduleHash,
	})
}

func (x *Effector) SaveClearEthereal(ctx context.Context) error {
	return x.Save(ctx, core.ClearEthereal{})
}

func (x *Effector) SaveClockTime(ctx context.Context, clockID uint32, t uint64) error {
	return x.Save(ctx, core.SetClockTime{ClockID: clockID, Time: t})
}

// SaveSnapshotMarker records only the marker. SaveSnapshot captures the
// full state before writing it.
func (x *Effector) SaveSnapshotMarker(ctx context.Context, when time.Time, trigger core.SnapshotTrigger) error {
	return x.Save(ctx, core.Snapshot{When: when, Trigger: trigger})
}

// --- Descriptors ---

func (x *Effector) SaveFdSeek(ctx context.Context, fd core.Fd, offset int64, whence core.Whence) error {
	return x.Save(ctx, core.FdSeek{Fd: fd, Offset: offset, Whence: whence})
}

func (x *Effector) SaveFdWrite(ctx context.Context, fd core.Fd, offset uint64, data []byte, is64 bool) error {
	return x.Save(ctx, core.FdWrite{Fd: fd, Offset: offset, Data: data, Is64Bit: is64})
}

func (x *Effector) SaveOpenFd(ctx context.Context, op core.OpenFd) error {
	return x.Save(ctx, op)
}

func (x *Effector) SaveFdClose(ctx context.Context, fd core.Fd) error {
	return x.Save(ctx, core.CloseFd{Fd: fd})
}

func (x *Effector) SaveFdRenumber(ctx context.Context, from, to core.Fd) error {
	return x.Save(ctx, core.RenumberFd{OldFd: from, NewFd: to})
}

func (x *Effector) SaveFdDuplicate(ctx context.Context, from, to core.Fd, cloexec bool) error {
	return x.Save(ctx, core.DuplicateFd{OriginalFd: from, CopiedFd: to, Cloexec: cloexec})
}

func (x *Effector) SaveFdSetTimes(ctx context.Context, fd core.Fd, atime, mtime uint64, flags core.Fstflags) error {
	return x.Save(ctx, core.FdSetTimes{Fd: fd, Atime: atime, Mtime: mtime, FstFlags: flags})
}

func (x *Effector) SaveFdSetSize(ctx context.Context, fd core.Fd, size uint64) error {
	return x.Save(ctx, core.FdSetSize{Fd: fd, Size: size})
}

func (x *Effector) SaveFdSetFlags(ctx context.Context, fd core.Fd, flags core.Fdflags) error {
	return x.Save(ctx, core.FdSetFdFlags{Fd: fd, Flags: flags})
}

func (x *Effector) SaveFdSetRights(ctx context.Context, fd core.Fd, base, inheriting uint64) error {
	return x.Save(ctx, core.FdSetRights{Fd: fd, Base: base, Inheriting: inheriting})
}

func (x *Effector) SaveFdAdvise(ctx context.Context, fd core.Fd, offset, length uint64, advice uint8) error {
	return x.Save(ctx, core.FdAdvise{Fd: fd, Offset: offset, Len: length, Advice: advice})
}

func (x *Effector) SaveFdAllocate(ctx context.Context, fd core.Fd, offset, length uint64) error {
	return x.Save(ctx, core.FdAllocate{Fd: fd, Offset: offset, Len: length})
}

// --- Paths ---

func (x *Effector) SaveCreateDirectory(ctx context.Context, fd core.Fd, path string) error {
	return x.Save(ctx, core.CreateDirectory{Fd: fd, Path: path})
}

func (x *Effector) SaveRemoveDirectory(ctx context.Context, fd core.Fd, path string) error {
	return x.Save(ctx, core.RemoveDirectory{Fd: fd, Path: path})
}

func (x *Effector) SavePathSetTimes(ctx context.Context, op core.PathSetTimes) error {
	return x.Save(ctx, op)
}

func (x *Effector) SaveCreateHardLink(ctx context.Context, op core.CreateHardLink) error {
	return x.Save(ctx, op)
}

func (x *Effector) SaveCreateSymbolicLink(ctx context.Context, target string, fd core.Fd, path string) error {
	return x.Save(ctx, core.CreateSymbolicLink{OldPath: target, Fd: fd, NewPath: path})
}

func (x *Effector) SaveUnlinkFile(ctx context.Context, fd core.Fd, path string) error {
	return x.Save(ctx, core.UnlinkFile{Fd: fd, Path: path})
}

func (x *Effector) SavePathRename(ctx context.Context, oldFd core.Fd, oldPath string, newFd core.Fd, newPath string) error {
	return x.Save(ctx, core.PathRename{OldFd: oldFd, OldPath: oldPath, NewFd: newFd, NewPath: newPath})
}

func (x *Effector) SaveChangeDirectory(ctx context.Context, path string) error {
	return x.Save(ctx, core.ChangeDirectory{Path: path})
}

// --- Epoll, pipes, events, terminal ---

func (x *Effector) SaveEpollCreate(ctx context.Context, fd core.Fd) error {
	return x.Save(ctx, core.EpollCreate{Fd: fd})
}

func (x *Effector) SaveEpollCtl(ctx context.Context, epfd core.Fd, op core.EpollOp, fd core.Fd, event *core.EpollEvent) error {
	return x.Save(ctx, core.EpollCtl{EpFd: epfd, Op: op, Fd: fd, Event: event})
}

func (x *Effector) SaveTtySet(ctx context.Context, tty core.TtyState) error {
	return x.Save(ctx, core.TtySet{Tty: tty})
}

func (x *Effector) SaveCreatePipe(ctx context.Context, readFd, writeFd core.Fd) error {
	return x.Save(ctx, core.CreatePipe{ReadFd: readFd, WriteFd: writeFd})
}

func (x *Effector) SaveCreateEvent(ctx context.Context, initial uint64, flags uint16, fd core.Fd) error {
	return x.Save(ctx, core.CreateEvent{InitialVal: initial, Flags: flags, Fd: fd})
}

// --- Port ---

func (x *Effector) SavePortAddAddr(ctx context.Context, cidr netip.Prefix) error {
	return x.Save(ctx, core.PortAddAddr{Cidr: cidr})
}

func (x *Effector) SavePortDelAddr(ctx context.Context, addr netip.Addr) error {
	return x.Save(ctx, core.PortDelAddr{Addr: addr})
}

func (x *Effector) SavePortAddrClear(ctx context.Context) error {
	return x.Save(ctx, core.PortAddrClear{})
}

func (x *Effector) SavePortBridge(ctx context.Context, network, token string, security uint8) error {
	return x.Save(ctx, core.PortBridge{Network: network, Token: token, Security: security})
}

func (x *Effector) SavePortUnbridge(ctx context.Context) error {
	return x.Save(ctx, core.PortUnbridge{})
}

func (x *Effector) SavePortDhcpAcquire(ctx context.Context) error {
	return x.Save(ctx, core.PortDhcpAcquire{})
}

func (x *Effector) SavePortGatewaySet(ctx context.Context, ip netip.Addr) error {
	return x.Save(ctx, core.PortGatewaySet{IP: ip})
}

func (x *Effector) SavePortRouteAdd(ctx context.Context, op core.PortRouteAdd) error {
	return x.Save(ctx, op)
}

func (x *Effector) SavePortRouteClear(ctx context.Context) error {
	return x.Save(ctx, core.PortRouteClear{})
}

func (x *Effector) SavePortRouteDel(ctx context.Context, ip netip.Addr) error {
	return x.Save(ctx, core.PortRouteDel{IP: ip})
}

// --- Sockets ---

func (x *Effector) SaveSocketOpen(ctx context.Context, op core.SocketOpen) error {
	return x.Save(ctx, op)
}

func (x *Effector) SaveSocketListen(ctx context.Context, fd core.Fd, backlog uint32) error {
	return x.Save(ctx, core.SocketListen{Fd: fd, Backlog: backlog})
}

func (x *Effector) SaveSocketBind(ctx context.Context, fd core.Fd, addr netip.AddrPort) error {
	return x.Save(ctx, core.SocketBind{Fd: fd, Addr: addr})
}

func (x *Effector) SaveSocketConnected(ctx context.Context, fd core.Fd, local, peer netip.AddrPort) error {
	return x.Save(ctx, core.SocketConnected{Fd: fd, LocalAddr: local, PeerAddr: peer})
}

func (x *Effector) SaveSocketAccepted(ctx context.Context, op core.SocketAccepted) error {
	return x.Save(ctx, op)
}

func (x *Effector) SaveSocketJoinIPv4Multicast(ctx context.Context, fd core.Fd, group, iface netip.Addr) error {
	return x.Save(ctx, core.SocketJoinIPv4Multicast{Fd: fd, MultiAddr: group, Iface: iface})
}

func (x *Effector) SaveSocketJoinIPv6Multicast(ctx context.Context, fd core.Fd, group netip.Addr, iface uint32) error {
	return x.Save(ctx, core.SocketJoinIPv6Multicast{Fd: fd, MultiAddr: group, Iface: iface})
}

func (x *Effector) SaveSocketLeaveIPv4Multicast(ctx context.Context, fd core.Fd, group, iface netip.Addr) error {
	return x.Save(ctx, core.SocketLeaveIPv4Multicast{Fd: fd, MultiAddr: group, Iface: iface})
}

func (x *Effector) SaveSocketLeaveIPv6Multicast(ctx context.Context, fd core.Fd, group netip.Addr, iface uint32) error {
	return x.Save(ctx, core.SocketLeaveIPv6Multicast{Fd: fd, MultiAddr: group, Iface: iface})
}

func (x *Effector) SaveSocketSendFile(ctx context.Context, sock, file core.Fd, offset, count uint64) error {
	return x.Save(ctx, core.SocketSendFile{SocketFd: sock, FileFd: file, Offset: offset, Count: count})
}

func (x *Effector) SaveSocketSendTo(ctx context.Context, fd core.Fd, data []byte, flags uint16, addr netip.AddrPort, is64 bool) error {
	return x.Save(ctx, core.SocketSendTo{Fd: fd, Data: data, Flags: flags, Addr: addr, Is64Bit: is64})
}

func (x *Effector) SaveSocketSend(ctx context.Context, fd core.Fd, data []byte, flags uint16, is64 bool) error {
	return x.Save(ctx, core.SocketSend{Fd: fd, Data: data, Flags: flags, Is64Bit: is64})
}

func (x *Effector) SaveSocketSetOptFlag(ctx context.Context, fd core.Fd, opt core.SocketOption, flag bool) error {
	return x.Save(ctx, core.SocketSetOptFlag{Fd: fd, Opt: opt, Flag: flag})
}

func (x *Effector) SaveSocketSetOptSize(ctx context.Context, fd core.Fd, opt core.SocketOption, size uint64) error {
	return x.Save(ctx, core.SocketSetOptSize{Fd: fd, Opt: opt, Size: size})
}

func (x *Effector) SaveSocketSetOptTime(ctx context.Context, fd core.Fd, ty core.TimeType, t *time.Duration) error {
	return x.Save(ctx, core.SocketSetOptTime{Fd: fd, Ty: ty, Time: t})
}

func (x *Effector) SaveSocketShutdown(ctx context.Context, fd core.Fd, how uint8) error {
	return x.Save(ctx, core.SocketShutdown{Fd: fd, How: how})
}

func (x *Effector) SaveSocketPair(ctx context.Context, fd1, fd2 core.Fd) error {
	return x.Save(ctx, core.SocketPair{Fd1: fd1, Fd2: fd2})
}
