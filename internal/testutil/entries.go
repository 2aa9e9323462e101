package testutil

import (
	"math/rand"
	"net/netip"
	"time"

	"github.com/INLOpen/wasmsnap/core"
)

// RandomBytes returns n random bytes, or nil when n is zero so values
// compare equal after a decode.
func RandomBytes(r *rand.Rand, n int) []byte {
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	r.Read(b)
	return b
}

func randomString(r *rand.Rand) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789._-/"
	n := r.Intn(24)
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(b)
}

func randomAddr(r *rand.Rand) netip.Addr {
	switch r.Intn(3) {
	case 0:
		return netip.Addr{}
	case 1:
		var a [4]byte
		r.Read(a[:])
		return netip.AddrFrom4(a)
	default:
		var a [16]byte
		r.Read(a[:])
		return netip.AddrFrom16(a)
	}
}

func randomAddrPort(r *rand.Rand) netip.AddrPort {
	a := randomAddr(r)
	if !a.IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a, uint16(r.Intn(65536)))
}

func randomPrefix(r *rand.Rand) netip.Prefix {
	a := randomAddr(r)
	if !a.IsValid() {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(a, r.Intn(a.BitLen()+1))
}

func randomDuration(r *rand.Rand) *time.Duration {
	if r.Intn(2) == 0 {
		return nil
	}
	d := time.Duration(r.Int63())
	return &d
}

func randomExit(r *rand.Rand) *core.ExitCode {
	if r.Intn(2) == 0 {
		return nil
	}
	c := core.ExitCode(r.Int31() - r.Int31())
	return &c
}

func randomHash(r *rand.Rand) core.ModuleHash {
	var h core.ModuleHash
	r.Read(h[:])
	return h
}

func fd(r *rand.Rand) core.Fd { return core.Fd(r.Uint32()) }

// RandomEntry builds an arbitrary entry of the given type. Every field is
// populated with values that survive an encode/decode round trip.
func RandomEntry(r *rand.Rand, t core.RecordType) core.Entry {
	switch t {
	case core.TypeInitModule:
		return core.InitModule{WasmHash: randomHash(r)}
	case core.TypeProcessExit:
		return core.ProcessExit{ExitCode: randomExit(r)}
	case core.TypeSetThread:
		return core.SetThread{
			ID:          core.ThreadID(r.Uint32()),
			CallStack:   RandomBytes(r, r.Intn(64)),
			MemoryStack: RandomBytes(r, r.Intn(64)),
			StoreData:   RandomBytes(r, r.Intn(16)),
			Is64Bit:     r.Intn(2) == 0,
			Layout:      core.ThreadLayout{StackUpper: r.Uint64(), StackLower: r.Uint64(), GuardSize: r.Uint64(), StackSize: r.Uint64()},
		}
	case core.TypeCloseThread:
		return core.CloseThread{ID: core.ThreadID(r.Uint32()), ExitCode: randomExit(r)}
	case core.TypeFdSeek:
		return core.FdSeek{Fd: fd(r), Offset: r.Int63() - r.Int63(), Whence: core.Whence(r.Intn(3))}
	case core.TypeFdWrite:
		return core.FdWrite{Fd: fd(r), Offset: r.Uint64(), Data: RandomBytes(r, r.Intn(128)), Is64Bit: r.Intn(2) == 0}
	case core.TypeUpdateMemoryRegion:
		return core.UpdateMemoryRegion{Start: r.Uint64(), End: r.Uint64(), CompressedData: RandomBytes(r, r.Intn(128)), ModuleHash: randomHash(r)}
	case core.TypeClearEthereal:
		return core.ClearEthereal{}
	case core.TypeSetClockTime:
		return core.SetClockTime{ClockID: r.Uint32(), Time: r.Uint64()}
	case core.TypeOpenFd:
		return core.OpenFd{
			Fd:               fd(r),
			DirFd:            fd(r),
			DirFlags:         r.Uint32(),
			Path:             randomString(r),
			OFlags:           core.OFlags(r.Intn(1 << 16)),
			RightsBase:       r.Uint64(),
			RightsInheriting: r.Uint64(),
			FsFlags:          core.Fdflags(r.Intn(1 << 16)),
			FdFlags:          uint16(r.Intn(1 << 16)),
		}
	case core.TypeCloseFd:
		return core.CloseFd{Fd: fd(r)}
	case core.TypeRenumberFd:
		return core.RenumberFd{OldFd: fd(r), NewFd: fd(r)}
	case core.TypeDuplicateFd:
		return core.DuplicateFd{OriginalFd: fd(r), CopiedFd: fd(r), Cloexec: r.Intn(2) == 0}
	case core.TypeCreateDirectory:
		return core.CreateDirectory{Fd: fd(r), Path: randomString(r)}
	case core.TypeRemoveDirectory:
		return core.RemoveDirectory{Fd: fd(r), Path: randomString(r)}
	case core.TypePathSetTimes:
		return core.PathSetTimes{Fd: fd(r), Flags: r.Uint32(), Path: randomString(r), Atime: r.Uint64(), Mtime: r.Uint64(), FstFlags: core.Fstflags(r.Intn(16))}
	case core.TypeFdSetTimes:
		return core.FdSetTimes{Fd: fd(r), Atime: r.Uint64(), Mtime: r.Uint64(), FstFlags: core.Fstflags(r.Intn(16))}
	case core.TypeFdSetSize:
		return core.FdSetSize{Fd: fd(r), Size: r.Uint64()}
	case core.TypeFdSetFdFlags:
		return core.FdSetFdFlags{Fd: fd(r), Flags: core.Fdflags(r.Intn(32))}
	case core.TypeFdSetRights:
		return core.FdSetRights{Fd: fd(r), Base: r.Uint64(), Inheriting: r.Uint64()}
	case core.TypeFdAdvise:
		return core.FdAdvise{Fd: fd(r), Offset: r.Uint64(), Len: r.Uint64(), Advice: uint8(r.Intn(6))}
	case core.TypeFdAllocate:
		return core.FdAllocate{Fd: fd(r), Offset: r.Uint64(), Len: r.Uint64()}
	case core.TypeCreateHardLink:
		return core.CreateHardLink{OldFd: fd(r), OldPath: randomString(r), OldFlags: r.Uint32(), NewFd: fd(r), NewPath: randomString(r)}
	case core.TypeCreateSymbolicLink:
		return core.CreateSymbolicLink{OldPath: randomString(r), Fd: fd(r), NewPath: randomString(r)}
	case core.TypeUnlinkFile:
		return core.UnlinkFile{Fd: fd(r), Path: randomString(r)}
	case core.TypePathRename:
		return core.PathRename{OldFd: fd(r), OldPath: randomString(r), NewFd: fd(r), NewPath: randomString(r)}
	case core.TypeChangeDirectory:
		return core.ChangeDirectory{Path: randomString(r)}
	case core.TypeEpollCreate:
		return core.EpollCreate{Fd: fd(r)}
	case core.TypeEpollCtl:
		v := core.EpollCtl{EpFd: fd(r), Op: core.EpollOp(1 + r.Intn(3)), Fd: fd(r)}
		if r.Intn(2) == 0 {
			v.Event = &core.EpollEvent{Events: r.Uint32(), Data: r.Uint64()}
		}
		return v
	case core.TypeTtySet:
		return core.TtySet{Tty: core.TtyState{
			Cols: r.Uint32(), Rows: r.Uint32(), Width: r.Uint32(), Height: r.Uint32(),
			StdinTty: r.Intn(2) == 0, StdoutTty: r.Intn(2) == 0, StderrTty: r.Intn(2) == 0,
			Echo: r.Intn(2) == 0, LineBuffered: r.Intn(2) == 0, LineFeeds: r.Intn(2) == 0,
		}}
	case core.TypeCreatePipe:
		return core.CreatePipe{ReadFd: fd(r), WriteFd: fd(r)}
	case core.TypeCreateEvent:
		return core.CreateEvent{InitialVal: r.Uint64(), Flags: uint16(r.Intn(1 << 16)), Fd: fd(r)}
	case core.TypePortAddAddr:
		return core.PortAddAddr{Cidr: randomPrefix(r)}
	case core.TypePortDelAddr:
		return core.PortDelAddr{Addr: randomAddr(r)}
	case core.TypePortAddrClear:
		return core.PortAddrClear{}
	case core.TypePortBridge:
		return core.PortBridge{Network: randomString(r), Token: randomString(r), Security: uint8(r.Intn(4))}
	case core.TypePortUnbridge:
		return core.PortUnbridge{}
	case core.TypePortDhcpAcquire:
		return core.PortDhcpAcquire{}
	case core.TypePortGatewaySet:
		return core.PortGatewaySet{IP: randomAddr(r)}
	case core.TypePortRouteAdd:
		return core.PortRouteAdd{Cidr: randomPrefix(r), ViaRouter: randomAddr(r), PreferredUntil: randomDuration(r), ExpiresAt: randomDuration(r)}
	case core.TypePortRouteClear:
		return core.PortRouteClear{}
	case core.TypePortRouteDel:
		return core.PortRouteDel{IP: randomAddr(r)}
	case core.TypeSocketOpen:
		return core.SocketOpen{Af: uint16(r.Intn(4)), Ty: uint8(r.Intn(4)), Pt: uint16(r.Intn(256)), Fd: fd(r)}
	case core.TypeSocketListen:
		return core.SocketListen{Fd: fd(r), Backlog: r.Uint32()}
	case core.TypeSocketBind:
		return core.SocketBind{Fd: fd(r), Addr: randomAddrPort(r)}
	case core.TypeSocketConnected:
		return core.SocketConnected{Fd: fd(r), LocalAddr: randomAddrPort(r), PeerAddr: randomAddrPort(r)}
	case core.TypeSocketAccepted:
		return core.SocketAccepted{ListenFd: fd(r), Fd: fd(r), LocalAddr: randomAddrPort(r), PeerAddr: randomAddrPort(r), FdFlags: core.Fdflags(r.Intn(32)), NonBlocking: r.Intn(2) == 0}
	case core.TypeSocketJoinIPv4Multicast:
		return core.SocketJoinIPv4Multicast{Fd: fd(r), MultiAddr: randomAddr(r), Iface: randomAddr(r)}
	case core.TypeSocketJoinIPv6Multicast:
		return core.SocketJoinIPv6Multicast{Fd: fd(r), MultiAddr: randomAddr(r), Iface: r.Uint32()}
	case core.TypeSocketLeaveIPv4Multicast:
		return core.SocketLeaveIPv4Multicast{Fd: fd(r), MultiAddr: randomAddr(r), Iface: randomAddr(r)}
	case core.TypeSocketLeaveIPv6Multicast:
		return core.SocketLeaveIPv6Multicast{Fd: fd(r), MultiAddr: randomAddr(r), Iface: r.Uint32()}
	case core.TypeSocketSendFile:
		return core.SocketSendFile{SocketFd: fd(r), FileFd: fd(r), Offset: r.Uint64(), Count: r.Uint64()}
	case core.TypeSocketSendTo:
		return core.SocketSendTo{Fd: fd(r), Data: RandomBytes(r, r.Intn(64)), Flags: uint16(r.Intn(1 << 16)), Addr: randomAddrPort(r), Is64Bit: r.Intn(2) == 0}
	case core.TypeSocketSend:
		return core.SocketSend{Fd: fd(r), Data: RandomBytes(r, r.Intn(64)), Flags: uint16(r.Intn(1 << 16)), Is64Bit: r.Intn(2) == 0}
	case core.TypeSocketSetOptFlag:
		return core.SocketSetOptFlag{Fd: fd(r), Opt: core.SocketOption(r.Intn(32)), Flag: r.Intn(2) == 0}
	case core.TypeSocketSetOptSize:
		return core.SocketSetOptSize{Fd: fd(r), Opt: core.SocketOption(r.Intn(32)), Size: r.Uint64()}
	case core.TypeSocketSetOptTime:
		return core.SocketSetOptTime{Fd: fd(r), Ty: core.TimeType(r.Intn(5)), Time: randomDuration(r)}
	case core.TypeSocketShutdown:
		return core.SocketShutdown{Fd: fd(r), How: uint8(1 + r.Intn(3))}
	case core.TypeSnapshot:
		return core.Snapshot{When: time.Unix(0, r.Int63()).UTC(), Trigger: core.SnapshotTrigger(r.Intn(11))}
	case core.TypeSocketPair:
		return core.SocketPair{Fd1: fd(r), Fd2: fd(r)}
	}
	panic("testutil: no generator for " + t.String())
}

// RandomEntries returns n entries of random types.
func RandomEntries(r *rand.Rand, n int) []core.Entry {
	types := core.AllRecordTypes()
	out := make([]core.Entry, n)
	for i := range out {
		out[i] = RandomEntry(r, types[r.Intn(len(types))])
	}
	return out
}
