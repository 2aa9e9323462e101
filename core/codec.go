package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"
)

// ErrUnknownRecordType is returned by DecodeEntry for tags this build does
// not know. Readers skip such records by their length.
var ErrUnknownRecordType = errors.New("unknown journal record type")

// Payload layout: every integer is fixed width little endian, byte and
// string fields carry a uint32 length prefix, optional values carry a
// presence byte. Addresses are a family byte (0, 4 or 6) followed by 16
// address bytes; socket addresses append a uint16 port and prefixes a
// uint8 bit count. Trailing bytes after the known fields are ignored so
// newer writers may append fields.

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}
func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}
func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}
func (e *encoder) i64(v int64) { e.u64(uint64(v)) }
func (e *encoder) fd(v Fd)     { e.u32(uint32(v)) }

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) addr(a netip.Addr) {
	var raw [16]byte
	switch {
	case !a.IsValid():
		e.u8(0)
	case a.Is4():
		e.u8(4)
		v4 := a.As4()
		copy(raw[:], v4[:])
	default:
		e.u8(6)
		raw = a.As16()
	}
	e.buf = append(e.buf, raw[:]...)
}

func (e *encoder) addrPort(a netip.AddrPort) {
	e.addr(a.Addr())
	e.u16(a.Port())
}

func (e *encoder) prefix(p netip.Prefix) {
	e.addr(p.Addr())
	bits := p.Bits()
	if bits < 0 {
		bits = 0
	}
	e.u8(uint8(bits))
}

func (e *encoder) optDuration(d *time.Duration) {
	if d == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.i64(int64(*d))
}

func (e *encoder) optExit(c *ExitCode) {
	if c == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.u32(uint32(*c))
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("payload truncated: need %d bytes at %d, have %d", n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i64() int64    { return int64(d.u64()) }
func (d *decoder) fd() Fd        { return Fd(d.u32()) }
func (d *decoder) boolean() bool { return d.u8() != 0 }

// bytes returns a slice aliasing the payload; empty fields decode as nil.
func (d *decoder) bytes() []byte {
	n := d.u32()
	if n == 0 || d.err != nil {
		return nil
	}
	if n > math.MaxInt32 {
		d.err = fmt.Errorf("byte field length %d out of range", n)
		return nil
	}
	return d.take(int(n))
}

func (d *decoder) str() string {
	return string(d.bytes())
}

func (d *decoder) addr() netip.Addr {
	family := d.u8()
	raw := d.take(16)
	if raw == nil {
		return netip.Addr{}
	}
	switch family {
	case 0:
		return netip.Addr{}
	case 4:
		return netip.AddrFrom4([4]byte(raw[:4]))
	case 6:
		return netip.AddrFrom16([16]byte(raw))
	default:
		d.err = fmt.Errorf("invalid address family %d", family)
		return netip.Addr{}
	}
}

func (d *decoder) addrPort() netip.AddrPort {
	a := d.addr()
	port := d.u16()
	if !a.IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a, port)
}

func (d *decoder) prefix() netip.Prefix {
	a := d.addr()
	bits := d.u8()
	if !a.IsValid() {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(a, int(bits))
}

func (d *decoder) optDuration() *time.Duration {
	if d.u8() == 0 {
		return nil
	}
	v := time.Duration(d.i64())
	if d.err != nil {
		return nil
	}
	return &v
}

func (d *decoder) optExit() *ExitCode {
	if d.u8() == 0 {
		return nil
	}
	v := ExitCode(int32(d.u32()))
	if d.err != nil {
		return nil
	}
	return &v
}

func (d *decoder) moduleHash() ModuleHash {
	var h ModuleHash
	copy(h[:], d.take(len(h)))
	return h
}

// AppendEntry appends the payload encoding of e to dst.
func AppendEntry(dst []byte, entry Entry) ([]byte, error) {
	e := &encoder{buf: dst}
	switch v := entry.(type) {
	case InitModule:
		e.buf = append(e.buf, v.WasmHash[:]...)
	case ProcessExit:
		e.optExit(v.ExitCode)
	case SetThread:
		e.u32(uint32(v.ID))
		e.bytes(v.CallStack)
		e.bytes(v.MemoryStack)
		e.bytes(v.StoreData)
		e.boolean(v.Is64Bit)
		e.u64(v.Layout.StackUpper)
		e.u64(v.Layout.StackLower)
		e.u64(v.Layout.GuardSize)
		e.u64(v.Layout.StackSize)
	case CloseThread:
		e.u32(uint32(v.ID))
		e.optExit(v.ExitCode)
	case FdSeek:
		e.fd(v.Fd)
		e.i64(v.Offset)
		e.u8(uint8(v.Whence))
	case FdWrite:
		e.fd(v.Fd)
		e.u64(v.Offset)
		e.bytes(v.Data)
		e.boolean(v.Is64Bit)
	case UpdateMemoryRegion:
		e.u64(v.Start)
		e.u64(v.End)
		e.bytes(v.CompressedData)
		e.buf = append(e.buf, v.ModuleHash[:]...)
	case ClearEthereal:
	case SetClockTime:
		e.u32(v.ClockID)
		e.u64(v.Time)
	case OpenFd:
		e.fd(v.Fd)
		e.fd(v.DirFd)
		e.u32(v.DirFlags)
		e.str(v.Path)
		e.u16(uint16(v.OFlags))
		e.u64(v.RightsBase)
		e.u64(v.RightsInheriting)
		e.u16(uint16(v.FsFlags))
		e.u16(v.FdFlags)
	case CloseFd:
		e.fd(v.Fd)
	case RenumberFd:
		e.fd(v.OldFd)
		e.fd(v.NewFd)
	case DuplicateFd:
		e.fd(v.OriginalFd)
		e.fd(v.CopiedFd)
		e.boolean(v.Cloexec)
	case CreateDirectory:
		e.fd(v.Fd)
		e.str(v.Path)
	case RemoveDirectory:
		e.fd(v.Fd)
		e.str(v.Path)
	case PathSetTimes:
		e.fd(v.Fd)
		e.u32(v.Flags)
		e.str(v.Path)
		e.u64(v.Atime)
		e.u64(v.Mtime)
		e.u16(uint16(v.FstFlags))
	case FdSetTimes:
		e.fd(v.Fd)
		e.u64(v.Atime)
		e.u64(v.Mtime)
		e.u16(uint16(v.FstFlags))
	case FdSetSize:
		e.fd(v.Fd)
		e.u64(v.Size)
	case FdSetFdFlags:
		e.fd(v.Fd)
		e.u16(uint16(v.Flags))
	case FdSetRights:
		e.fd(v.Fd)
		e.u64(v.Base)
		e.u64(v.Inheriting)
	case FdAdvise:
		e.fd(v.Fd)
		e.u64(v.Offset)
		e.u64(v.Len)
		e.u8(v.Advice)
	case FdAllocate:
		e.fd(v.Fd)
		e.u64(v.Offset)
		e.u64(v.Len)
	case CreateHardLink:
		e.fd(v.OldFd)
		e.str(v.OldPath)
		e.u32(v.OldFlags)
		e.fd(v.NewFd)
		e.str(v.NewPath)
	case CreateSymbolicLink:
		e.str(v.OldPath)
		e.fd(v.Fd)
		e.str(v.NewPath)
	case UnlinkFile:
		e.fd(v.Fd)
		e.str(v.Path)
	case PathRename:
		e.fd(v.OldFd)
		e.str(v.OldPath)
		e.fd(v.NewFd)
		e.str(v.NewPath)
	case ChangeDirectory:
		e.str(v.Path)
	case EpollCreate:
		e.fd(v.Fd)
	case EpollCtl:
		e.fd(v.EpFd)
		e.u8(uint8(v.Op))
		e.fd(v.Fd)
		if v.Event == nil {
			e.u8(0)
		} else {
			e.u8(1)
			e.u32(v.Event.Events)
			e.u64(v.Event.Data)
		}
	case TtySet:
		e.u32(v.Tty.Cols)
		e.u32(v.Tty.Rows)
		e.u32(v.Tty.Width)
		e.u32(v.Tty.Height)
		e.boolean(v.Tty.StdinTty)
		e.boolean(v.Tty.StdoutTty)
		e.boolean(v.Tty.StderrTty)
		e.boolean(v.Tty.Echo)
		e.boolean(v.Tty.LineBuffered)
		e.boolean(v.Tty.LineFeeds)
	case CreatePipe:
		e.fd(v.ReadFd)
		e.fd(v.WriteFd)
	case CreateEvent:
		e.u64(v.InitialVal)
		e.u16(v.Flags)
		e.fd(v.Fd)
	case PortAddAddr:
		e.prefix(v.Cidr)
	case PortDelAddr:
		e.addr(v.Addr)
	case PortAddrClear, PortUnbridge, PortDhcpAcquire, PortRouteClear:
	case PortBridge:
		e.str(v.Network)
		e.str(v.Token)
		e.u8(v.Security)
	case PortGatewaySet:
		e.addr(v.IP)
	case PortRouteAdd:
		e.prefix(v.Cidr)
		e.addr(v.ViaRouter)
		e.optDuration(v.PreferredUntil)
		e.optDuration(v.ExpiresAt)
	case PortRouteDel:
		e.addr(v.IP)
	case SocketOpen:
		e.u16(v.Af)
		e.u8(v.Ty)
		e.u16(v.Pt)
		e.fd(v.Fd)
	case SocketListen:
		e.fd(v.Fd)
		e.u32(v.Backlog)
	case SocketBind:
		e.fd(v.Fd)
		e.addrPort(v.Addr)
	case SocketConnected:
		e.fd(v.Fd)
		e.addrPort(v.LocalAddr)
		e.addrPort(v.PeerAddr)
	case SocketAccepted:
		e.fd(v.ListenFd)
		e.fd(v.Fd)
		e.addrPort(v.LocalAddr)
		e.addrPort(v.PeerAddr)
		e.u16(uint16(v.FdFlags))
		e.boolean(v.NonBlocking)
	case SocketJoinIPv4Multicast:
		e.fd(v.Fd)
		e.addr(v.MultiAddr)
		e.addr(v.Iface)
	case SocketJoinIPv6Multicast:
		e.fd(v.Fd)
		e.addr(v.MultiAddr)
		e.u32(v.Iface)
	case SocketLeaveIPv4Multicast:
		e.fd(v.Fd)
		e.addr(v.MultiAddr)
		e.addr(v.Iface)
	case SocketLeaveIPv6Multicast:
		e.fd(v.Fd)
		e.addr(v.MultiAddr)
		e.u32(v.Iface)
	case SocketSendFile:
		e.fd(v.SocketFd)
		e.fd(v.FileFd)
		e.u64(v.Offset)
		e.u64(v.Count)
	case SocketSendTo:
		e.fd(v.Fd)
		e.bytes(v.Data)
		e.u16(v.Flags)
		e.addrPort(v.Addr)
		e.boolean(v.Is64Bit)
	case SocketSend:
		e.fd(v.Fd)
		e.bytes(v.Data)
		e.u16(v.Flags)
		e.boolean(v.Is64Bit)
	case SocketSetOptFlag:
		e.fd(v.Fd)
		e.u8(uint8(v.Opt))
		e.boolean(v.Flag)
	case SocketSetOptSize:
		e.fd(v.Fd)
		e.u8(uint8(v.Opt))
		e.u64(v.Size)
	case SocketSetOptTime:
		e.fd(v.Fd)
		e.u8(uint8(v.Ty))
		e.optDuration(v.Time)
	case SocketShutdown:
		e.fd(v.Fd)
		e.u8(v.How)
	case Snapshot:
		e.i64(v.When.UnixNano())
		e.u8(uint8(v.Trigger))
	case SocketPair:
		e.fd(v.Fd1)
		e.fd(v.Fd2)
	default:
		return dst, fmt.Errorf("cannot encode journal entry of type %T", entry)
	}
	return e.buf, nil
}

// EncodeEntry returns the payload encoding of e in a new slice.
func EncodeEntry(entry Entry) ([]byte, error) {
	return AppendEntry(nil, entry)
}

// DecodeEntry decodes a payload written by AppendEntry. Byte fields of the
// returned entry alias payload. Unknown tags return ErrUnknownRecordType;
// short payloads return a *CorruptError.
func DecodeEntry(t RecordType, payload []byte) (Entry, error) {
	d := &decoder{buf: payload}
	var out Entry
	switch t {
	case TypeInitModule:
		out = InitModule{WasmHash: d.moduleHash()}
	case TypeProcessExit:
		out = ProcessExit{ExitCode: d.optExit()}
	case TypeSetThread:
		v := SetThread{
			ID:          ThreadID(d.u32()),
			CallStack:   d.bytes(),
			MemoryStack: d.bytes(),
			StoreData:   d.bytes(),
			Is64Bit:     d.boolean(),
		}
		v.Layout.StackUpper = d.u64()
		v.Layout.StackLower = d.u64()
		v.Layout.GuardSize = d.u64()
		v.Layout.StackSize = d.u64()
		out = v
	case TypeCloseThread:
		out = CloseThread{ID: ThreadID(d.u32()), ExitCode: d.optExit()}
	case TypeFdSeek:
		out = FdSeek{Fd: d.fd(), Offset: d.i64(), Whence: Whence(d.u8())}
	case TypeFdWrite:
		out = FdWrite{Fd: d.fd(), Offset: d.u64(), Data: d.bytes(), Is64Bit: d.boolean()}
	case TypeUpdateMemoryRegion:
		out = UpdateMemoryRegion{Start: d.u64(), End: d.u64(), CompressedData: d.bytes(), ModuleHash: d.moduleHash()}
	case TypeClearEthereal:
		out = ClearEthereal{}
	case TypeSetClockTime:
		out = SetClockTime{ClockID: d.u32(), Time: d.u64()}
	case TypeOpenFd:
		out = OpenFd{
			Fd:               d.fd(),
			DirFd:            d.fd(),
			DirFlags:         d.u32(),
			Path:             d.str(),
			OFlags:           OFlags(d.u16()),
			RightsBase:       d.u64(),
			RightsInheriting: d.u64(),
			FsFlags:          Fdflags(d.u16()),
			FdFlags:          d.u16(),
		}
	case TypeCloseFd:
		out = CloseFd{Fd: d.fd()}
	case TypeRenumberFd:
		out = RenumberFd{OldFd: d.fd(), NewFd: d.fd()}
	case TypeDuplicateFd:
		out = DuplicateFd{OriginalFd: d.fd(), CopiedFd: d.fd(), Cloexec: d.boolean()}
	case TypeCreateDirectory:
		out = CreateDirectory{Fd: d.fd(), Path: d.str()}
	case TypeRemoveDirectory:
		out = RemoveDirectory{Fd: d.fd(), Path: d.str()}
	case TypePathSetTimes:
		out = PathSetTimes{Fd: d.fd(), Flags: d.u32(), Path: d.str(), Atime: d.u64(), Mtime: d.u64(), FstFlags: Fstflags(d.u16())}
	case TypeFdSetTimes:
		out = FdSetTimes{Fd: d.fd(), Atime: d.u64(), Mtime: d.u64(), FstFlags: Fstflags(d.u16())}
	case TypeFdSetSize:
		out = FdSetSize{Fd: d.fd(), Size: d.u64()}
	case TypeFdSetFdFlags:
		out = FdSetFdFlags{Fd: d.fd(), Flags: Fdflags(d.u16())}
	case TypeFdSetRights:
		out = FdSetRights{Fd: d.fd(), Base: d.u64(), Inheriting: d.u64()}
	case TypeFdAdvise:
		out = FdAdvise{Fd: d.fd(), Offset: d.u64(), Len: d.u64(), Advice: d.u8()}
	case TypeFdAllocate:
		out = FdAllocate{Fd: d.fd(), Offset: d.u64(), Len: d.u64()}
	case TypeCreateHardLink:
		out = CreateHardLink{OldFd: d.fd(), OldPath: d.str(), OldFlags: d.u32(), NewFd: d.fd(), NewPath: d.str()}
	case TypeCreateSymbolicLink:
		out = CreateSymbolicLink{OldPath: d.str(), Fd: d.fd(), NewPath: d.str()}
	case TypeUnlinkFile:
		out = UnlinkFile{Fd: d.fd(), Path: d.str()}
	case TypePathRename:
		out = PathRename{OldFd: d.fd(), OldPath: d.str(), NewFd: d.fd(), NewPath: d.str()}
	case TypeChangeDirectory:
		out = ChangeDirectory{Path: d.str()}
	case TypeEpollCreate:
		out = EpollCreate{Fd: d.fd()}
	case TypeEpollCtl:
		v := EpollCtl{EpFd: d.fd(), Op: EpollOp(d.u8()), Fd: d.fd()}
		if d.u8() != 0 {
			v.Event = &EpollEvent{Events: d.u32(), Data: d.u64()}
		}
		out = v
	case TypeTtySet:
		out = TtySet{Tty: TtyState{
			Cols:         d.u32(),
			Rows:         d.u32(),
			Width:        d.u32(),
			Height:       d.u32(),
			StdinTty:     d.boolean(),
			StdoutTty:    d.boolean(),
			StderrTty:    d.boolean(),
			Echo:         d.boolean(),
			LineBuffered: d.boolean(),
			LineFeeds:    d.boolean(),
		}}
	case TypeCreatePipe:
		out = CreatePipe{ReadFd: d.fd(), WriteFd: d.fd()}
	case TypeCreateEvent:
		out = CreateEvent{InitialVal: d.u64(), Flags: d.u16(), Fd: d.fd()}
	case TypePortAddAddr:
		out = PortAddAddr{Cidr: d.prefix()}
	case TypePortDelAddr:
		out = PortDelAddr{Addr: d.addr()}
	case TypePortAddrClear:
		out = PortAddrClear{}
	case TypePortBridge:
		out = PortBridge{Network: d.str(), Token: d.str(), Security: d.u8()}
	case TypePortUnbridge:
		out = PortUnbridge{}
	case TypePortDhcpAcquire:
		out = PortDhcpAcquire{}
	case TypePortGatewaySet:
		out = PortGatewaySet{IP: d.addr()}
	case TypePortRouteAdd:
		out = PortRouteAdd{Cidr: d.prefix(), ViaRouter: d.addr(), PreferredUntil: d.optDuration(), ExpiresAt: d.optDuration()}
	case TypePortRouteClear:
		out = PortRouteClear{}
	case TypePortRouteDel:
		out = PortRouteDel{IP: d.addr()}
	case TypeSocketOpen:
		out = SocketOpen{Af: d.u16(), Ty: d.u8(), Pt: d.u16(), Fd: d.fd()}
	case TypeSocketListen:
		out = SocketListen{Fd: d.fd(), Backlog: d.u32()}
	case TypeSocketBind:
		out = SocketBind{Fd: d.fd(), Addr: d.addrPort()}
	case TypeSocketConnected:
		out = SocketConnected{Fd: d.fd(), LocalAddr: d.addrPort(), PeerAddr: d.addrPort()}
	case TypeSocketAccepted:
		out = SocketAccepted{
			ListenFd:    d.fd(),
			Fd:          d.fd(),
			LocalAddr:   d.addrPort(),
			PeerAddr:    d.addrPort(),
			FdFlags:     Fdflags(d.u16()),
			NonBlocking: d.boolean(),
		}
	case TypeSocketJoinIPv4Multicast:
		out = SocketJoinIPv4Multicast{Fd: d.fd(), MultiAddr: d.addr(), Iface: d.addr()}
	case TypeSocketJoinIPv6Multicast:
		out = SocketJoinIPv6Multicast{Fd: d.fd(), MultiAddr: d.addr(), Iface: d.u32()}
	case TypeSocketLeaveIPv4Multicast:
		out = SocketLeaveIPv4Multicast{Fd: d.fd(), MultiAddr: d.addr(), Iface: d.addr()}
	case TypeSocketLeaveIPv6Multicast:
		out = SocketLeaveIPv6Multicast{Fd: d.fd(), MultiAddr: d.addr(), Iface: d.u32()}
	case TypeSocketSendFile:
		out = SocketSendFile{SocketFd: d.fd(), FileFd: d.fd(), Offset: d.u64(), Count: d.u64()}
	case TypeSocketSendTo:
		out = SocketSendTo{Fd: d.fd(), Data: d.bytes(), Flags: d.u16(), Addr: d.addrPort(), Is64Bit: d.boolean()}
	case TypeSocketSend:
		out = SocketSend{Fd: d.fd(), Data: d.bytes(), Flags: d.u16(), Is64Bit: d.boolean()}
	case TypeSocketSetOptFlag:
		out = SocketSetOptFlag{Fd: d.fd(), Opt: SocketOption(d.u8()), Flag: d.boolean()}
	case TypeSocketSetOptSize:
		out = SocketSetOptSize{Fd: d.fd(), Opt: SocketOption(d.u8()), Size: d.u64()}
	case TypeSocketSetOptTime:
		out = SocketSetOptTime{Fd: d.fd(), Ty: TimeType(d.u8()), Time: d.optDuration()}
	case TypeSocketShutdown:
		out = SocketShutdown{Fd: d.fd(), How: d.u8()}
	case TypeSnapshot:
		out = Snapshot{When: time.Unix(0, d.i64()).UTC(), Trigger: SnapshotTrigger(d.u8())}
	case TypeSocketPair:
		out = SocketPair{Fd1: d.fd(), Fd2: d.fd()}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownRecordType, uint16(t))
	}
	if d.err != nil {
		return nil, &CorruptError{Kind: CorruptPayload, Type: t, Err: d.err}
	}
	return out, nil
}

// EstimateSize returns the framed on-disk size of the entry.
func EstimateSize(entry Entry) int {
	out, err := AppendEntry(RecordBuffers.Get(), entry)
	if err != nil {
		return RecordOverhead
	}
	defer RecordBuffers.Put(out)
	return len(out) + RecordOverhead
}
