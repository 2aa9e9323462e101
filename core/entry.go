package core

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"
)

// RecordType is the on-disk tag of a journal entry. Tags are never reused.
type RecordType uint16

const (
	TypeInitModule               RecordType = 1
	TypeProcessExit              RecordType = 2
	TypeSetThread                RecordType = 3
	TypeCloseThread              RecordType = 4
	TypeFdSeek                   RecordType = 5
	TypeFdWrite                  RecordType = 6
	TypeUpdateMemoryRegion       RecordType = 7
	TypeClearEthereal            RecordType = 8
	TypeSetClockTime             RecordType = 9
	TypeOpenFd                   RecordType = 10
	TypeCloseFd                  RecordType = 11
	TypeRenumberFd               RecordType = 12
	TypeDuplicateFd              RecordType = 13
	TypeCreateDirectory          RecordType = 14
	TypeRemoveDirectory          RecordType = 15
	TypePathSetTimes             RecordType = 16
	TypeFdSetTimes               RecordType = 17
	TypeFdSetSize                RecordType = 18
	TypeFdSetFdFlags             RecordType = 19
	TypeFdSetRights              RecordType = 20
	TypeFdAdvise                 RecordType = 21
	TypeFdAllocate               RecordType = 22
	TypeCreateHardLink           RecordType = 23
	TypeCreateSymbolicLink       RecordType = 24
	TypeUnlinkFile               RecordType = 25
	TypePathRename               RecordType = 26
	TypeChangeDirectory          RecordType = 27
	TypeEpollCreate              RecordType = 28
	TypeEpollCtl                 RecordType = 29
	TypeTtySet                   RecordType = 30
	TypeCreatePipe               RecordType = 31
	TypeCreateEvent              RecordType = 32
	TypePortAddAddr              RecordType = 33
	TypePortDelAddr              RecordType = 34
	TypePortAddrClear            RecordType = 35
	TypePortBridge               RecordType = 36
	TypePortUnbridge             RecordType = 37
	TypePortDhcpAcquire          RecordType = 38
	TypePortGatewaySet           RecordType = 39
	TypePortRouteAdd             RecordType = 40
	TypePortRouteClear           RecordType = 41
	TypePortRouteDel             RecordType = 42
	TypeSocketOpen               RecordType = 43
	TypeSocketListen             RecordType = 44
	TypeSocketBind               RecordType = 45
	TypeSocketConnected          RecordType = 46
	TypeSocketAccepted           RecordType = 47
	TypeSocketJoinIPv4Multicast  RecordType = 48
	TypeSocketJoinIPv6Multicast  RecordType = 49
	TypeSocketLeaveIPv4Multicast RecordType = 50
	TypeSocketLeaveIPv6Multicast RecordType = 51
	TypeSocketSendFile           RecordType = 52
	TypeSocketSendTo             RecordType = 53
	TypeSocketSend               RecordType = 54
	TypeSocketSetOptFlag         RecordType = 55
	TypeSocketSetOptSize         RecordType = 56
	TypeSocketSetOptTime         RecordType = 57
	TypeSocketShutdown           RecordType = 58
	TypeSnapshot                 RecordType = 59
	TypeSocketPair               RecordType = 60

	maxKnownType = TypeSocketPair
)

var recordTypeNames = [...]string{
	TypeInitModule:               "InitModule",
	TypeProcessExit:              "ProcessExit",
	TypeSetThread:                "SetThread",
	TypeCloseThread:              "CloseThread",
	TypeFdSeek:                   "FdSeek",
	TypeFdWrite:                  "FdWrite",
	TypeUpdateMemoryRegion:       "UpdateMemoryRegion",
	TypeClearEthereal:            "ClearEthereal",
	TypeSetClockTime:             "SetClockTime",
	TypeOpenFd:                   "OpenFd",
	TypeCloseFd:                  "CloseFd",
	TypeRenumberFd:               "RenumberFd",
	TypeDuplicateFd:              "DuplicateFd",
	TypeCreateDirectory:          "CreateDirectory",
	TypeRemoveDirectory:          "RemoveDirectory",
	TypePathSetTimes:             "PathSetTimes",
	TypeFdSetTimes:               "FdSetTimes",
	TypeFdSetSize:                "FdSetSize",
	TypeFdSetFdFlags:             "FdSetFdFlags",
	TypeFdSetRights:              "FdSetRights",
	TypeFdAdvise:                 "FdAdvise",
	TypeFdAllocate:               "FdAllocate",
	TypeCreateHardLink:           "CreateHardLink",
	TypeCreateSymbolicLink:       "CreateSymbolicLink",
	TypeUnlinkFile:               "UnlinkFile",
	TypePathRename:               "PathRename",
	TypeChangeDirectory:          "ChangeDirectory",
	TypeEpollCreate:              "EpollCreate",
	TypeEpollCtl:                 "EpollCtl",
	TypeTtySet:                   "TtySet",
	TypeCreatePipe:               "CreatePipe",
	TypeCreateEvent:              "CreateEvent",
	TypePortAddAddr:              "PortAddAddr",
	TypePortDelAddr:              "PortDelAddr",
	TypePortAddrClear:            "PortAddrClear",
	TypePortBridge:               "PortBridge",
	TypePortUnbridge:             "PortUnbridge",
	TypePortDhcpAcquire:          "PortDhcpAcquire",
	TypePortGatewaySet:           "PortGatewaySet",
	TypePortRouteAdd:             "PortRouteAdd",
	TypePortRouteClear:           "PortRouteClear",
	TypePortRouteDel:             "PortRouteDel",
	TypeSocketOpen:               "SocketOpen",
	TypeSocketListen:             "SocketListen",
	TypeSocketBind:               "SocketBind",
	TypeSocketConnected:          "SocketConnected",
	TypeSocketAccepted:           "SocketAccepted",
	TypeSocketJoinIPv4Multicast:  "SocketJoinIPv4Multicast",
	TypeSocketJoinIPv6Multicast:  "SocketJoinIPv6Multicast",
	TypeSocketLeaveIPv4Multicast: "SocketLeaveIPv4Multicast",
	TypeSocketLeaveIPv6Multicast: "SocketLeaveIPv6Multicast",
	TypeSocketSendFile:           "SocketSendFile",
	TypeSocketSendTo:             "SocketSendTo",
	TypeSocketSend:               "SocketSend",
	TypeSocketSetOptFlag:         "SocketSetOptFlag",
	TypeSocketSetOptSize:         "SocketSetOptSize",
	TypeSocketSetOptTime:         "SocketSetOptTime",
	TypeSocketShutdown:           "SocketShutdown",
	TypeSnapshot:                 "Snapshot",
	TypeSocketPair:               "SocketPair",
}

func (t RecordType) String() string {
	if int(t) < len(recordTypeNames) && recordTypeNames[t] != "" {
		return recordTypeNames[t]
	}
	return fmt.Sprintf("RecordType(%d)", uint16(t))
}

// Known reports whether this build can decode the record type.
func (t RecordType) Known() bool {
	return t >= TypeInitModule && t <= maxKnownType
}

// AllRecordTypes returns every known record type in tag order.
func AllRecordTypes() []RecordType {
	out := make([]RecordType, 0, maxKnownType)
	for t := TypeInitModule; t <= maxKnownType; t++ {
		out = append(out, t)
	}
	return out
}

// Entry is one recorded operation. Concrete entries are value types; byte
// slices in a decoded entry may alias the buffer they were decoded from
// until Clone is called.
type Entry interface {
	RecordType() RecordType
}

// Fd is a guest file descriptor number.
type Fd uint32

// ThreadID identifies a guest thread. Thread 1 is the main thread.
type ThreadID uint32

// MainThread is the id of the process's initial thread.
const MainThread ThreadID = 1

// ExitCode is a guest process or thread exit status.
type ExitCode int32

// ModuleHash identifies the compiled module a journal was captured against.
type ModuleHash [32]byte

func (h ModuleHash) IsZero() bool { return h == ModuleHash{} }

func (h ModuleHash) String() string { return hex.EncodeToString(h[:]) }

// Standard descriptors.
const (
	StdinFd  Fd = 0
	StdoutFd Fd = 1
	StderrFd Fd = 2
)

// Whence selects the base of a seek.
type Whence uint8

const (
	WhenceSet Whence = iota
	WhenceCur
	WhenceEnd
)

// OFlags are the open flags recorded with OpenFd.
type OFlags uint16

const (
	OFlagCreat     OFlags = 1 << 0
	OFlagDirectory OFlags = 1 << 1
	OFlagExcl      OFlags = 1 << 2
	OFlagTrunc     OFlags = 1 << 3
)

// Fdflags are the descriptor flags (append, nonblock...).
type Fdflags uint16

const (
	FdflagAppend   Fdflags = 1 << 0
	FdflagDsync    Fdflags = 1 << 1
	FdflagNonblock Fdflags = 1 << 2
	FdflagRsync    Fdflags = 1 << 3
	FdflagSync     Fdflags = 1 << 4
)

// Fstflags select which timestamps a set-times call changes.
type Fstflags uint16

const (
	FstflagAtim    Fstflags = 1 << 0
	FstflagAtimNow Fstflags = 1 << 1
	FstflagMtim    Fstflags = 1 << 2
	FstflagMtimNow Fstflags = 1 << 3
)

// EpollOp is the operation of an epoll_ctl call.
type EpollOp uint8

const (
	EpollCtlAdd EpollOp = 1
	EpollCtlDel EpollOp = 2
	EpollCtlMod EpollOp = 3
)

// SocketOption names a boolean or size socket option.
type SocketOption uint8

// TimeType names a time socket option.
type TimeType uint8

const (
	TimeReadTimeout TimeType = iota
	TimeWriteTimeout
	TimeAcceptTimeout
	TimeConnectTimeout
	TimeLinger
)

// Shutdown directions.
const (
	ShutdownRead  uint8 = 1
	ShutdownWrite uint8 = 2
	ShutdownBoth  uint8 = 3
)

// SnapshotTrigger is the reason a full-state snapshot was taken.
type SnapshotTrigger uint8

const (
	TriggerIdle SnapshotTrigger = iota
	TriggerFirstListen
	TriggerFirstEnviron
	TriggerFirstStdin
	TriggerPeriodicInterval
	TriggerSigint
	TriggerSigalrm
	TriggerSigtstp
	TriggerSigstop
	TriggerNonDeterministicCall
	TriggerExplicit
)

var triggerNames = [...]string{
	TriggerIdle:                 "idle",
	TriggerFirstListen:          "first-listen",
	TriggerFirstEnviron:         "first-environ",
	TriggerFirstStdin:           "first-stdin",
	TriggerPeriodicInterval:     "periodic-interval",
	TriggerSigint:               "sigint",
	TriggerSigalrm:              "sigalrm",
	TriggerSigtstp:              "sigtstp",
	TriggerSigstop:              "sigstop",
	TriggerNonDeterministicCall: "non-deterministic-call",
	TriggerExplicit:             "explicit",
}

func (t SnapshotTrigger) String() string {
	if int(t) < len(triggerNames) {
		return triggerNames[t]
	}
	return fmt.Sprintf("trigger(%d)", uint8(t))
}

// OnlyOnce reports whether the trigger fires at most once per process.
func (t SnapshotTrigger) OnlyOnce() bool {
	switch t {
	case TriggerFirstListen, TriggerFirstEnviron, TriggerFirstStdin:
		return true
	}
	return false
}

// ParseSnapshotTrigger is the inverse of SnapshotTrigger.String.
func ParseSnapshotTrigger(s string) (SnapshotTrigger, error) {
	for i, name := range triggerNames {
		if name == s {
			return SnapshotTrigger(i), nil
		}
	}
	return 0, fmt.Errorf("unknown snapshot trigger %q", s)
}

// ThreadLayout describes a thread's stack placement in linear memory.
type ThreadLayout struct {
	StackUpper uint64
	StackLower uint64
	GuardSize  uint64
	StackSize  uint64
}

// TtyState is the terminal configuration recorded by TtySet.
type TtyState struct {
	Cols         uint32
	Rows         uint32
	Width        uint32
	Height       uint32
	StdinTty     bool
	StdoutTty    bool
	StderrTty    bool
	Echo         bool
	LineBuffered bool
	LineFeeds    bool
}

// EpollEvent is the interest registered by EpollCtl.
type EpollEvent struct {
	Events uint32
	Data   uint64
}

// --- Process and thread lifecycle ---

type InitModule struct {
	WasmHash ModuleHash
}

type ProcessExit struct {
	ExitCode *ExitCode
}

type SetThread struct {
	ID          ThreadID
	CallStack   []byte
	MemoryStack []byte
	StoreData   []byte
	Is64Bit     bool
	Layout      ThreadLayout
}

type CloseThread struct {
	ID       ThreadID
	ExitCode *ExitCode
}

type UpdateMemoryRegion struct {
	Start uint64
	End   uint64
	// CompressedData holds a memory payload produced by EncodeMemoryPayload.
	CompressedData []byte
	ModuleHash     ModuleHash
}

type ClearEthereal struct{}

type SetClockTime struct {
	ClockID uint32
	Time    uint64
}

type Snapshot struct {
	When    time.Time
	Trigger SnapshotTrigger
}

// --- Descriptors ---

type FdSeek struct {
	Fd     Fd
	Offset int64
	Whence Whence
}

type FdWrite struct {
	Fd      Fd
	Offset  uint64
	Data    []byte
	Is64Bit bool
}

type OpenFd struct {
	Fd               Fd
	DirFd            Fd
	DirFlags         uint32
	Path             string
	OFlags           OFlags
	RightsBase       uint64
	RightsInheriting uint64
	FsFlags          Fdflags
	FdFlags          uint16
}

type CloseFd struct {
	Fd Fd
}

type RenumberFd struct {
	OldFd Fd
	NewFd Fd
}

type DuplicateFd struct {
	OriginalFd Fd
	CopiedFd   Fd
	Cloexec    bool
}

type FdSetTimes struct {
	Fd       Fd
	Atime    uint64
	Mtime    uint64
	FstFlags Fstflags
}

type FdSetSize struct {
	Fd   Fd
	Size uint64
}

type FdSetFdFlags struct {
	Fd    Fd
	Flags Fdflags
}

type FdSetRights struct {
	Fd         Fd
	Base       uint64
	Inheriting uint64
}

type FdAdvise struct {
	Fd     Fd
	Offset uint64
	Len    uint64
	Advice uint8
}

type FdAllocate struct {
	Fd     Fd
	Offset uint64
	Len    uint64
}

// --- Filesystem ---

type CreateDirectory struct {
	Fd   Fd
	Path string
}

type RemoveDirectory struct {
	Fd   Fd
	Path string
}

type PathSetTimes struct {
	Fd       Fd
	Flags    uint32
	Path     string
	Atime    uint64
	Mtime    uint64
	FstFlags Fstflags
}

type CreateHardLink struct {
	OldFd    Fd
	OldPath  string
	OldFlags uint32
	NewFd    Fd
	NewPath  string
}

type CreateSymbolicLink struct {
	OldPath string
	Fd      Fd
	NewPath string
}

type UnlinkFile struct {
	Fd   Fd
	Path string
}

type PathRename struct {
	OldFd   Fd
	OldPath string
	NewFd   Fd
	NewPath string
}

type ChangeDirectory struct {
	Path string
}

type EpollCreate struct {
	Fd Fd
}

type EpollCtl struct {
	EpFd  Fd
	Op    EpollOp
	Fd    Fd
	Event *EpollEvent
}

type TtySet struct {
	Tty TtyState
}

type CreatePipe struct {
	ReadFd  Fd
	WriteFd Fd
}

type CreateEvent struct {
	InitialVal uint64
	Flags      uint16
	Fd         Fd
}

// --- Port (virtual NIC) configuration ---

type PortAddAddr struct {
	Cidr netip.Prefix
}

type PortDelAddr struct {
	Addr netip.Addr
}

type PortAddrClear struct{}

type PortBridge struct {
	Network  string
	Token    string
	Security uint8
}

type PortUnbridge struct{}

type PortDhcpAcquire struct{}

type PortGatewaySet struct {
	IP netip.Addr
}

type PortRouteAdd struct {
	Cidr           netip.Prefix
	ViaRouter      netip.Addr
	PreferredUntil *time.Duration
	ExpiresAt      *time.Duration
}

type PortRouteClear struct{}

type PortRouteDel struct {
	IP netip.Addr
}

// --- Sockets ---

type SocketOpen struct {
	Af uint16
	Ty uint8
	Pt uint16
	Fd Fd
}

type SocketListen struct {
	Fd      Fd
	Backlog uint32
}

type SocketBind struct {
	Fd   Fd
	Addr netip.AddrPort
}

type SocketConnected struct {
	Fd        Fd
	LocalAddr netip.AddrPort
	PeerAddr  netip.AddrPort
}

type SocketAccepted struct {
	ListenFd    Fd
	Fd          Fd
	LocalAddr   netip.AddrPort
	PeerAddr    netip.AddrPort
	FdFlags     Fdflags
	NonBlocking bool
}

type SocketJoinIPv4Multicast struct {
	Fd        Fd
	MultiAddr netip.Addr
	Iface     netip.Addr
}

type SocketJoinIPv6Multicast struct {
	Fd        Fd
	MultiAddr netip.Addr
	Iface     uint32
}

type SocketLeaveIPv4Multicast struct {
	Fd        Fd
	MultiAddr netip.Addr
	Iface     netip.Addr
}

type SocketLeaveIPv6Multicast struct {
	Fd        Fd
	MultiAddr netip.Addr
	Iface     uint32
}

type SocketSendFile struct {
	SocketFd Fd
	FileFd   Fd
	Offset   uint64
	Count    uint64
}

type SocketSendTo struct {
	Fd      Fd
	Data    []byte
	Flags   uint16
	Addr    netip.AddrPort
	Is64Bit bool
}

type SocketSend struct {
	Fd      Fd
	Data    []byte
	Flags   uint16
	Is64Bit bool
}

type SocketSetOptFlag struct {
	Fd   Fd
	Opt  SocketOption
	Flag bool
}

type SocketSetOptSize struct {
	Fd   Fd
	Opt  SocketOption
	Size uint64
}

type SocketSetOptTime struct {
	Fd   Fd
	Ty   TimeType
	Time *time.Duration
}

type SocketShutdown struct {
	Fd  Fd
	How uint8
}

type SocketPair struct {
	Fd1 Fd
	Fd2 Fd
}

func (InitModule) RecordType() RecordType               { return TypeInitModule }
func (ProcessExit) RecordType() RecordType              { return TypeProcessExit }
func (SetThread) RecordType() RecordType                { return TypeSetThread }
func (CloseThread) RecordType() RecordType              { return TypeCloseThread }
func (FdSeek) RecordType() RecordType                   { return TypeFdSeek }
func (FdWrite) RecordType() RecordType                  { return TypeFdWrite }
func (UpdateMemoryRegion) RecordType() RecordType       { return TypeUpdateMemoryRegion }
func (ClearEthereal) RecordType() RecordType            { return TypeClearEthereal }
func (SetClockTime) RecordType() RecordType             { return TypeSetClockTime }
func (OpenFd) RecordType() RecordType                   { return TypeOpenFd }
func (CloseFd) RecordType() RecordType                  { return TypeCloseFd }
func (RenumberFd) RecordType() RecordType               { return TypeRenumberFd }
func (DuplicateFd) RecordType() RecordType              { return TypeDuplicateFd }
func (CreateDirectory) RecordType() RecordType          { return TypeCreateDirectory }
func (RemoveDirectory) RecordType() RecordType          { return TypeRemoveDirectory }
func (PathSetTimes) RecordType() RecordType             { return TypePathSetTimes }
func (FdSetTimes) RecordType() RecordType               { return TypeFdSetTimes }
func (FdSetSize) RecordType() RecordType                { return TypeFdSetSize }
func (FdSetFdFlags) RecordType() RecordType             { return TypeFdSetFdFlags }
func (FdSetRights) RecordType() RecordType              { return TypeFdSetRights }
func (FdAdvise) RecordType() RecordType                 { return TypeFdAdvise }
func (FdAllocate) RecordType() RecordType               { return TypeFdAllocate }
func (CreateHardLink) RecordType() RecordType           { return TypeCreateHardLink }
func (CreateSymbolicLink) RecordType() RecordType       { return TypeCreateSymbolicLink }
func (UnlinkFile) RecordType() RecordType               { return TypeUnlinkFile }
func (PathRename) RecordType() RecordType               { return TypePathRename }
func (ChangeDirectory) RecordType() RecordType          { return TypeChangeDirectory }
func (EpollCreate) RecordType() RecordType              { return TypeEpollCreate }
func (EpollCtl) RecordType() RecordType                 { return TypeEpollCtl }
func (TtySet) RecordType() RecordType                   { return TypeTtySet }
func (CreatePipe) RecordType() RecordType               { return TypeCreatePipe }
func (CreateEvent) RecordType() RecordType              { return TypeCreateEvent }
func (PortAddAddr) RecordType() RecordType              { return TypePortAddAddr }
func (PortDelAddr) RecordType() RecordType              { return TypePortDelAddr }
func (PortAddrClear) RecordType() RecordType            { return TypePortAddrClear }
func (PortBridge) RecordType() RecordType               { return TypePortBridge }
func (PortUnbridge) RecordType() RecordType             { return TypePortUnbridge }
func (PortDhcpAcquire) RecordType() RecordType          { return TypePortDhcpAcquire }
func (PortGatewaySet) RecordType() RecordType           { return TypePortGatewaySet }
func (PortRouteAdd) RecordType() RecordType             { return TypePortRouteAdd }
func (PortRouteClear) RecordType() RecordType           { return TypePortRouteClear }
func (PortRouteDel) RecordType() RecordType             { return TypePortRouteDel }
func (SocketOpen) RecordType() RecordType               { return TypeSocketOpen }
func (SocketListen) RecordType() RecordType             { return TypeSocketListen }
func (SocketBind) RecordType() RecordType               { return TypeSocketBind }
func (SocketConnected) RecordType() RecordType          { return TypeSocketConnected }
func (SocketAccepted) RecordType() RecordType           { return TypeSocketAccepted }
func (SocketJoinIPv4Multicast) RecordType() RecordType  { return TypeSocketJoinIPv4Multicast }
func (SocketJoinIPv6Multicast) RecordType() RecordType  { return TypeSocketJoinIPv6Multicast }
func (SocketLeaveIPv4Multicast) RecordType() RecordType { return TypeSocketLeaveIPv4Multicast }
func (SocketLeaveIPv6Multicast) RecordType() RecordType { return TypeSocketLeaveIPv6Multicast }
func (SocketSendFile) RecordType() RecordType           { return TypeSocketSendFile }
func (SocketSendTo) RecordType() RecordType             { return TypeSocketSendTo }
func (SocketSend) RecordType() RecordType               { return TypeSocketSend }
func (SocketSetOptFlag) RecordType() RecordType         { return TypeSocketSetOptFlag }
func (SocketSetOptSize) RecordType() RecordType         { return TypeSocketSetOptSize }
func (SocketSetOptTime) RecordType() RecordType         { return TypeSocketSetOptTime }
func (SocketShutdown) RecordType() RecordType           { return TypeSocketShutdown }
func (Snapshot) RecordType() RecordType                 { return TypeSnapshot }
func (SocketPair) RecordType() RecordType               { return TypeSocketPair }

// LogWriteResult is the byte range a written record occupies.
type LogWriteResult struct {
	RecordStart int64
	RecordEnd   int64
}

// RecordSize is the framed size of the record.
func (r LogWriteResult) RecordSize() int64 { return r.RecordEnd - r.RecordStart }

// LogReadResult is one entry read back from a journal together with the
// byte range of its record.
type LogReadResult struct {
	Entry       Entry
	RecordStart int64
	RecordEnd   int64
}
