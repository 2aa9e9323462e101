package core

// Category groups record types by the part of the process they describe.
type Category uint8

const (
	CategoryCore Category = iota
	CategoryMemory
	CategoryThread
	CategoryFS
	CategoryNetwork
	CategorySnapshot
)

var categoryNames = [...]string{
	CategoryCore:     "core",
	CategoryMemory:   "memory",
	CategoryThread:   "thread",
	CategoryFS:       "fs",
	CategoryNetwork:  "network",
	CategorySnapshot: "snapshot",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// CategoryOf classifies a record type. Unknown types are CategoryCore.
func CategoryOf(t RecordType) Category {
	switch {
	case t == TypeUpdateMemoryRegion:
		return CategoryMemory
	case t == TypeSetThread || t == TypeCloseThread:
		return CategoryThread
	case t == TypeSnapshot:
		return CategorySnapshot
	case t >= TypeFdSeek && t <= TypeFdWrite, t >= TypeOpenFd && t <= TypeCreateEvent && t != TypeTtySet:
		return CategoryFS
	case t >= TypePortAddAddr && t <= TypeSocketShutdown, t == TypeSocketPair:
		return CategoryNetwork
	}
	return CategoryCore
}

// Descriptors returns the guest descriptors an entry refers to, in field
// order. Entries that create descriptors include the new ones.
func Descriptors(e Entry) []Fd {
	switch v := e.(type) {
	case FdSeek:
		return []Fd{v.Fd}
	case FdWrite:
		return []Fd{v.Fd}
	case OpenFd:
		return []Fd{v.Fd, v.DirFd}
	case CloseFd:
		return []Fd{v.Fd}
	case RenumberFd:
		return []Fd{v.OldFd, v.NewFd}
	case DuplicateFd:
		return []Fd{v.OriginalFd, v.CopiedFd}
	case CreateDirectory:
		return []Fd{v.Fd}
	case RemoveDirectory:
		return []Fd{v.Fd}
	case PathSetTimes:
		return []Fd{v.Fd}
	case FdSetTimes:
		return []Fd{v.Fd}
	case FdSetSize:
		return []Fd{v.Fd}
	case FdSetFdFlags:
		return []Fd{v.Fd}
	case FdSetRights:
		return []Fd{v.Fd}
	case FdAdvise:
		return []Fd{v.Fd}
	case FdAllocate:
		return []Fd{v.Fd}
	case CreateHardLink:
		return []Fd{v.OldFd, v.NewFd}
	case CreateSymbolicLink:
		return []Fd{v.Fd}
	case UnlinkFile:
		return []Fd{v.Fd}
	case PathRename:
		return []Fd{v.OldFd, v.NewFd}
	case EpollCreate:
		return []Fd{v.Fd}
	case EpollCtl:
		return []Fd{v.EpFd, v.Fd}
	case CreatePipe:
		return []Fd{v.ReadFd, v.WriteFd}
	case CreateEvent:
		return []Fd{v.Fd}
	case SocketOpen:
		return []Fd{v.Fd}
	case SocketListen:
		return []Fd{v.Fd}
	case SocketBind:
		return []Fd{v.Fd}
	case SocketConnected:
		return []Fd{v.Fd}
	case SocketAccepted:
		return []Fd{v.ListenFd, v.Fd}
	case SocketJoinIPv4Multicast:
		return []Fd{v.Fd}
	case SocketJoinIPv6Multicast:
		return []Fd{v.Fd}
	case SocketLeaveIPv4Multicast:
		return []Fd{v.Fd}
	case SocketLeaveIPv6Multicast:
		return []Fd{v.Fd}
	case SocketSendFile:
		return []Fd{v.SocketFd, v.FileFd}
	case SocketSendTo:
		return []Fd{v.Fd}
	case SocketSend:
		return []Fd{v.Fd}
	case SocketSetOptFlag:
		return []Fd{v.Fd}
	case SocketSetOptSize:
		return []Fd{v.Fd}
	case SocketSetOptTime:
		return []Fd{v.Fd}
	case SocketShutdown:
		return []Fd{v.Fd}
	case SocketPair:
		return []Fd{v.Fd1, v.Fd2}
	}
	return nil
}
