package core

import "time"

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneExit(c *ExitCode) *ExitCode {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}

func cloneDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Clone returns an owned copy of the entry that shares no memory with the
// buffer it was decoded from. Use it before handing a decoded entry to
// another goroutine or keeping it past the next Read.
func Clone(entry Entry) Entry {
	switch v := entry.(type) {
	case ProcessExit:
		v.ExitCode = cloneExit(v.ExitCode)
		return v
	case SetThread:
		v.CallStack = cloneBytes(v.CallStack)
		v.MemoryStack = cloneBytes(v.MemoryStack)
		v.StoreData = cloneBytes(v.StoreData)
		return v
	case CloseThread:
		v.ExitCode = cloneExit(v.ExitCode)
		return v
	case FdWrite:
		v.Data = cloneBytes(v.Data)
		return v
	case UpdateMemoryRegion:
		v.CompressedData = cloneBytes(v.CompressedData)
		return v
	case EpollCtl:
		if v.Event != nil {
			ev := *v.Event
			v.Event = &ev
		}
		return v
	case PortRouteAdd:
		v.PreferredUntil = cloneDuration(v.PreferredUntil)
		v.ExpiresAt = cloneDuration(v.ExpiresAt)
		return v
	case SocketSendTo:
		v.Data = cloneBytes(v.Data)
		return v
	case SocketSend:
		v.Data = cloneBytes(v.Data)
		return v
	case SocketSetOptTime:
		v.Time = cloneDuration(v.Time)
		return v
	default:
		// Remaining entries hold only values and strings.
		return entry
	}
}
