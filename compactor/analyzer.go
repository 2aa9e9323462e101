// Package compactor rewrites a journal so that it holds only the records
// needed to rebuild the same process state.
package compactor

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/INLOpen/wasmsnap/core"
)

type memoryKey struct {
	start, end uint64
	hash       core.ModuleHash
}

type writeKey struct {
	offset, length uint64
}

// fdGroup is the event history of one open file description. Aliases made
// by DuplicateFd share a group.
type fdGroup struct {
	kept   bool
	events []uint32
	writes map[writeKey]uint32
}

// Analyzer decides which records of a journal survive compaction. Records
// are fed in log order with Observe; Keep reports the surviving indices.
type Analyzer struct {
	next uint32
	keep *roaring.Bitmap

	memory  map[memoryKey]uint32
	threads map[core.ThreadID]uint32
	clocks  map[uint32]uint32
	tty     int64
	fds     map[core.Fd]*fdGroup
	// vacant holds descriptor numbers the log itself closed or moved away.
	// Any other number may hold something the log never opened, such as a
	// standard stream or a preopen.
	vacant map[core.Fd]struct{}
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{
		keep:    roaring.New(),
		memory:  make(map[memoryKey]uint32),
		threads: make(map[core.ThreadID]uint32),
		clocks:  make(map[uint32]uint32),
		tty:     -1,
		fds:     make(map[core.Fd]*fdGroup),
		vacant:  make(map[core.Fd]struct{}),
	}
}

// Observe records the next entry and returns its index.
func (a *Analyzer) Observe(e core.Entry) uint32 {
	idx := a.next
	a.next++
	a.keep.Add(idx)

	switch v := e.(type) {
	case core.UpdateMemoryRegion:
		key := memoryKey{start: v.Start, end: v.End, hash: v.ModuleHash}
		supersede(a.keep, a.memory, key, idx)
	case core.SetThread:
		supersede(a.keep, a.threads, v.ID, idx)
	case core.CloseThread:
		if prev, ok := a.threads[v.ID]; ok {
			a.keep.Remove(prev)
			delete(a.threads, v.ID)
		}
	case core.SetClockTime:
		supersede(a.keep, a.clocks, v.ClockID, idx)
	case core.TtySet:
		if a.tty >= 0 {
			a.keep.Remove(uint32(a.tty))
		}
		a.tty = int64(idx)
	case core.ProcessExit:
		a.processExit()

	case core.OpenFd:
		a.promote(v.DirFd)
		a.occupy(v.Fd)
		g := &fdGroup{kept: v.OFlags&(core.OFlagCreat|core.OFlagTrunc) != 0}
		g.events = append(g.events, idx)
		a.fds[v.Fd] = g
	case core.FdSeek:
		if g := a.fds[v.Fd]; g != nil {
			g.events = append(g.events, idx)
		}
	case core.CloseFd:
		// The close itself always survives as a boundary.
		a.release(v.Fd)
		a.vacant[v.Fd] = struct{}{}
	case core.FdWrite:
		a.promote(v.Fd)
		if g := a.fds[v.Fd]; g != nil {
			if g.writes == nil {
				g.writes = make(map[writeKey]uint32)
			}
			key := writeKey{offset: v.Offset, length: uint64(len(v.Data))}
			if prev, ok := g.writes[key]; ok {
				a.keep.Remove(prev)
			}
			g.writes[key] = idx
		}
	case core.DuplicateFd:
		a.promote(v.OriginalFd)
		a.occupy(v.CopiedFd)
		if g := a.fds[v.OriginalFd]; g != nil {
			a.fds[v.CopiedFd] = g
		}
	case core.RenumberFd:
		if v.OldFd == v.NewFd {
			break
		}
		// Renumbering onto a live descriptor closes it. Dropping the
		// renumber would leave that descriptor open, so the moving group
		// has to survive. A suspect group at the target is dropped here
		// and needs no close.
		_, free := a.vacant[v.NewFd]
		if g := a.fds[v.NewFd]; g != nil && !g.kept {
			free = true
		}
		a.occupy(v.NewFd)
		if g := a.fds[v.OldFd]; g != nil {
			if !free {
				g.kept = true
			}
			g.events = append(g.events, idx)
			delete(a.fds, v.OldFd)
			a.fds[v.NewFd] = g
		}
		a.vacant[v.OldFd] = struct{}{}

	case core.SocketOpen:
		a.occupy(v.Fd)
	case core.SocketAccepted:
		a.promote(v.ListenFd)
		a.occupy(v.Fd)
	case core.SocketPair:
		a.occupy(v.Fd1)
		a.occupy(v.Fd2)
	case core.CreatePipe:
		a.occupy(v.ReadFd)
		a.occupy(v.WriteFd)
	case core.EpollCreate:
		a.occupy(v.Fd)
	case core.CreateEvent:
		a.occupy(v.Fd)

	default:
		// Any other reference to a descriptor may depend on its open
		// state, so the group has to survive.
		for _, fd := range core.Descriptors(e) {
			a.promote(fd)
		}
	}
	return idx
}

// supersede records idx under key and drops the record it replaces.
func supersede[K comparable](keep *roaring.Bitmap, m map[K]uint32, key K, idx uint32) {
	if prev, ok := m[key]; ok {
		keep.Remove(prev)
	}
	m[key] = idx
}

// promote marks the group open at fd as kept.
func (a *Analyzer) promote(fd core.Fd) {
	if g := a.fds[fd]; g != nil {
		g.kept = true
	}
}

// release detaches fd from its group. A suspect group loses its events.
func (a *Analyzer) release(fd core.Fd) {
	g := a.fds[fd]
	if g == nil {
		return
	}
	delete(a.fds, fd)
	if g.kept {
		return
	}
	for _, other := range a.fds {
		if other == g {
			return
		}
	}
	a.drop(g)
}

// occupy releases whatever was open at fd before something new is opened
// there.
func (a *Analyzer) occupy(fd core.Fd) {
	a.release(fd)
	delete(a.vacant, fd)
}

func (a *Analyzer) drop(g *fdGroup) {
	for _, idx := range g.events {
		a.keep.Remove(idx)
	}
	for _, idx := range g.writes {
		a.keep.Remove(idx)
	}
	g.events, g.writes = nil, nil
}

// processExit forgets all process-local state recorded so far. Descriptor
// groups that changed the filesystem keep their records.
func (a *Analyzer) processExit() {
	for _, idx := range a.memory {
		a.keep.Remove(idx)
	}
	for _, idx := range a.threads {
		a.keep.Remove(idx)
	}
	for _, g := range a.fds {
		if !g.kept {
			a.drop(g)
		}
	}
	clear(a.memory)
	clear(a.threads)
	clear(a.fds)
	clear(a.vacant)
}

// Observed is the number of entries fed to Observe.
func (a *Analyzer) Observed() int { return int(a.next) }

// Keep returns the indices of the records that survive. The bitmap is
// shared; callers must not modify it.
func (a *Analyzer) Keep() *roaring.Bitmap { return a.keep }

// Kept reports whether the record at idx survives.
func (a *Analyzer) Kept(idx uint32) bool { return a.keep.Contains(idx) }
