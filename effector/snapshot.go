package effector

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/wasmsnap/core"
)

// SnapshotStats describes what one SaveSnapshot wrote.
type SnapshotStats struct {
	RegionsScanned int
	RegionsWritten int
	BytesWritten   uint64
	Threads        int
}

// SaveSnapshot records the full state of the target: the memory regions
// whose content changed since the previous snapshot, every live thread, the
// terminal, and finally the Snapshot marker. The journal is flushed before
// it returns. Callers must have stopped the guest threads.
func (x *Effector) SaveSnapshot(ctx context.Context, trigger core.SnapshotTrigger) (SnapshotStats, error) {
	x.snapMu.Lock()
	defer x.snapMu.Unlock()

	var stats SnapshotStats
	if !x.Enabled() {
		return stats, nil
	}

	live := make(map[Region]struct{})
	var buf []byte
	for _, region := range x.target.Regions() {
		stats.RegionsScanned++
		live[region] = struct{}{}
		size := region.End - region.Start
		if uint64(cap(buf)) < size {
			buf = make([]byte, size)
		}
		buf = buf[:size]
		if err := x.target.ReadMemory(region.Start, buf); err != nil {
			return stats, fmt.Errorf("failed to read memory region [%d,%d): %w", region.Start, region.End, err)
		}
		digest := core.RegionDigest(buf)
		if prev, ok := x.digests[region]; ok && prev == digest {
			continue
		}
		if err := x.SaveUpdateMemory(ctx, region.Start, buf); err != nil {
			return stats, err
		}
		x.digests[region] = digest
		stats.RegionsWritten++
		stats.BytesWritten += size
	}
	// Regions that no longer exist must be rewritten if they come back.
	for region := range x.digests {
		if _, ok := live[region]; !ok {
			delete(x.digests, region)
		}
	}

	for _, id := range x.target.Threads() {
		st, ok := x.target.ThreadState(id)
		if !ok {
			continue
		}
		if err := x.SaveThreadState(ctx, st); err != nil {
			return stats, err
		}
		stats.Threads++
	}
	if err := x.SaveTtySet(ctx, x.target.Tty()); err != nil {
		return stats, err
	}
	if err := x.SaveSnapshotMarker(ctx, time.Now().UTC(), trigger); err != nil {
		return stats, err
	}
	if err := x.Flush(ctx); err != nil {
		return stats, err
	}
	x.logger.Debug("Snapshot saved.", "trigger", trigger,
		"regions_scanned", stats.RegionsScanned, "regions_written", stats.RegionsWritten,
		"bytes", stats.BytesWritten, "threads", stats.Threads)
	return stats, nil
}

// ResetSnapshotCache forgets which regions were already captured, so the
// next SaveSnapshot writes every region. Used after the journal has been
// rotated or compacted past the last full snapshot.
func (x *Effector) ResetSnapshotCache() {
	x.snapMu.Lock()
	clear(x.digests)
	x.snapMu.Unlock()
}
