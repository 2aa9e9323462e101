package replay

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/INLOpen/wasmsnap/compressors"
	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/journal"
)

// ExtractStats describes the image written by ExtractMemory.
type ExtractStats struct {
	Regions int
	Bytes   uint64
	Skipped int
	// Size is the end of the highest region written.
	Size uint64
}

// ExtractMemory rebuilds the linear memory of the last run in r and writes
// it to out. Updates are staged the same way the player stages them during
// bootstrap; updates captured against a module other than the most recent
// InitModule are skipped.
func ExtractMemory(ctx context.Context, r journal.Readable, out io.WriterAt) (ExtractStats, error) {
	var (
		stats  ExtractStats
		hash   core.ModuleHash
		staged []core.UpdateMemoryRegion
	)
	matches := func(h core.ModuleHash) bool {
		return h.IsZero() || hash.IsZero() || h == hash
	}

	for idx := 0; ; idx++ {
		rec, err := r.Read(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read journal entry %d: %w", idx, err)
		}
		switch v := rec.Entry.(type) {
		case core.InitModule:
			hash = v.WasmHash
		case core.ProcessExit:
			staged = nil
		case core.CloseThread:
			if v.ID == core.MainThread {
				staged = nil
			}
		case core.UpdateMemoryRegion:
			if !matches(v.ModuleHash) {
				stats.Skipped++
				continue
			}
			if i := slices.IndexFunc(staged, func(m core.UpdateMemoryRegion) bool {
				return m.Start == v.Start && m.End == v.End
			}); i >= 0 {
				staged = slices.Delete(staged, i, i+1)
			}
			staged = append(staged, core.Clone(v).(core.UpdateMemoryRegion))
		}
	}

	for _, m := range staged {
		data, err := m.Data(compressors.Resolve)
		if err != nil {
			return stats, fmt.Errorf("failed to decode memory region [%d,%d): %w", m.Start, m.End, err)
		}
		if _, err := out.WriteAt(data, int64(m.Start)); err != nil {
			return stats, fmt.Errorf("failed to write memory region [%d,%d): %w", m.Start, m.End, err)
		}
		stats.Regions++
		stats.Bytes += uint64(len(data))
		stats.Size = max(stats.Size, m.End)
	}
	return stats, nil
}
