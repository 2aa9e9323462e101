package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/sys"
)

// Marker records the last checkpoint that completed. A restore may skip
// straight to Offset in the journal it belongs to.
type Marker struct {
	Generation uint64
	// Offset is the end of the journal when the checkpoint's Snapshot
	// record was flushed.
	Offset  int64
	Trigger core.SnapshotTrigger
	ID      uuid.UUID
	Time    time.Time
}

// magic | version | generation | offset | trigger | id | time | crc32
const markerSize = 4 + 1 + 8 + 8 + 1 + 16 + 8 + 4

// MarkerPath is the marker file inside dir.
func MarkerPath(dir string) string {
	return filepath.Join(dir, core.CheckpointFileName)
}

func (m Marker) encode() []byte {
	buf := make([]byte, 0, markerSize)
	buf = binary.LittleEndian.AppendUint32(buf, core.CheckpointMagicNumber)
	buf = append(buf, core.FormatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, m.Generation)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Offset))
	buf = append(buf, byte(m.Trigger))
	buf = append(buf, m.ID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Time.UnixNano()))
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

func decodeMarker(buf []byte) (Marker, error) {
	var m Marker
	if len(buf) != markerSize {
		return m, fmt.Errorf("checkpoint marker is %d bytes, want %d", len(buf), markerSize)
	}
	if magic := binary.LittleEndian.Uint32(buf); magic != core.CheckpointMagicNumber {
		return m, fmt.Errorf("invalid checkpoint magic number: got %x, want %x", magic, core.CheckpointMagicNumber)
	}
	if v := buf[4]; v != core.FormatVersion {
		return m, fmt.Errorf("unsupported checkpoint marker version %d", v)
	}
	body, sum := buf[:markerSize-4], binary.LittleEndian.Uint32(buf[markerSize-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return m, errors.New("checkpoint marker checksum mismatch")
	}
	m.Generation = binary.LittleEndian.Uint64(buf[5:])
	m.Offset = int64(binary.LittleEndian.Uint64(buf[13:]))
	m.Trigger = core.SnapshotTrigger(buf[21])
	copy(m.ID[:], buf[22:38])
	m.Time = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[38:]))).UTC()
	return m, nil
}

// Write atomically replaces the marker in dir: the new marker is written to
// a temporary file, synced, and renamed over the old one.
func Write(dir string, m Marker) error {
	tempPath := core.FormatTempFilename(MarkerPath(dir), "tmp")
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	if _, err := file.Write(m.encode()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint marker: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}
	// Close before renaming; Windows refuses to rename open files.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}
	if err := sys.Rename(tempPath, MarkerPath(dir)); err != nil {
		return fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}
	return sys.SyncDir(dir)
}

// Read loads the marker in dir. found is false, with no error, when no
// checkpoint has completed yet.
func Read(dir string) (m Marker, found bool, err error) {
	file, err := sys.Open(MarkerPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, false, nil
		}
		return Marker{}, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	buf, err := io.ReadAll(io.LimitReader(file, markerSize+1))
	if err != nil {
		return Marker{}, true, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	m, err = decodeMarker(buf)
	if err != nil {
		return Marker{}, true, fmt.Errorf("corrupt checkpoint file %s: %w", MarkerPath(dir), err)
	}
	return m, true, nil
}
