package core

import (
	"fmt"
)

// This file centralizes constants related to file formats, magic numbers,
// and file names used by the journal tooling.

// --- Magic Numbers ---
const (
	// JournalMagicNumber identifies a journal log file ("JRNL").
	JournalMagicNumber uint32 = 0x4C4E524A
	// CheckpointMagicNumber identifies a checkpoint marker file.
	CheckpointMagicNumber uint32 = 0x54504B43
)

// --- File Names & Suffixes ---
const (
	// CheckpointFileName is the name of the file storing checkpoint information.
	CheckpointFileName = "CHECKPOINT"
	// JournalFileSuffix is the conventional suffix for journal files.
	JournalFileSuffix = ".journal"
	// CompactingSuffix is appended to a journal path while it is being rewritten.
	CompactingSuffix = "compacting"
	// LockSuffix is appended to a journal path for its advisory lock file.
	LockSuffix = "lock"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Limits ---
const (
	// MaxRecordSize bounds a single record payload. Larger lengths are
	// treated as corruption rather than allocated.
	MaxRecordSize = 512 * 1024 * 1024
)

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}
