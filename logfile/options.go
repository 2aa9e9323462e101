package logfile

import (
	"expvar"
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/hooks"
)

// SyncMode defines when written records are fsynced.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync after every write
	SyncOnFlush  SyncMode = "flush"    // fsync when Flush is called
	SyncDisabled SyncMode = "disabled" // never fsync (tests and throwaway logs)
)

// ParseSyncMode maps a configuration string to a SyncMode. The empty string
// selects SyncOnFlush.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case "":
		return SyncOnFlush, nil
	case SyncAlways, SyncOnFlush, SyncDisabled:
		return SyncMode(s), nil
	}
	return "", fmt.Errorf("unknown sync mode %q", s)
}

const defaultBufferSize = 64 * 1024

// Options configures a journal file.
type Options struct {
	// Compression is recorded in the header of newly created files and is
	// the compressor callers should use for memory payloads.
	Compression core.CompressionType
	SyncMode    SyncMode
	// MaxSize bounds the file size; writes that would exceed it fail with
	// core.ErrJournalFull. Zero means unbounded.
	MaxSize    int64
	BufferSize int
	// LockTimeout is how long Create and Open wait for the shared lock.
	LockTimeout time.Duration
	// NoLock skips the advisory lock. Used by tools that already hold the
	// exclusive lock.
	NoLock bool

	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
}

func (o Options) bufferSize() int {
	if o.BufferSize > 0 {
		return o.BufferSize
	}
	return defaultBufferSize
}

func (o Options) syncMode() SyncMode {
	if o.SyncMode == "" {
		return SyncOnFlush
	}
	return o.SyncMode
}
