package logfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/INLOpen/wasmsnap/compressors"
	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/hooks"
	"github.com/INLOpen/wasmsnap/journal"
	"github.com/INLOpen/wasmsnap/sys"
)

// Writer appends framed records to a journal file.
type Writer struct {
	mu     sync.Mutex
	path   string
	file   sys.FileHandle
	writer *bufio.Writer
	offset int64
	seq    uint64
	header core.FileHeader

	// failed is set when a write left the buffer in an unknown state;
	// nothing more is accepted after that.
	failed error
	closed bool

	opts        Options
	logger      *slog.Logger
	hookManager hooks.HookManager
	release     func() error
}

var _ journal.Writable = (*Writer)(nil)

// CreateWriter creates (or truncates) path and writes a fresh header.
func CreateWriter(path string, opts Options) (*Writer, error) {
	return openWriter(path, opts, true)
}

// OpenWriter opens path for appending, creating it if needed. A torn record
// left at the tail by a crash is truncated away first.
func OpenWriter(path string, opts Options) (*Writer, error) {
	return openWriter(path, opts, false)
}

func openWriter(path string, opts Options, truncate bool) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "JournalWriter_default")
	} else {
		opts.Logger = opts.Logger.With("component", "JournalWriter")
	}

	release := func() error { return nil }
	if !opts.NoLock {
		var err error
		release, err = sys.LockWriter(path, opts.LockTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to lock journal %s: %w", path, err)
		}
	}

	w, err := openLockedWriter(path, opts, truncate)
	if err != nil {
		_ = release()
		return nil, err
	}
	w.release = release
	return w, nil
}

func openLockedWriter(path string, opts Options, truncate bool) (*Writer, error) {
	size, exists, err := statSize(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat journal %s: %w", path, err)
	}

	w := &Writer{
		path:        path,
		opts:        opts,
		logger:      opts.Logger,
		hookManager: opts.HookManager,
	}

	if truncate || !exists || size < int64(core.FileHeaderSize) {
		if exists && !truncate && size > 0 {
			w.logger.Warn("Discarding journal with a torn header", "path", path, "size", size)
		}
		file, err := sys.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create journal %s: %w", path, err)
		}
		w.header = core.NewFileHeader(core.JournalMagicNumber, opts.Compression)
		if _, err := file.Write(w.header.MarshalBinary()); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write journal header to %s: %w", path, err)
		}
		if opts.syncMode() != SyncDisabled {
			if err := file.Sync(); err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to sync journal header of %s: %w", path, err)
			}
		}
		w.file = file
		w.offset = int64(core.FileHeaderSize)
		w.writer = bufio.NewWriterSize(file, opts.bufferSize())
		return w, nil
	}

	end, header, records, err := scanValidEnd(path, Options{Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to recover journal %s: %w", path, err)
	}
	file, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s for append: %w", path, err)
	}
	if end < size {
		w.logger.Warn("Truncating torn journal tail", "path", path, "valid_end", end, "size", size)
		if err := file.Truncate(end); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate journal %s to %d: %w", path, end, err)
		}
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek journal %s: %w", path, err)
	}
	w.file = file
	w.header = header
	w.offset = end
	w.seq = records
	w.writer = bufio.NewWriterSize(file, opts.bufferSize())
	w.logger.Info("Journal opened for append", "path", path, "records", records, "offset", end)
	return w, nil
}

// Write frames e and appends it. The returned range is the record's
// position in the file.
func (w *Writer) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	if err := hooks.Fire(ctx, w.hookManager, hooks.NewPreJournalWriteEvent(hooks.PreJournalWritePayload{Path: w.path, Entry: &e})); err != nil {
		return core.LogWriteResult{}, err
	}

	record, err := appendRecord(core.RecordBuffers.Get(), e)
	if err != nil {
		return core.LogWriteResult{}, err
	}

	w.mu.Lock()
	res, seq, err := w.writeLocked(record)
	w.mu.Unlock()
	core.RecordBuffers.Put(record)

	hooks.Fire(ctx, w.hookManager, hooks.NewPostJournalWriteEvent(hooks.PostJournalWritePayload{
		Path: w.path, Seq: seq, Type: e.RecordType(), Result: res, Err: err,
	}))
	return res, err
}

func (w *Writer) writeLocked(record []byte) (core.LogWriteResult, uint64, error) {
	if w.closed {
		return core.LogWriteResult{}, w.seq, core.ErrJournalClosed
	}
	if w.failed != nil {
		return core.LogWriteResult{}, w.seq, fmt.Errorf("journal %s is unusable after an earlier write failure: %w", w.path, w.failed)
	}
	size := int64(len(record))
	if w.opts.MaxSize > 0 && w.offset+size > w.opts.MaxSize {
		return core.LogWriteResult{}, w.seq, fmt.Errorf("%w: %s would grow to %d bytes (max %d)", core.ErrJournalFull, w.path, w.offset+size, w.opts.MaxSize)
	}

	if _, err := w.writer.Write(record); err != nil {
		w.failed = err
		return core.LogWriteResult{}, w.seq, fmt.Errorf("failed to write journal record to %s: %w", w.path, err)
	}
	if w.opts.syncMode() == SyncAlways {
		if err := w.syncLocked(); err != nil {
			w.failed = err
			return core.LogWriteResult{}, w.seq, err
		}
	}

	res := core.LogWriteResult{RecordStart: w.offset, RecordEnd: w.offset + size}
	w.offset += size
	w.seq++
	if w.opts.BytesWritten != nil {
		w.opts.BytesWritten.Add(size)
	}
	if w.opts.EntriesWritten != nil {
		w.opts.EntriesWritten.Add(1)
	}
	return res, w.seq, nil
}

// Flush writes buffered records to the file and, unless syncing is
// disabled, fsyncs it.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	var err error
	switch {
	case w.closed:
		err = core.ErrJournalClosed
	case w.failed != nil:
		err = fmt.Errorf("journal %s is unusable after an earlier write failure: %w", w.path, w.failed)
	case w.opts.syncMode() == SyncDisabled:
		err = w.flushBufferLocked()
	default:
		err = w.syncLocked()
	}
	offset := w.offset
	w.mu.Unlock()

	hooks.Fire(ctx, w.hookManager, hooks.NewPostJournalFlushEvent(hooks.PostJournalFlushPayload{
		Path: w.path, Offset: offset, Synced: w.opts.syncMode() != SyncDisabled, Err: err,
	}))
	return err
}

// flushBuffer pushes buffered records to the OS without fsync so a reader
// on the same file can see them.
func (w *Writer) flushBuffer() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.failed != nil {
		return nil
	}
	return w.flushBufferLocked()
}

func (w *Writer) flushBufferLocked() error {
	if err := w.writer.Flush(); err != nil {
		w.failed = err
		return fmt.Errorf("failed to flush journal %s: %w", w.path, err)
	}
	return nil
}

func (w *Writer) syncLocked() error {
	if err := w.flushBufferLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal %s: %w", w.path, err)
	}
	return nil
}

// Close flushes, syncs and closes the file and releases the lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.failed == nil {
		if w.opts.syncMode() == SyncDisabled {
			errs = append(errs, w.flushBufferLocked())
		} else {
			errs = append(errs, w.syncLocked())
		}
	}
	errs = append(errs, w.file.Close())
	if w.release != nil {
		errs = append(errs, w.release())
	}
	err := errors.Join(errs...)
	if err != nil {
		w.logger.Error("Error during journal close.", "path", w.path, "error", err)
	} else {
		w.logger.Debug("Journal closed.", "path", w.path, "records", w.seq)
	}
	return err
}

// Path returns the journal file path.
func (w *Writer) Path() string { return w.path }

// Sequence is the number of records in the file, which is also the
// sequence number of the last write.
func (w *Writer) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Offset is the logical end of the journal, including buffered records.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Header returns the header of the file (the last one, for concatenations).
func (w *Writer) Header() core.FileHeader { return w.header }

// Compressor returns the compressor memory payloads written to this journal
// should use.
func (w *Writer) Compressor() core.Compressor {
	c, err := compressors.ForType(w.header.CompressorType)
	if err != nil {
		return compressors.Default()
	}
	return c
}
