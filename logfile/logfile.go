// Package logfile is the durable, append-only journal backend.
//
// A journal file is a header followed by framed records:
//
//	file   := header record*
//	header := magic u32 | version u8 | created_at i64 | compressor u8
//	record := tag u16 | length u32 | payload | crc32(tag|length|payload) u32
//
// All integers are little endian. Journal files may be concatenated byte for
// byte; the reader skips the embedded headers.
package logfile

import (
	"context"
	"errors"
	"sync"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/journal"
)

// Log is a journal file opened for both writing and reading.
type Log struct {
	mu     sync.Mutex
	writer *Writer
	reader *Reader
	opts   Options
	split  bool
}

var _ journal.Journal = (*Log)(nil)

// Create creates a new, empty journal at path, replacing any existing file.
func Create(path string, opts Options) (*Log, error) {
	w, err := CreateWriter(path, opts)
	if err != nil {
		return nil, err
	}
	return &Log{writer: w, opts: opts}, nil
}

// Open opens the journal at path for appending, creating it if needed.
func Open(path string, opts Options) (*Log, error) {
	w, err := OpenWriter(path, opts)
	if err != nil {
		return nil, err
	}
	return &Log{writer: w, opts: opts}, nil
}

// OpenReadOnly opens path as a journal whose writes fail with
// core.ErrJournalReadOnly.
func OpenReadOnly(path string, opts Options) (journal.Journal, error) {
	r, err := OpenReader(path, opts)
	if err != nil {
		return nil, err
	}
	return journal.ReadOnly(r), nil
}

func (l *Log) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	l.mu.Lock()
	split := l.split
	l.mu.Unlock()
	if split {
		return core.LogWriteResult{}, core.ErrJournalClosed
	}
	return l.writer.Write(ctx, e)
}

func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	split := l.split
	l.mu.Unlock()
	if split {
		return core.ErrJournalClosed
	}
	return l.writer.Flush(ctx)
}

// Read returns the next entry from the start of the file. Records written
// through this Log are visible as soon as Write returns.
func (l *Log) Read(ctx context.Context) (*core.LogReadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.split {
		return nil, core.ErrJournalClosed
	}
	if err := l.writer.flushBuffer(); err != nil {
		return nil, err
	}
	if l.reader == nil {
		r, err := OpenReader(l.writer.path, l.opts)
		if err != nil {
			return nil, err
		}
		l.reader = r
	}
	return l.reader.Read(ctx)
}

func (l *Log) Restarted() (journal.Readable, error) {
	if err := l.writer.flushBuffer(); err != nil {
		return nil, err
	}
	return OpenReader(l.writer.path, l.opts)
}

// Split hands out the writer and a reader positioned where this Log's read
// cursor was. The caller becomes responsible for closing both.
func (l *Log) Split() (journal.Writable, journal.Readable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.split = true
	r := l.reader
	l.reader = nil
	if r == nil {
		_ = l.writer.flushBuffer()
		var err error
		r, err = OpenReader(l.writer.path, l.opts)
		if err != nil {
			l.writer.logger.Error("Failed to open read half of split journal", "path", l.writer.path, "error", err)
			return l.writer, failedReader{err: err}
		}
	}
	return l.writer, r
}

// failedReader stands in for a read half that could not be opened and
// reports why on every call.
type failedReader struct{ err error }

func (f failedReader) Read(context.Context) (*core.LogReadResult, error) { return nil, f.err }
func (f failedReader) Restarted() (journal.Readable, error)               { return nil, f.err }

// Close closes both halves unless they were split off.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.split {
		return nil
	}
	var errs []error
	if l.reader != nil {
		errs = append(errs, l.reader.Close())
		l.reader = nil
	}
	errs = append(errs, l.writer.Close())
	return errors.Join(errs...)
}

// Writer exposes the write half without splitting.
func (l *Log) Writer() *Writer { return l.writer }

func (l *Log) Path() string                { return l.writer.Path() }
func (l *Log) Sequence() uint64            { return l.writer.Sequence() }
func (l *Log) Offset() int64               { return l.writer.Offset() }
func (l *Log) Compressor() core.Compressor { return l.writer.Compressor() }
func (l *Log) Header() core.FileHeader     { return l.writer.Header() }

