package compactor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/journal"
	"github.com/INLOpen/wasmsnap/logfile"
)

// JournalOptions configures a CompactingJournal.
type JournalOptions struct {
	Log     logfile.Options
	Compact Options
	// CompactOnOpen compacts an existing file before it is opened.
	CompactOnOpen bool
	// CompactOnClose compacts the file after the log is closed.
	CompactOnClose bool
}

// CompactingJournal is a file journal that can rewrite itself in place.
type CompactingJournal struct {
	mu   sync.Mutex
	path string
	opts JournalOptions
	log  *logfile.Log
}

var _ journal.Journal = (*CompactingJournal)(nil)

// NewCompactingJournal opens path for appending, compacting it first when
// opts.CompactOnOpen is set.
func NewCompactingJournal(ctx context.Context, path string, opts JournalOptions) (*CompactingJournal, error) {
	if opts.Compact.Logger == nil {
		opts.Compact.Logger = opts.Log.Logger
	}
	if opts.Compact.HookManager == nil {
		opts.Compact.HookManager = opts.Log.HookManager
	}
	if opts.Compact.Compression == core.CompressionNone {
		opts.Compact.Compression = opts.Log.Compression
	}
	if opts.CompactOnOpen {
		if _, err := CompactFile(ctx, path, opts.Compact); err != nil && !isMissing(err) {
			return nil, err
		}
	}
	log, err := logfile.Open(path, opts.Log)
	if err != nil {
		return nil, err
	}
	return &CompactingJournal{path: path, opts: opts, log: log}, nil
}

// Compact closes the log, compacts the file and reopens it for appending.
func (c *CompactingJournal) Compact(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log == nil {
		return Stats{}, core.ErrJournalClosed
	}
	if err := c.log.Close(); err != nil {
		return Stats{}, fmt.Errorf("failed to close journal before compaction: %w", err)
	}
	c.log = nil

	stats, err := CompactFile(ctx, c.path, c.opts.Compact)
	log, openErr := logfile.Open(c.path, c.opts.Log)
	if openErr != nil {
		return stats, errors.Join(err, openErr)
	}
	c.log = log
	return stats, err
}

func (c *CompactingJournal) current() (*logfile.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log == nil {
		return nil, core.ErrJournalClosed
	}
	return c.log, nil
}

func (c *CompactingJournal) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	log, err := c.current()
	if err != nil {
		return core.LogWriteResult{}, err
	}
	return log.Write(ctx, e)
}

func (c *CompactingJournal) Flush(ctx context.Context) error {
	log, err := c.current()
	if err != nil {
		return err
	}
	return log.Flush(ctx)
}

func (c *CompactingJournal) Read(ctx context.Context) (*core.LogReadResult, error) {
	log, err := c.current()
	if err != nil {
		return nil, err
	}
	return log.Read(ctx)
}

func (c *CompactingJournal) Restarted() (journal.Readable, error) {
	log, err := c.current()
	if err != nil {
		return nil, err
	}
	return log.Restarted()
}

// Split hands the halves of the underlying log to the caller. The journal
// can no longer be compacted afterwards.
func (c *CompactingJournal) Split() (journal.Writable, journal.Readable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log == nil {
		return journal.NewUnsupported(), journal.NewUnsupported()
	}
	w, r := c.log.Split()
	c.log = nil
	return w, r
}

// Compressor is the compressor recorded in the file header.
func (c *CompactingJournal) Compressor() core.Compressor {
	log, err := c.current()
	if err != nil {
		return nil
	}
	return log.Compressor()
}

// Path is the journal file.
func (c *CompactingJournal) Path() string { return c.path }

// Close closes the log and, if configured, compacts it.
func (c *CompactingJournal) Close() error {
	c.mu.Lock()
	log := c.log
	c.log = nil
	c.mu.Unlock()
	if log == nil {
		return nil
	}
	if err := log.Close(); err != nil {
		return err
	}
	if c.opts.CompactOnClose {
		if _, err := CompactFile(context.Background(), c.path, c.opts.Compact); err != nil {
			return fmt.Errorf("compaction on close failed: %w", err)
		}
	}
	return nil
}

func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
