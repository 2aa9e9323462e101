package compactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/hooks"
	"github.com/INLOpen/wasmsnap/journal"
	"github.com/INLOpen/wasmsnap/logfile"
	"github.com/INLOpen/wasmsnap/sys"
)

const tracerName = "github.com/INLOpen/wasmsnap/compactor"

// Stats summarizes one compaction.
type Stats struct {
	EntriesIn  int
	EntriesOut int
	BytesIn    int64
	BytesOut   int64
	Duration   time.Duration
}

// Dropped is the number of records removed.
func (s Stats) Dropped() int { return s.EntriesIn - s.EntriesOut }

// Compact reads r to the end, then rereads it from the start through
// Restarted and writes the surviving records to w in their original order.
// w is flushed but not closed.
func Compact(ctx context.Context, r journal.Readable, w journal.Writable) (Stats, error) {
	start := time.Now()
	var stats Stats

	a := NewAnalyzer()
	for {
		res, err := r.Read(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("compaction scan failed after %d entries: %w", a.Observed(), err)
		}
		a.Observe(res.Entry)
		stats.BytesIn += res.RecordEnd - res.RecordStart
	}
	stats.EntriesIn = a.Observed()

	second, err := r.Restarted()
	if err != nil {
		return stats, fmt.Errorf("failed to restart journal for compaction: %w", err)
	}
	defer journal.Close(second)

	for idx := uint32(0); ; idx++ {
		res, err := second.Read(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("compaction copy failed at entry %d: %w", idx, err)
		}
		if int(idx) >= stats.EntriesIn {
			// Appended after the scan; nothing is known about it yet.
			break
		}
		if !a.Kept(idx) {
			continue
		}
		wres, err := w.Write(ctx, res.Entry)
		if err != nil {
			return stats, fmt.Errorf("failed to write compacted entry %d (%s): %w", idx, res.Entry.RecordType(), err)
		}
		stats.EntriesOut++
		stats.BytesOut += wres.RecordSize()
	}
	if err := w.Flush(ctx); err != nil {
		return stats, fmt.Errorf("failed to flush compacted journal: %w", err)
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

// Options configures CompactFile.
type Options struct {
	// LockTimeout is how long to wait for the exclusive lock. Zero fails
	// immediately when a writer has the journal open.
	LockTimeout time.Duration
	// Compression is used for the rewritten file when the input has no
	// header of its own.
	Compression    core.CompressionType
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
}

func (o Options) tracer() trace.Tracer {
	if o.TracerProvider != nil {
		return o.TracerProvider.Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default().With("component", "Compactor_default")
	}
	return o.Logger.With("component", "Compactor")
}

// CompactFile compacts the journal at path in place. The result is written
// to a temporary file next to it, synced, and renamed over the original
// while the exclusive lock is held, so readers see either the old or the
// new file.
func CompactFile(ctx context.Context, path string, opts Options) (stats Stats, err error) {
	logger := opts.logger()
	ctx, span := opts.tracer().Start(ctx, "Compactor.CompactFile")
	defer span.End()
	span.SetAttributes(attribute.String("journal.path", path))

	if err := hooks.Fire(ctx, opts.HookManager, hooks.NewPreCompactionEvent(hooks.PreCompactionPayload{Path: path})); err != nil {
		span.SetStatus(codes.Error, "cancelled_by_hook")
		return stats, fmt.Errorf("compaction of %s cancelled: %w", path, err)
	}
	defer func() {
		hooks.Fire(ctx, opts.HookManager, hooks.NewPostCompactionEvent(hooks.PostCompactionPayload{
			Path:      path,
			EntriesIn: stats.EntriesIn, EntriesOut: stats.EntriesOut,
			BytesIn: stats.BytesIn, BytesOut: stats.BytesOut,
			Duration: stats.Duration, Err: err,
		}))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compaction_failed")
		}
	}()

	release, err := sys.LockFile(path, sys.LockExclusive, opts.LockTimeout)
	if err != nil {
		return stats, fmt.Errorf("failed to lock journal %s for compaction: %w", path, err)
	}
	defer func() { err = errors.Join(err, release()) }()

	start := time.Now()
	stats, err = compactLocked(ctx, path, opts, logger)
	stats.Duration = time.Since(start)
	if err != nil {
		logger.Error("Journal compaction failed.", "path", path, "error", err)
		return stats, err
	}

	span.SetAttributes(
		attribute.Int("compaction.entries_in", stats.EntriesIn),
		attribute.Int("compaction.entries_out", stats.EntriesOut),
		attribute.Int64("compaction.bytes_in", stats.BytesIn),
		attribute.Int64("compaction.bytes_out", stats.BytesOut),
	)
	logger.Info("Journal compacted.", "path", path,
		"entries_in", stats.EntriesIn, "entries_out", stats.EntriesOut,
		"bytes_in", stats.BytesIn, "bytes_out", stats.BytesOut, "duration", stats.Duration)
	return stats, nil
}

func compactLocked(ctx context.Context, path string, opts Options, logger *slog.Logger) (Stats, error) {
	reader, err := logfile.OpenReader(path, logfile.Options{Logger: logger})
	if err != nil {
		return Stats{}, err
	}
	defer reader.Close()

	// The first read establishes the header, which decides the compressor
	// recorded in the output.
	compression := opts.Compression
	if peek, err := logfile.OpenReader(path, logfile.Options{Logger: logger}); err == nil {
		if _, err := peek.Read(ctx); err == nil || err == io.EOF {
			if peek.Header().Magic == core.JournalMagicNumber {
				compression = peek.Header().CompressorType
			}
		}
		peek.Close()
	}

	tmpPath := core.FormatTempFilename(path, core.CompactingSuffix)
	out, err := logfile.CreateWriter(tmpPath, logfile.Options{
		Compression: compression,
		SyncMode:    logfile.SyncOnFlush,
		NoLock:      true,
		Logger:      logger,
	})
	if err != nil {
		return Stats{}, err
	}

	stats, err := Compact(ctx, reader, out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn("Failed to remove partial compaction output.", "path", tmpPath, "error", rmErr)
		}
		return stats, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return stats, fmt.Errorf("failed to replace %s with compacted journal: %w", path, err)
	}
	if err := sys.SyncDir(filepath.Dir(path)); err != nil {
		return stats, fmt.Errorf("failed to sync directory of %s: %w", path, err)
	}
	return stats, nil
}
