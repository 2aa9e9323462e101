package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/wasmsnap/core"
)

const (
	defaultAsyncQueueSize = 1024
	defaultAsyncMaxBatch  = 256
)

// AsyncOptions configures an AsyncWriter.
type AsyncOptions struct {
	// QueueSize is the number of pending writes before Write blocks.
	QueueSize int
	// MaxBatch caps how many queued writes one commit takes.
	MaxBatch int
	// Detached makes Write return as soon as the entry is queued. Write
	// errors are then reported by the next Flush or by Close.
	Detached bool
	// FlushEachBatch flushes the inner writer after every batch.
	FlushEachBatch bool
	Logger         *slog.Logger
}

type commitResult struct {
	res core.LogWriteResult
	err error
}

// commitRecord is one queued request. A nil entry asks for a flush.
type commitRecord struct {
	entry core.Entry
	done  chan commitResult
}

// AsyncWriter queues writes to a single committer goroutine that applies
// them to the inner writer in batches. Callers block until their entry is
// committed unless the writer is detached.
type AsyncWriter struct {
	inner  Writable
	queue  chan *commitRecord
	opts   AsyncOptions
	logger *slog.Logger
	group  errgroup.Group

	// mu orders senders against Close so nothing is sent on a closed queue.
	mu      sync.RWMutex
	closing bool

	errMu       sync.Mutex
	deferredErr error

	offset virtualOffset
}

var _ Writable = (*AsyncWriter)(nil)

// NewAsyncWriter starts the committer goroutine. Close stops it and owns
// closing inner.
func NewAsyncWriter(inner Writable, opts AsyncOptions) *AsyncWriter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultAsyncQueueSize
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultAsyncMaxBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "AsyncWriter_default")
	} else {
		logger = logger.With("component", "AsyncWriter")
	}
	w := &AsyncWriter{
		inner:  inner,
		queue:  make(chan *commitRecord, opts.QueueSize),
		opts:   opts,
		logger: logger,
	}
	w.group.Go(w.run)
	return w
}

func (w *AsyncWriter) enqueue(ctx context.Context, rec *commitRecord) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closing {
		return core.ErrJournalClosed
	}
	select {
	case w.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write queues an owned copy of e. If ctx ends while waiting for the
// commit, the entry may still be written.
func (w *AsyncWriter) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	rec := &commitRecord{entry: core.Clone(e)}
	if w.opts.Detached {
		if err := w.enqueue(ctx, rec); err != nil {
			return core.LogWriteResult{}, err
		}
		return w.offset.next(e), nil
	}

	rec.done = make(chan commitResult, 1)
	if err := w.enqueue(ctx, rec); err != nil {
		return core.LogWriteResult{}, err
	}
	select {
	case r := <-rec.done:
		return r.res, r.err
	case <-ctx.Done():
		return core.LogWriteResult{}, ctx.Err()
	}
}

// Flush waits for every previously queued write and flushes the inner
// writer. Errors from detached writes are returned here once.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	rec := &commitRecord{done: make(chan commitResult, 1)}
	if err := w.enqueue(ctx, rec); err != nil {
		return err
	}
	select {
	case r := <-rec.done:
		return errors.Join(w.takeDeferred(), r.err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, flushes and closes the inner writer.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return nil
	}
	w.closing = true
	close(w.queue)
	w.mu.Unlock()

	runErr := w.group.Wait()
	flushErr := w.inner.Flush(context.Background())
	return errors.Join(runErr, w.takeDeferred(), flushErr, Close(w.inner))
}

func (w *AsyncWriter) takeDeferred() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	err := w.deferredErr
	w.deferredErr = nil
	return err
}

func (w *AsyncWriter) run() error {
	batch := make([]*commitRecord, 0, w.opts.MaxBatch)
	for rec := range w.queue {
		batch = append(batch[:0], rec)
	drain:
		for len(batch) < w.opts.MaxBatch {
			select {
			case next, ok := <-w.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		w.commit(batch)
	}
	return nil
}

// commit applies one batch in queue order and answers every waiter.
func (w *AsyncWriter) commit(batch []*commitRecord) {
	ctx := context.Background()
	wrote := false
	for _, rec := range batch {
		var r commitResult
		if rec.entry == nil {
			r.err = w.inner.Flush(ctx)
			wrote = false
		} else {
			r.res, r.err = w.inner.Write(ctx, rec.entry)
			wrote = wrote || r.err == nil
			if r.err != nil && rec.done == nil {
				w.logger.Error("Detached journal write failed", "type", rec.entry.RecordType().String(), "error", r.err)
				w.errMu.Lock()
				w.deferredErr = errors.Join(w.deferredErr, r.err)
				w.errMu.Unlock()
			}
		}
		if rec.done != nil {
			rec.done <- r
		}
	}
	if wrote && w.opts.FlushEachBatch {
		if err := w.inner.Flush(ctx); err != nil {
			w.logger.Error("Failed to flush journal batch", "batch_size", len(batch), "error", err)
			w.errMu.Lock()
			w.deferredErr = errors.Join(w.deferredErr, err)
			w.errMu.Unlock()
		}
	}
}
