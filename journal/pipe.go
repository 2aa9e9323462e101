package journal

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/wasmsnap/core"
)

// pipeDir is one direction of a pipe. The writing and reading sides close
// independently; the data channel itself is never closed.
type pipeDir struct {
	data   chan core.LogReadResult
	offset virtualOffset

	wclosed chan struct{}
	wonce   sync.Once
	rclosed chan struct{}
	ronce   sync.Once
}

func newPipeDir(buffer int) *pipeDir {
	return &pipeDir{
		data:    make(chan core.LogReadResult, buffer),
		wclosed: make(chan struct{}),
		rclosed: make(chan struct{}),
	}
}

func (d *pipeDir) closeWrite() { d.wonce.Do(func() { close(d.wclosed) }) }
func (d *pipeDir) closeRead()  { d.ronce.Do(func() { close(d.rclosed) }) }

// write sends an owned copy of e. It blocks while the buffer is full and
// fails with core.ErrJournalClosed once either side has been closed.
func (d *pipeDir) write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	select {
	case <-d.wclosed:
		return core.LogWriteResult{}, core.ErrJournalClosed
	case <-d.rclosed:
		return core.LogWriteResult{}, core.ErrJournalClosed
	default:
	}
	res := d.offset.next(e)
	msg := core.LogReadResult{Entry: core.Clone(e), RecordStart: res.RecordStart, RecordEnd: res.RecordEnd}
	select {
	case d.data <- msg:
		return res, nil
	case <-d.wclosed:
		return core.LogWriteResult{}, core.ErrJournalClosed
	case <-d.rclosed:
		return core.LogWriteResult{}, core.ErrJournalClosed
	case <-ctx.Done():
		return core.LogWriteResult{}, ctx.Err()
	}
}

func (d *pipeDir) flush() error {
	select {
	case <-d.wclosed:
		return core.ErrJournalClosed
	default:
		return nil
	}
}

// read blocks until an entry arrives. After the writing side closes, the
// entries still buffered are returned and then io.EOF.
func (d *pipeDir) read(ctx context.Context) (*core.LogReadResult, error) {
	select {
	case <-d.rclosed:
		return nil, core.ErrJournalClosed
	default:
	}
	select {
	case msg := <-d.data:
		return &msg, nil
	case <-d.rclosed:
		return nil, core.ErrJournalClosed
	case <-d.wclosed:
		select {
		case msg := <-d.data:
			return &msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PipeEnd is one side of a pipe created by NewPipe. Entries written to one
// end are read from the other.
type PipeEnd struct {
	out   *pipeDir
	in    *pipeDir
	split atomic.Bool
}

var _ Journal = (*PipeEnd)(nil)

// NewPipe returns two connected ends. buffer is the number of entries
// each direction holds before Write blocks.
func NewPipe(buffer int) (*PipeEnd, *PipeEnd) {
	ab, ba := newPipeDir(buffer), newPipeDir(buffer)
	return &PipeEnd{out: ab, in: ba}, &PipeEnd{out: ba, in: ab}
}

// Write sends an owned copy of e to the peer. It blocks while the peer's
// buffer is full and fails with core.ErrJournalClosed once either end has
// been closed or this end has been split.
func (p *PipeEnd) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	if p.split.Load() {
		return core.LogWriteResult{}, core.ErrJournalClosed
	}
	return p.out.write(ctx, e)
}

func (p *PipeEnd) Flush(context.Context) error {
	if p.split.Load() {
		return core.ErrJournalClosed
	}
	return p.out.flush()
}

// Read blocks until the peer writes an entry. After the peer closes, the
// entries still buffered are returned and then io.EOF.
func (p *PipeEnd) Read(ctx context.Context) (*core.LogReadResult, error) {
	if p.split.Load() {
		return nil, core.ErrJournalClosed
	}
	return p.in.read(ctx)
}

// Restarted is not supported; a pipe cannot be rewound.
func (p *PipeEnd) Restarted() (Readable, error) { return nil, core.ErrJournalUnsupported }

// Split hands the sending and receiving halves to separate owners, each
// closed on its own. The end fails with core.ErrJournalClosed afterwards
// and a second Split returns closed halves.
func (p *PipeEnd) Split() (Writable, Readable) {
	if !p.split.CompareAndSwap(false, true) {
		return closedHalf{}, closedHalf{}
	}
	return &PipeWriter{d: p.out}, &PipeReader{d: p.in}
}

// Close closes this end. The peer reads what is buffered and then EOF.
// After Split the halves own the pipe and Close does nothing.
func (p *PipeEnd) Close() error {
	if p.split.Load() {
		return nil
	}
	p.out.closeWrite()
	p.in.closeRead()
	return nil
}

// PipeWriter is the sending half of a split PipeEnd.
type PipeWriter struct{ d *pipeDir }

var _ Writable = (*PipeWriter)(nil)

func (w *PipeWriter) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	return w.d.write(ctx, e)
}

func (w *PipeWriter) Flush(context.Context) error { return w.d.flush() }

// Close ends the stream; the peer reads what is buffered and then EOF.
func (w *PipeWriter) Close() error {
	w.d.closeWrite()
	return nil
}

// PipeReader is the receiving half of a split PipeEnd.
type PipeReader struct{ d *pipeDir }

var _ Readable = (*PipeReader)(nil)

func (r *PipeReader) Read(ctx context.Context) (*core.LogReadResult, error) { return r.d.read(ctx) }

func (r *PipeReader) Restarted() (Readable, error) { return nil, core.ErrJournalUnsupported }

// Close stops receiving; the peer's writes fail with core.ErrJournalClosed.
func (r *PipeReader) Close() error {
	r.d.closeRead()
	return nil
}
