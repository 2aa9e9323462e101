package journal

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/INLOpen/wasmsnap/core"
)

// boxed hides the concrete type of a journal.
type boxed struct {
	inner Journal
}

// Box erases the concrete type of j. Every call is forwarded unchanged.
func Box(j Journal) Journal { return &boxed{inner: j} }

func (b *boxed) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	return b.inner.Write(ctx, e)
}
func (b *boxed) Flush(ctx context.Context) error                       { return b.inner.Flush(ctx) }
func (b *boxed) Read(ctx context.Context) (*core.LogReadResult, error) { return b.inner.Read(ctx) }
func (b *boxed) Restarted() (Readable, error)                          { return b.inner.Restarted() }
func (b *boxed) Split() (Writable, Readable)                           { return b.inner.Split() }
func (b *boxed) Close() error                                          { return Close(b.inner) }

// Recombined joins independently owned halves into one Journal.
type Recombined struct {
	mu sync.Mutex
	w  Writable
	r  Readable
}

var _ Journal = (*Recombined)(nil)

func Recombine(w Writable, r Readable) *Recombined {
	return &Recombined{w: w, r: r}
}

func (c *Recombined) halves() (Writable, Readable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w, c.r
}

func (c *Recombined) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	w, _ := c.halves()
	return w.Write(ctx, e)
}

func (c *Recombined) Flush(ctx context.Context) error {
	w, _ := c.halves()
	return w.Flush(ctx)
}

func (c *Recombined) Read(ctx context.Context) (*core.LogReadResult, error) {
	_, r := c.halves()
	return r.Read(ctx)
}

func (c *Recombined) Restarted() (Readable, error) {
	_, r := c.halves()
	return r.Restarted()
}

// Split returns the original halves. The Recombined journal is closed
// afterwards.
func (c *Recombined) Split() (Writable, Readable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, r := c.w, c.r
	c.w, c.r = closedHalf{}, closedHalf{}
	return w, r
}

func (c *Recombined) Close() error {
	w, r := c.halves()
	return errors.Join(Close(w), Close(r))
}

type bufferedRecord struct {
	entry core.Entry
	start int64
	end   int64
}

// Buffered keeps entries in memory. Readers see entries written after they
// were created.
type Buffered struct {
	mu      sync.RWMutex
	records []bufferedRecord
	offset  int64
	cursor  *bufferedReader
	closed  bool
}

var _ Journal = (*Buffered)(nil)

func NewBuffered() *Buffered {
	b := &Buffered{}
	b.cursor = &bufferedReader{b: b}
	return b
}

// NewBufferedFrom returns a Buffered journal pre-filled with entries.
func NewBufferedFrom(entries ...core.Entry) *Buffered {
	b := NewBuffered()
	for _, e := range entries {
		b.append(e)
	}
	return b
}

func (b *Buffered) append(e core.Entry) core.LogWriteResult {
	size := int64(core.EstimateSize(e))
	res := core.LogWriteResult{RecordStart: b.offset, RecordEnd: b.offset + size}
	b.records = append(b.records, bufferedRecord{entry: core.Clone(e), start: res.RecordStart, end: res.RecordEnd})
	b.offset += size
	return res
}

func (b *Buffered) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.LogWriteResult{}, core.ErrJournalClosed
	}
	return b.append(e), nil
}

func (b *Buffered) Flush(context.Context) error { return nil }

func (b *Buffered) Read(ctx context.Context) (*core.LogReadResult, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, core.ErrJournalClosed
	}
	return b.cursor.Read(ctx)
}

// Restarted returns a new reader from the first entry.
func (b *Buffered) Restarted() (Readable, error) { return &bufferedReader{b: b}, nil }

// Split returns a writer and a reader that continues from this journal's
// read position.
func (b *Buffered) Split() (Writable, Readable) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	w := &bufferedWriter{b: b}
	return w, &bufferedReader{b: b, pos: b.cursor.pos}
}

// Len is the number of entries held.
func (b *Buffered) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Entries returns the held entries in write order.
func (b *Buffered) Entries() []core.Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Entry, len(b.records))
	for i, r := range b.records {
		out[i] = r.entry
	}
	return out
}

type bufferedWriter struct {
	b *Buffered
}

func (w *bufferedWriter) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	return w.b.append(e), nil
}

func (w *bufferedWriter) Flush(context.Context) error { return nil }

type bufferedReader struct {
	b   *Buffered
	pos int
}

func (r *bufferedReader) Read(ctx context.Context) (*core.LogReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	if r.pos >= len(r.b.records) {
		return nil, io.EOF
	}
	rec := r.b.records[r.pos]
	r.pos++
	return &core.LogReadResult{Entry: rec.entry, RecordStart: rec.start, RecordEnd: rec.end}, nil
}

func (r *bufferedReader) Restarted() (Readable, error) { return &bufferedReader{b: r.b}, nil }

// Concatenated reads a base log followed by a delta and writes to the delta.
type Concatenated struct {
	mu      sync.Mutex
	base    Readable
	delta   Journal
	inDelta bool
}

var _ Journal = (*Concatenated)(nil)

// Concat layers delta over base. Reads return all of base, then delta.
func Concat(base Readable, delta Journal) *Concatenated {
	return &Concatenated{base: base, delta: delta}
}

func (c *Concatenated) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	return c.delta.Write(ctx, e)
}

func (c *Concatenated) Flush(ctx context.Context) error { return c.delta.Flush(ctx) }

func (c *Concatenated) Read(ctx context.Context) (*core.LogReadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inDelta {
		res, err := c.base.Read(ctx)
		if err != io.EOF {
			return res, err
		}
		c.inDelta = true
	}
	return c.delta.Read(ctx)
}

func (c *Concatenated) Restarted() (Readable, error) {
	base, err := c.base.Restarted()
	if err != nil {
		return nil, err
	}
	delta, err := c.delta.Restarted()
	if err != nil {
		return nil, err
	}
	return &concatReader{base: base, delta: delta}, nil
}

func (c *Concatenated) Split() (Writable, Readable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, deltaR := c.delta.Split()
	r := &concatReader{base: c.base, delta: deltaR, inDelta: c.inDelta}
	c.base, c.delta = closedHalf{}, Recombine(closedHalf{}, closedHalf{})
	return w, r
}

func (c *Concatenated) Close() error {
	return errors.Join(Close(c.base), Close(c.delta))
}

type concatReader struct {
	base, delta Readable
	inDelta     bool
}

func (c *concatReader) Read(ctx context.Context) (*core.LogReadResult, error) {
	if !c.inDelta {
		res, err := c.base.Read(ctx)
		if err != io.EOF {
			return res, err
		}
		c.inDelta = true
	}
	return c.delta.Read(ctx)
}

func (c *concatReader) Restarted() (Readable, error) {
	base, err := c.base.Restarted()
	if err != nil {
		return nil, err
	}
	delta, err := c.delta.Restarted()
	if err != nil {
		return nil, err
	}
	return &concatReader{base: base, delta: delta}, nil
}

func (c *concatReader) Close() error {
	return errors.Join(Close(c.base), Close(c.delta))
}
