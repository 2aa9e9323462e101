// Package journal defines the read and write contracts shared by every
// journal backend, along with the in-memory and composing backends.
package journal

import (
	"context"
	"io"

	"github.com/INLOpen/wasmsnap/core"
)

// Writable is the write half of a journal.
type Writable interface {
	// Write appends one entry. Backends serialize concurrent writers.
	Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error)
	// Flush makes every previously written entry durable.
	Flush(ctx context.Context) error
}

// Readable is the read half of a journal. Reads are single-consumer.
type Readable interface {
	// Read returns the next entry, or io.EOF when there is none. Byte fields
	// of the returned entry may alias internal buffers until the next Read.
	Read(ctx context.Context) (*core.LogReadResult, error)
	// Restarted returns an independent reader positioned at the start.
	Restarted() (Readable, error)
}

// Journal is a backend that is both readable and writable.
type Journal interface {
	Writable
	Readable
	// Split moves both halves out of the journal. The journal itself
	// returns core.ErrJournalClosed afterwards.
	Split() (Writable, Readable)
}

// Capabilities describes what a backend value supports.
type Capabilities struct {
	Readable   bool
	Writable   bool
	Splittable bool
}

// CapabilitiesOf inspects x for the journal interfaces it implements.
func CapabilitiesOf(x any) Capabilities {
	var c Capabilities
	_, c.Readable = x.(Readable)
	_, c.Writable = x.(Writable)
	_, c.Splittable = x.(Journal)
	if u, ok := x.(interface{ unsupported() bool }); ok && u.unsupported() {
		c.Writable = false
	}
	return c
}

// Close closes x when it owns resources and is a no-op otherwise.
func Close(x any) error {
	if c, ok := x.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReadAll drains r. Entries are cloned so the result owns its memory.
func ReadAll(ctx context.Context, r Readable) ([]core.Entry, error) {
	var out []core.Entry
	for {
		res, err := r.Read(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, core.Clone(res.Entry))
	}
}

// WriteAll writes every entry to w and flushes once at the end.
func WriteAll(ctx context.Context, w Writable, entries ...core.Entry) error {
	for _, e := range entries {
		if _, err := w.Write(ctx, e); err != nil {
			return err
		}
	}
	return w.Flush(ctx)
}

// Copy streams every entry of r into w and returns the number copied.
func Copy(ctx context.Context, w Writable, r Readable) (int, error) {
	n := 0
	for {
		res, err := r.Read(ctx)
		if err == io.EOF {
			return n, w.Flush(ctx)
		}
		if err != nil {
			return n, err
		}
		if _, err := w.Write(ctx, res.Entry); err != nil {
			return n, err
		}
		n++
	}
}
