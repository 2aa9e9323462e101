package journal

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/wasmsnap/core"
)

// virtualOffset hands out record ranges for backends that have no file.
// The offset is the running sum of the entries' framed sizes.
type virtualOffset struct {
	end atomic.Int64
}

func (v *virtualOffset) next(e core.Entry) core.LogWriteResult {
	size := int64(core.EstimateSize(e))
	end := v.end.Add(size)
	return core.LogWriteResult{RecordStart: end - size, RecordEnd: end}
}

// Null accepts and discards every entry and reads as empty.
type Null struct {
	logger *slog.Logger
	offset virtualOffset
}

var _ Journal = (*Null)(nil)

// NewNull returns a journal that drops writes. At debug level the kind of
// each dropped entry is logged.
func NewNull(logger *slog.Logger) *Null {
	if logger == nil {
		logger = slog.Default().With("component", "NullJournal_default")
	} else {
		logger = logger.With("component", "NullJournal")
	}
	return &Null{logger: logger}
}

func (n *Null) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	if n.logger.Enabled(ctx, slog.LevelDebug) {
		n.logger.Debug("Dropping journal entry", "type", e.RecordType().String())
	}
	return n.offset.next(e), nil
}

func (n *Null) Flush(context.Context) error { return nil }

func (n *Null) Read(context.Context) (*core.LogReadResult, error) { return nil, io.EOF }

func (n *Null) Restarted() (Readable, error) { return n, nil }

func (n *Null) Split() (Writable, Readable) { return n, n }

// Unsupported rejects every write with core.ErrJournalUnsupported. Effectors
// treat that as "journaling is off".
type Unsupported struct{}

var _ Journal = Unsupported{}

func NewUnsupported() Unsupported { return Unsupported{} }

func (Unsupported) Write(context.Context, core.Entry) (core.LogWriteResult, error) {
	return core.LogWriteResult{}, core.ErrJournalUnsupported
}

func (Unsupported) Flush(context.Context) error { return nil }

func (Unsupported) Read(context.Context) (*core.LogReadResult, error) { return nil, io.EOF }

func (u Unsupported) Restarted() (Readable, error) { return u, nil }

func (u Unsupported) Split() (Writable, Readable) { return u, u }

func (Unsupported) unsupported() bool { return true }

// readOnly wraps a Readable so that it satisfies Journal.
type readOnly struct {
	r Readable
}

// ReadOnly adapts r to a Journal whose writes fail with
// core.ErrJournalReadOnly.
func ReadOnly(r Readable) Journal { return &readOnly{r: r} }

func (j *readOnly) Write(context.Context, core.Entry) (core.LogWriteResult, error) {
	return core.LogWriteResult{}, core.ErrJournalReadOnly
}

func (j *readOnly) Flush(context.Context) error { return nil }

func (j *readOnly) Read(ctx context.Context) (*core.LogReadResult, error) { return j.r.Read(ctx) }

func (j *readOnly) Restarted() (Readable, error) {
	r, err := j.r.Restarted()
	if err != nil {
		return nil, err
	}
	return &readOnly{r: r}, nil
}

func (j *readOnly) Split() (Writable, Readable) { return NewUnsupported(), j.r }

func (j *readOnly) Close() error { return Close(j.r) }

func (j *readOnly) unsupported() bool { return true }

// closedHalf stands in for halves that have been split off.
type closedHalf struct{}

func (closedHalf) Write(context.Context, core.Entry) (core.LogWriteResult, error) {
	return core.LogWriteResult{}, core.ErrJournalClosed
}

func (closedHalf) Flush(context.Context) error { return core.ErrJournalClosed }

func (closedHalf) Read(context.Context) (*core.LogReadResult, error) {
	return nil, core.ErrJournalClosed
}

func (closedHalf) Restarted() (Readable, error) { return nil, core.ErrJournalClosed }
