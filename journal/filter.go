package journal

import (
	"context"
	"slices"

	"github.com/INLOpen/wasmsnap/core"
)

// FilterOptions selects the entries a Filter drops. Every switch removes a
// class of entries; Predicate, when set, must also accept an entry for it
// to pass.
type FilterOptions struct {
	Memory     bool
	Threads    bool
	FS         bool
	Core       bool
	Snapshots  bool
	Networking bool
	Stdin      bool
	Stdout     bool
	Stderr     bool
	Predicate  func(core.Entry) bool
}

// Accept reports whether e passes the filter.
func (o FilterOptions) Accept(e core.Entry) bool {
	switch core.CategoryOf(e.RecordType()) {
	case core.CategoryMemory:
		if o.Memory {
			return false
		}
	case core.CategoryThread:
		if o.Threads {
			return false
		}
	case core.CategoryFS:
		if o.FS {
			return false
		}
	case core.CategoryNetwork:
		if o.Networking {
			return false
		}
	case core.CategorySnapshot:
		if o.Snapshots {
			return false
		}
	case core.CategoryCore:
		if o.Core {
			return false
		}
	}
	if o.Stdin || o.Stdout || o.Stderr {
		fds := core.Descriptors(e)
		if (o.Stdin && slices.Contains(fds, core.StdinFd)) ||
			(o.Stdout && slices.Contains(fds, core.StdoutFd)) ||
			(o.Stderr && slices.Contains(fds, core.StderrFd)) {
			return false
		}
	}
	if o.Predicate != nil && !o.Predicate(e) {
		return false
	}
	return true
}

// Filter drops entries that FilterOptions rejects, on write and on read.
type Filter struct {
	w    Writable
	r    Readable
	opts FilterOptions

	// shared is set when w and r are the same inner journal.
	shared bool
}

var _ Journal = (*Filter)(nil)

func NewFilter(inner Journal, opts FilterOptions) *Filter {
	return &Filter{w: inner, r: inner, opts: opts, shared: true}
}

// FilterWriter filters only the write side of w.
func FilterWriter(w Writable, opts FilterOptions) Writable {
	return &Filter{w: w, r: NewUnsupported(), opts: opts}
}

// FilterReader filters only the read side of r.
func FilterReader(r Readable, opts FilterOptions) Readable {
	return &Filter{w: NewUnsupported(), r: r, opts: opts}
}

func (f *Filter) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	if !f.opts.Accept(e) {
		return core.LogWriteResult{}, nil
	}
	return f.w.Write(ctx, e)
}

func (f *Filter) Flush(ctx context.Context) error { return f.w.Flush(ctx) }

func (f *Filter) Read(ctx context.Context) (*core.LogReadResult, error) {
	for {
		res, err := f.r.Read(ctx)
		if err != nil {
			return nil, err
		}
		if f.opts.Accept(res.Entry) {
			return res, nil
		}
	}
}

func (f *Filter) Restarted() (Readable, error) {
	r, err := f.r.Restarted()
	if err != nil {
		return nil, err
	}
	return &Filter{w: f.w, r: r, opts: f.opts}, nil
}

func (f *Filter) Split() (Writable, Readable) {
	w, r := f.w, f.r
	if j, ok := w.(Journal); ok && f.shared {
		w, r = j.Split()
	}
	f.w, f.r, f.shared = closedHalf{}, closedHalf{}, false
	return &Filter{w: w, r: NewUnsupported(), opts: f.opts}, &Filter{w: NewUnsupported(), r: r, opts: f.opts}
}

func (f *Filter) Close() error {
	err := Close(f.w)
	if !f.shared {
		if rerr := Close(f.r); err == nil {
			err = rerr
		}
	}
	return err
}
