package journal

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/caio/go-tdigest/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/INLOpen/wasmsnap/core"
)

// CountingOptions configures a Counting journal.
type CountingOptions struct {
	// Entries and Bytes, when set, are incremented per write with the entry
	// type as the single label value.
	Entries *prometheus.CounterVec
	Bytes   *prometheus.CounterVec
}

// TypeStats is the per-type tally kept by Counting.
type TypeStats struct {
	Type  core.RecordType
	Count uint64
	Bytes uint64
}

// Counting discards entries but keeps statistics about them: totals, a
// per-type breakdown and a t-digest of entry sizes.
type Counting struct {
	mu     sync.Mutex
	count  uint64
	bytes  uint64
	byType map[core.RecordType]*TypeStats
	sizes  *tdigest.TDigest
	opts   CountingOptions
	offset virtualOffset
}

var _ Journal = (*Counting)(nil)

func NewCounting(opts CountingOptions) *Counting {
	td, err := tdigest.New()
	if err != nil {
		// tdigest.New only fails on invalid options, and none are passed.
		panic(err)
	}
	return &Counting{
		byType: make(map[core.RecordType]*TypeStats),
		sizes:  td,
		opts:   opts,
	}
}

func (c *Counting) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	res := c.offset.next(e)
	size := uint64(res.RecordSize())
	t := e.RecordType()

	c.mu.Lock()
	c.count++
	c.bytes += size
	st, ok := c.byType[t]
	if !ok {
		st = &TypeStats{Type: t}
		c.byType[t] = st
	}
	st.Count++
	st.Bytes += size
	err := c.sizes.Add(float64(size))
	c.mu.Unlock()
	if err != nil {
		return res, err
	}

	if c.opts.Entries != nil {
		c.opts.Entries.WithLabelValues(t.String()).Inc()
	}
	if c.opts.Bytes != nil {
		c.opts.Bytes.WithLabelValues(t.String()).Add(float64(size))
	}
	return res, nil
}

func (c *Counting) Flush(context.Context) error { return nil }

func (c *Counting) Read(context.Context) (*core.LogReadResult, error) { return nil, io.EOF }

func (c *Counting) Restarted() (Readable, error) { return c, nil }

func (c *Counting) Split() (Writable, Readable) { return c, c }

// Count is the number of entries written.
func (c *Counting) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Bytes is the sum of the framed sizes of every entry written.
func (c *Counting) Bytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// ByType returns the per-type statistics ordered by record type.
func (c *Counting) ByType() []TypeStats {
	c.mu.Lock()
	out := make([]TypeStats, 0, len(c.byType))
	for _, st := range c.byType {
		out = append(out, *st)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// SizeQuantile estimates the q-th quantile (0..1) of entry sizes. It
// returns 0 before anything has been written.
func (c *Counting) SizeQuantile(q float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sizes.Count() == 0 {
		return 0
	}
	return c.sizes.Quantile(q)
}
