package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/journal"
)

// BridgeStats counts what one Bridge call moved.
type BridgeStats struct {
	Entries int
	Bytes   int64
}

// Bridge copies every record of r to w until r reports io.EOF, then
// flushes w. Reading and writing run concurrently with up to buffer
// records in flight; the first failure on either side stops both.
func Bridge(ctx context.Context, r journal.Readable, w journal.Writable, buffer int) (BridgeStats, error) {
	var stats BridgeStats
	if buffer < 1 {
		buffer = 1
	}
	records := make(chan core.Entry, buffer)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(records)
		for {
			res, err := r.Read(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("bridge read failed: %w", err)
			}
			select {
			// The reader may reuse its buffers on the next Read.
			case records <- core.Clone(res.Entry):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		for e := range records {
			res, err := w.Write(ctx, e)
			if err != nil {
				return fmt.Errorf("bridge write of %s failed: %w", e.RecordType(), err)
			}
			stats.Entries++
			stats.Bytes += res.RecordSize()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return w.Flush(ctx)
	})

	err := g.Wait()
	return stats, err
}
