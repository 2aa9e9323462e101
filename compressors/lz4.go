package compressors

import (
	"fmt"
	"sync"

	lz4 "github.com/pierrec/lz4/v4"

	"github.com/INLOpen/wasmsnap/core"
)

// LZ4Compressor writes raw LZ4 blocks. It is the default for memory diffs:
// sparse wasm pages compress well and decode fast on restore.
type LZ4Compressor struct {
	// lz4.Compressor holds a hash table that is reused across blocks.
	pool sync.Pool
}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	c := &LZ4Compressor{}
	c.pool.New = func() any { return new(lz4.Compressor) }
	return c
}

func (c *LZ4Compressor) AppendCompressed(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst, nil
	}
	bound := lz4.CompressBlockBound(len(src))
	dst = grow(dst, bound)
	block := dst[len(dst) : len(dst)+bound]

	lc := c.pool.Get().(*lz4.Compressor)
	n, err := lc.CompressBlock(src, block)
	c.pool.Put(lc)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	// With a destination of CompressBlockBound bytes nothing is reported
	// as incompressible.
	if n == 0 {
		return nil, fmt.Errorf("lz4 compress error: empty block for %d bytes", len(src))
	}
	return dst[:len(dst)+n], nil
}

// DecompressInto decodes an LZ4 block into dst, which must be exactly the
// uncompressed size.
func (c *LZ4Compressor) DecompressInto(dst, src []byte) error {
	if len(src) == 0 {
		if len(dst) == 0 {
			return nil
		}
		return fmt.Errorf("lz4 decompress error: empty block for %d bytes", len(dst))
	}
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return fmt.Errorf("lz4 decompress error: %w", err)
	}
	if n != len(dst) {
		return fmt.Errorf("lz4 decompress error: got %d bytes, want %d", n, len(dst))
	}
	return nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

// grow makes room for n more bytes after len(b).
func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b
	}
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return out
}
