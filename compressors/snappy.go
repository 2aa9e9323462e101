package compressors

import (
	"fmt"

	"github.com/golang/snappy"

	"github.com/INLOpen/wasmsnap/core"
)

// SnappyCompressor writes Snappy blocks, which record their own decoded
// length. DecompressInto checks it against the payload header.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) AppendCompressed(dst, src []byte) ([]byte, error) {
	bound := snappy.MaxEncodedLen(len(src))
	if bound < 0 {
		return nil, fmt.Errorf("snappy compress error: %d bytes is too large for a block", len(src))
	}
	dst = grow(dst, bound)
	block := snappy.Encode(dst[len(dst):len(dst)+bound], src)
	return dst[:len(dst)+len(block)], nil
}

func (c *SnappyCompressor) DecompressInto(dst, src []byte) error {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return fmt.Errorf("snappy decompress error: %w", err)
	}
	if n != len(dst) {
		return fmt.Errorf("snappy decompress error: block holds %d bytes, want %d", n, len(dst))
	}
	if _, err := snappy.Decode(dst, src); err != nil {
		return fmt.Errorf("snappy decompress error: %w", err)
	}
	return nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
