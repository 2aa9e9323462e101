package compressors

import (
	"fmt"

	"github.com/INLOpen/wasmsnap/core"
)

// NoCompressionCompressor stores memory verbatim.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) AppendCompressed(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (c *NoCompressionCompressor) DecompressInto(dst, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("uncompressed block holds %d bytes, want %d", len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
