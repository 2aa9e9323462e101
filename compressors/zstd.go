package compressors

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/INLOpen/wasmsnap/core"
)

// maxZstdDecoderMemory bounds what a single frame may expand to. A wasm32
// memory is at most 4 GiB but one region is far smaller.
const maxZstdDecoderMemory = 512 * 1024 * 1024

// ZstdCompressor writes single zstd frames. EncodeAll and DecodeAll are
// safe for concurrent use, so one encoder and one decoder are shared and
// created on first use.
type ZstdCompressor struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (c *ZstdCompressor) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
			zstd.WithZeroFrames(true))
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxZstdDecoderMemory))
	})
	if c.initErr != nil {
		return fmt.Errorf("zstd init error: %w", c.initErr)
	}
	return nil
}

func (c *ZstdCompressor) AppendCompressed(dst, src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(src, dst), nil
}

// DecompressInto decodes a zstd frame into dst, which must be exactly the
// uncompressed size.
func (c *ZstdCompressor) DecompressInto(dst, src []byte) error {
	if err := c.init(); err != nil {
		return err
	}
	out, err := c.decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return fmt.Errorf("zstd decompress error: %w", err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("zstd decompress error: got %d bytes, want %d", len(out), len(dst))
	}
	// DecodeAll reallocates if the frame is larger than dst.
	if len(out) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
