package compressors

import (
	"fmt"

	"github.com/INLOpen/wasmsnap/core"
)

var (
	shared = map[core.CompressionType]core.Compressor{
		core.CompressionNone:   &NoCompressionCompressor{},
		core.CompressionSnappy: NewSnappyCompressor(),
		core.CompressionLZ4:    NewLz4Compressor(),
		core.CompressionZSTD:   NewZstdCompressor(),
	}
)

// ForType returns the shared compressor for ct. All compressors are safe
// for concurrent use.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	c, ok := shared[ct]
	if !ok {
		return nil, fmt.Errorf("no compressor registered for type %d", ct)
	}
	return c, nil
}

// Resolve adapts ForType to core.CompressorResolver.
var Resolve core.CompressorResolver = ForType

// Default is the compressor used for memory diffs when none is configured.
func Default() core.Compressor {
	return shared[core.CompressionLZ4]
}
