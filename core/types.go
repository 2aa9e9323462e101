package core

import (
	"fmt"
	"strings"
)

// CompressionType identifies the compression algorithm used for memory
// diff payloads. It is stored in the log file header so a reader knows how
// to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor is a block codec for memory-region payloads. A block carries
// no length of its own; the uncompressed size travels in the payload
// header. Implementations are safe for concurrent use.
type Compressor interface {
	// AppendCompressed appends the compressed block of src to dst.
	AppendCompressed(dst, src []byte) ([]byte, error)
	// DecompressInto decompresses src into dst, which must be exactly the
	// uncompressed length.
	DecompressInto(dst, src []byte) error
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compression type %q", s)
	}
}

const (
	TagSize      = 2 // uint16 record type
	LengthSize   = 4 // uint32 payload length
	ChecksumSize = 4 // uint32 CRC32 checksum

	// RecordOverhead is the framing cost of a single record.
	RecordOverhead = TagSize + LengthSize + ChecksumSize
)
