package core

import (
	"encoding/binary"
	"time"
)

// FileHeader is the header written at the start of every journal file.
// A reader that meets another header mid-stream treats it as the start of
// a concatenated journal.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// FileHeaderSize is the encoded size of FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// MarshalBinary encodes the header in little endian.
func (h FileHeader) MarshalBinary() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	binary.LittleEndian.PutUint64(buf[5:13], uint64(h.CreatedAt))
	buf[13] = byte(h.CompressorType)
	return buf
}

// UnmarshalFileHeader decodes a header previously produced by MarshalBinary.
func UnmarshalFileHeader(buf []byte) (FileHeader, bool) {
	if len(buf) < FileHeaderSize {
		return FileHeader{}, false
	}
	return FileHeader{
		Magic:          binary.LittleEndian.Uint32(buf[0:4]),
		Version:        buf[4],
		CreatedAt:      int64(binary.LittleEndian.Uint64(buf[5:13])),
		CompressorType: CompressionType(buf[13]),
	}, true
}
