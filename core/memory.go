package core

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// CompressorResolver returns the compressor registered for a type.
type CompressorResolver func(CompressionType) (Compressor, error)

// memoryPayloadHeader is compression type (1 byte) followed by the
// uncompressed size (4 bytes).
const memoryPayloadHeader = 5

// EncodeMemoryPayload compresses data into the layout stored in
// UpdateMemoryRegion.CompressedData.
func EncodeMemoryPayload(c Compressor, data []byte) ([]byte, error) {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("memory region of %d bytes exceeds the payload limit", len(data))
	}
	out := make([]byte, memoryPayloadHeader, memoryPayloadHeader+len(data)/2+16)
	out[0] = byte(c.Type())
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(data)))
	out, err := c.AppendCompressed(out, data)
	if err != nil {
		return nil, fmt.Errorf("compress memory region: %w", err)
	}
	return out, nil
}

// MemoryPayloadSize returns the uncompressed size recorded in a payload.
func MemoryPayloadSize(payload []byte) (int, error) {
	if len(payload) < memoryPayloadHeader {
		return 0, &CorruptError{Kind: CorruptCompressed, Type: TypeUpdateMemoryRegion, Err: fmt.Errorf("memory payload of %d bytes is shorter than its header", len(payload))}
	}
	return int(binary.LittleEndian.Uint32(payload[1:5])), nil
}

// DecodeMemoryPayload decompresses a payload produced by
// EncodeMemoryPayload. Any failure is reported as a *CorruptError.
func DecodeMemoryPayload(payload []byte, resolve CompressorResolver) ([]byte, error) {
	size, err := MemoryPayloadSize(payload)
	if err != nil {
		return nil, err
	}
	ct := CompressionType(payload[0])
	c, err := resolve(ct)
	if err != nil {
		return nil, &CorruptError{Kind: CorruptCompressed, Type: TypeUpdateMemoryRegion, Err: err}
	}
	out := make([]byte, size)
	if err := c.DecompressInto(out, payload[memoryPayloadHeader:]); err != nil {
		return nil, &CorruptError{Kind: CorruptCompressed, Type: TypeUpdateMemoryRegion, Err: err}
	}
	return out, nil
}

// Data decompresses the payload of u. The recorded size is checked against
// the range before anything is allocated, so a damaged record cannot ask
// for more memory than it covers.
func (u UpdateMemoryRegion) Data(resolve CompressorResolver) ([]byte, error) {
	size, err := MemoryPayloadSize(u.CompressedData)
	if err != nil {
		return nil, err
	}
	if uint64(size) != u.Len() {
		return nil, &CorruptError{Kind: CorruptCompressed, Type: TypeUpdateMemoryRegion,
			Err: fmt.Errorf("payload holds %d bytes for a range of %d", size, u.Len())}
	}
	return DecodeMemoryPayload(u.CompressedData, resolve)
}

// Len is the length of the updated range.
func (u UpdateMemoryRegion) Len() uint64 {
	if u.End < u.Start {
		return 0
	}
	return u.End - u.Start
}

// HashModule computes the identity of a compiled module from its bytes.
func HashModule(wasm []byte) ModuleHash {
	return ModuleHash(blake2b.Sum256(wasm))
}

// RegionDigest is a short content digest used to detect unchanged memory
// regions between snapshots.
func RegionDigest(data []byte) [32]byte {
	return blake2b.Sum256(data)
}
