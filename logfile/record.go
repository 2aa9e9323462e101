package logfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/wasmsnap/core"
)

// frameHeaderSize is tag (2 bytes) followed by payload length (4 bytes).
const frameHeaderSize = core.TagSize + core.LengthSize

// appendRecord appends one framed record to dst.
// Format: tag (2 bytes) | length (4 bytes) | payload | crc32(tag|length|payload) (4 bytes)
func appendRecord(dst []byte, e core.Entry) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, frameHeaderSize)...)
	dst, err := core.AppendEntry(dst, e)
	if err != nil {
		return dst[:start], err
	}
	payloadLen := len(dst) - start - frameHeaderSize
	if payloadLen > core.MaxRecordSize {
		return dst[:start], fmt.Errorf("%w: %s payload is %d bytes (max %d)", core.ErrRecordTooLarge, e.RecordType(), payloadLen, core.MaxRecordSize)
	}
	binary.LittleEndian.PutUint16(dst[start:], uint16(e.RecordType()))
	binary.LittleEndian.PutUint32(dst[start+core.TagSize:], uint32(payloadLen))
	checksum := crc32.ChecksumIEEE(dst[start:])
	return binary.LittleEndian.AppendUint32(dst, checksum), nil
}

// isHeaderPrefix reports whether b starts with the journal magic number,
// meaning another journal was concatenated at this position.
func isHeaderPrefix(b []byte) bool {
	return len(b) >= 4 && binary.LittleEndian.Uint32(b) == core.JournalMagicNumber
}
