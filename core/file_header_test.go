package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHeader_RoundTrip(t *testing.T) {
	h := NewFileHeader(JournalMagicNumber, CompressionZSTD)
	buf := h.MarshalBinary()
	require.Len(t, buf, FileHeaderSize)
	assert.Equal(t, 14, FileHeaderSize)

	got, ok := UnmarshalFileHeader(buf)
	require.True(t, ok)
	assert.Equal(t, h, got)

	_, ok = UnmarshalFileHeader(buf[:5])
	assert.False(t, ok)
}

func TestParseCompressionType(t *testing.T) {
	for _, name := range []string{"none", "snappy", "lz4", "zstd"} {
		ct, err := ParseCompressionType(name)
		require.NoError(t, err)
		assert.Equal(t, name, ct.String())
	}
	ct, err := ParseCompressionType("")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, ct)
	_, err = ParseCompressionType("brotli")
	assert.Error(t, err)
}
