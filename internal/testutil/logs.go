package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/journal"
)

// TempJournalPath returns a path for a journal file inside a per-test
// directory.
func TempJournalPath(t testing.TB, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+core.JournalFileSuffix)
}

// WriteEntries writes entries to w and flushes, failing the test on error.
func WriteEntries(t testing.TB, w journal.Writable, entries ...core.Entry) []core.LogWriteResult {
	t.Helper()
	out := make([]core.LogWriteResult, 0, len(entries))
	for _, e := range entries {
		res, err := w.Write(context.Background(), e)
		require.NoError(t, err, "writing %s", e.RecordType())
		out = append(out, res)
	}
	require.NoError(t, w.Flush(context.Background()))
	return out
}

// ReadEntries drains r, failing the test on error.
func ReadEntries(t testing.TB, r journal.Readable) []core.Entry {
	t.Helper()
	entries, err := journal.ReadAll(context.Background(), r)
	require.NoError(t, err)
	return entries
}

// FileSize returns the size of path.
func FileSize(t testing.TB, path string) int64 {
	t.Helper()
	stat, err := os.Stat(path)
	require.NoError(t, err)
	return stat.Size()
}

// TruncateBy removes the last n bytes of path, simulating a write torn by
// a crash.
func TruncateBy(t testing.TB, path string, n int64) {
	t.Helper()
	size := FileSize(t, path)
	require.LessOrEqual(t, n, size)
	require.NoError(t, os.Truncate(path, size-n))
}

// FlipByte inverts the byte at offset in path.
func FlipByte(t testing.TB, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
}

// AppendRaw appends raw bytes to path.
func AppendRaw(t testing.TB, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(data)
	require.NoError(t, err)
}

// Concatenate writes the bytes of every src, in order, to dst.
func Concatenate(t testing.TB, dst string, srcs ...string) {
	t.Helper()
	var all []byte
	for _, src := range srcs {
		data, err := os.ReadFile(src)
		require.NoError(t, err)
		all = append(all, data...)
	}
	require.NoError(t, os.WriteFile(dst, all, 0644))
}
