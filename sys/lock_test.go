//go:build unix

package sys

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFile_SharedLocksCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.journal")

	r1, err := LockFile(path, LockShared, 0)
	require.NoError(t, err)
	defer r1()
	r2, err := LockFile(path, LockShared, 0)
	require.NoError(t, err)
	defer r2()
}

func TestLockFile_ExclusiveBlocksShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.journal")

	release, err := LockFile(path, LockExclusive, 0)
	require.NoError(t, err)

	_, err = LockFile(path, LockShared, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())
	require.NoError(t, release(), "release must be idempotent")

	again, err := LockFile(path, LockShared, 0)
	require.NoError(t, err)
	assert.NoError(t, again())
}

func TestLockFile_SharedBlocksExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.journal")

	release, err := LockFile(path, LockShared, 0)
	require.NoError(t, err)
	defer release()

	_, err = LockFile(path, LockExclusive, 0)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestSyncDir(t *testing.T) {
	assert.NoError(t, SyncDir(t.TempDir()))
}

func TestLockWriter_ExcludesWritersButSharesWithReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.journal")

	release, err := LockWriter(path, 0)
	require.NoError(t, err)

	_, err = LockWriter(path, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrLocked)

	reader, err := LockFile(path, LockShared, 0)
	require.NoError(t, err, "readers are not blocked by a writer")
	require.NoError(t, reader())

	_, err = LockFile(path, LockExclusive, 0)
	require.ErrorIs(t, err, ErrLocked, "a writer keeps the journal from being rewritten")

	require.NoError(t, release())
	again, err := LockWriter(path, 0)
	require.NoError(t, err)
	assert.NoError(t, again())
}
