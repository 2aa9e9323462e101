//go:build !unix

package sys

import (
	"errors"
	"os"
	"sync"
)

// tryLock falls back to an O_EXCL lock file. Shared locks are not
// enforced on these platforms.
func tryLock(lockPath string, mode LockMode) (func() error, error) {
	if mode == LockShared {
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, err
	}
	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			_ = f.Close()
			releaseErr = os.Remove(lockPath)
		})
		return releaseErr
	}, nil
}

// SyncDir is a no-op where directory handles cannot be synced.
func SyncDir(dir string) error {
	return nil
}
