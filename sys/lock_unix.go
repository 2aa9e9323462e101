//go:build unix

package sys

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// tryLock takes a non-blocking flock. The lock file is left in place on
// release because removing it would race with another process that has
// already opened it.
func tryLock(lockPath string, mode LockMode) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	how := unix.LOCK_SH
	if mode == LockExclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrLocked
		}
		return nil, err
	}

	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			releaseErr = f.Close()
		})
		return releaseErr
	}, nil
}

// SyncDir fsyncs a directory so a completed rename is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, unix.EINVAL) {
		return err
	}
	return nil
}
