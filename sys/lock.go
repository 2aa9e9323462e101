package sys

import (
	"errors"
	"fmt"
	"time"
)

// LockMode selects shared or exclusive advisory locking.
type LockMode int

const (
	// LockShared is held by journal readers, and by writers next to their
	// own exclusive writer lock.
	LockShared LockMode = iota
	// LockExclusive is held while a journal is rewritten in place.
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "exclusive"
	}
	return "shared"
}

// ErrLocked is returned when a lock cannot be acquired before the timeout.
var ErrLocked = errors.New("file is locked by another process")

// lockRetryInterval is how often a contended lock is retried.
const lockRetryInterval = 25 * time.Millisecond

// LockFile acquires an advisory lock on path + ".lock". The returned release
// function unlocks and closes the lock file; it is safe to call twice.
// A zero timeout tries exactly once.
func LockFile(path string, mode LockMode, timeout time.Duration) (func() error, error) {
	return lockAt(path+".lock", mode, timeout)
}

// LockWriter takes the locks a journal writer holds: an exclusive lock on
// path + ".wlock" that keeps out other writers, and a shared LockFile lock
// that keeps the journal from being rewritten underneath it.
func LockWriter(path string, timeout time.Duration) (func() error, error) {
	releaseWriter, err := lockAt(path+".wlock", LockExclusive, timeout)
	if err != nil {
		return nil, err
	}
	releaseShared, err := LockFile(path, LockShared, timeout)
	if err != nil {
		_ = releaseWriter()
		return nil, err
	}
	return func() error {
		return errors.Join(releaseShared(), releaseWriter())
	}, nil
}

func lockAt(lockPath string, mode LockMode, timeout time.Duration) (func() error, error) {
	deadline := time.Now().Add(timeout)
	for {
		release, err := tryLock(lockPath, mode)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("lock %s (%s): %w", lockPath, mode, err)
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("lock %s (%s): %w", lockPath, mode, ErrLocked)
		}
		time.Sleep(lockRetryInterval)
	}
}
