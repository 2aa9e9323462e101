package sys

import (
	"io"
	"os"
)

// FileHandle is the subset of *os.File the journal code depends on. Tests
// substitute their own handles through the handler variables below.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error

var Create CreateHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

var Rename RenameHandler = os.Rename

var Remove RemoveHandler = os.Remove

// Fd returns the OS descriptor of h when it is backed by a real file.
func Fd(h FileHandle) (uintptr, bool) {
	fg, ok := h.(interface{ Fd() uintptr })
	if !ok {
		return 0, false
	}
	return fg.Fd(), true
}
