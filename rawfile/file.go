// Package rawfile provides the synchronous file primitive behind an
// asyncfile.Channel.
//
//   - [File]: wraps an *os.File with positional I/O, size control,
//     data/metadata sync and non-blocking OS advisory range locks.
//   - [Faulty]: wraps any [Handle] and injects failures, delays and lock
//     contention for tests.
//
// On unix systems range locks are POSIX record locks taken with
// fcntl(F_SETLK). They are owned by the process, so they exclude other
// processes only; in-process arbitration is the caller's job. Elsewhere
// the OS lock calls succeed without locking.
package rawfile

import (
	"io"
	"math"
	"os"
)

// Handle is the method set File implements and Faulty wraps.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Truncate(size int64) error
	Sync(metadata bool) error
	TryLockRange(position, size int64, shared bool) error
	UnlockRange(position, size int64) error
	Close() error
}

// File is a Handle over an *os.File.
type File struct {
	f *os.File
}

// Open opens the named file.
func Open(name string, flag int, perm os.FileMode) (*File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// New wraps an open file. The File takes ownership of f.
func New(f *os.File) *File {
	return &File{f: f}
}

// Name returns the file name.
func (f *File) Name() string { return f.f.Name() }

// OS returns the underlying file.
func (f *File) OS() *os.File { return f.f }

func (f *File) ReadAt(p []byte, off int64) (int, error) { return f.f.ReadAt(p, off) }

func (f *File) WriteAt(p []byte, off int64) (int, error) { return f.f.WriteAt(p, off) }

// Size returns the file size.
func (f *File) Size() (int64, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Truncate sets the file size.
func (f *File) Truncate(size int64) error { return f.f.Truncate(size) }

// Sync flushes the file. Without metadata it flushes data only where
// the platform supports that.
func (f *File) Sync(metadata bool) error {
	if metadata {
		return f.f.Sync()
	}
	return datasync(f.f)
}

// TryLockRange takes an advisory lock on [position, position+size).
// It returns iox.ErrWouldBlock when another process holds a
// conflicting lock. A size of math.MaxInt64 locks to end of file and
// beyond; a zero size takes no OS lock.
func (f *File) TryLockRange(position, size int64, shared bool) error {
	if size == 0 {
		return nil
	}
	return tryLockRange(f.f, position, span(size), shared)
}

// UnlockRange drops the advisory lock on the range.
func (f *File) UnlockRange(position, size int64) error {
	if size == 0 {
		return nil
	}
	return unlockRange(f.f, position, span(size))
}

func (f *File) Close() error { return f.f.Close() }

func span(size int64) int64 {
	if size == math.MaxInt64 {
		return 0
	}
	return size
}
