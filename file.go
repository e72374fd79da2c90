package asyncfile

import "io"

// File is the raw, synchronous file primitive a Channel drives. All
// methods must be safe for concurrent use. Package rawfile provides
// the production implementation.
type File interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the current file size.
	Size() (int64, error)

	// Truncate sets the file size.
	Truncate(size int64) error

	// Sync flushes file content to storage, and metadata too if
	// metadata is true.
	Sync(metadata bool) error

	// TryLockRange takes an OS advisory lock on [position,
	// position+size) without waiting. It returns an error matching
	// iox.ErrWouldBlock if another holder conflicts.
	TryLockRange(position, size int64, shared bool) error

	// UnlockRange drops the OS advisory lock on the range.
	UnlockRange(position, size int64) error

	Close() error
}
