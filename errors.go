package asyncfile

import (
	"context"
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

var (
	// ErrInvalidArgument is returned synchronously for a bad position,
	// size or access mode, before anything is submitted.
	ErrInvalidArgument = errors.New("asyncfile: invalid argument")

	// ErrChannelClosed is returned when an operation is attempted on a
	// closed channel, and delivered to lock waiters dropped by close.
	ErrChannelClosed = errors.New("asyncfile: channel closed")

	// ErrLockInUse is returned by non-blocking lock requests that
	// conflict with a held or queued lock. It matches iox.ErrWouldBlock.
	ErrLockInUse = fmt.Errorf("asyncfile: lock in use: %w", iox.ErrWouldBlock)

	// ErrIllegalState is returned for lifecycle misuse, such as
	// releasing a lock twice.
	ErrIllegalState = errors.New("asyncfile: illegal state")

	// ErrGroupConstruction is returned when a Group cannot be built.
	ErrGroupConstruction = errors.New("asyncfile: group construction failed")

	// ErrGroupShutdown is returned when binding a channel to a group
	// that has been shut down.
	ErrGroupShutdown = errors.New("asyncfile: group shut down")

	// ErrCancelled is the failure delivered for a cancelled operation.
	// It matches context.Canceled.
	ErrCancelled = fmt.Errorf("asyncfile: operation cancelled: %w", context.Canceled)
)

// IOError wraps a failure of the underlying file primitive.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("asyncfile: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ioe *IOError
	if errors.As(err, &ioe) {
		return err
	}
	return &IOError{Op: op, Err: err}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}
