//go:build unix

package rawfile

import (
	"errors"
	"io"
	"os"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

func tryLockRange(f *os.File, position, length int64, shared bool) error {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  position,
		Len:    length,
	}
	if shared {
		lk.Type = unix.F_RDLCK
	}
	err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		return iox.ErrWouldBlock
	}
	return err
}

func unlockRange(f *os.File, position, length int64) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  position,
		Len:    length,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
}
