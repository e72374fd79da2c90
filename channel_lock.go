package asyncfile

import (
	"context"
	"math"

	"code.hybscloud.com/iox"
)

func (c *Channel) checkLock(position, size int64, shared bool) error {
	if position < 0 || size < 0 {
		return invalidArgument("negative lock range %d:%d", position, size)
	}
	if size > 0 && position > math.MaxInt64-size {
		return invalidArgument("lock range %d:%d overflows", position, size)
	}
	if shared && !c.readable {
		return invalidArgument("shared lock on a channel not open for reading")
	}
	if !shared && !c.writable {
		return invalidArgument("exclusive lock on a channel not open for writing")
	}
	return nil
}

// Lock acquires a lock on [position, position+size), waiting for
// conflicting locks held through this channel to be released first.
func (c *Channel) Lock(position, size int64, shared bool, attachment any, handler Handler[*FileLock]) (*Operation[*FileLock], error) {
	if err := c.checkLock(position, size, shared); err != nil {
		return nil, err
	}
	return submit(c, KindLock, attachment, handler, func(ctx context.Context) (*FileLock, error) {
		l, err := c.locks.Acquire(ctx, position, size, shared)
		if err != nil {
			return nil, err
		}
		if err := c.lockRange(ctx, l); err != nil {
			c.release(l)
			return nil, err
		}
		return l, nil
	})
}

// TryLock acquires a lock without waiting. It returns ErrLockInUse if
// the range is held through this channel or by another process.
func (c *Channel) TryLock(position, size int64, shared bool) (*FileLock, error) {
	if err := c.checkLock(position, size, shared); err != nil {
		return nil, err
	}
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()

	l, err := c.locks.TryAcquire(position, size, shared)
	if err != nil {
		return nil, err
	}

	c.lockMu.Lock()
	err = c.file.TryLockRange(position, size, shared)
	c.lockMu.Unlock()

	if err != nil {
		c.release(l)
		if iox.IsWouldBlock(err) {
			return nil, ErrLockInUse
		}
		return nil, ioError("lock", err)
	}
	return l, nil
}

// ReleaseLock releases l. It fails with ErrIllegalState if the
// channel is closed, l was acquired through another channel, or l was
// already released.
func (c *Channel) ReleaseLock(l *FileLock) error {
	if l == nil {
		return invalidArgument("nil lock")
	}
	if l.channel != c {
		return illegalState("lock belongs to another channel")
	}
	if err := c.begin(); err != nil {
		return illegalState("channel closed")
	}
	defer c.end()

	return c.release(l)
}

// lockRange takes the OS lock for l, backing off while another
// process holds the range.
func (c *Channel) lockRange(ctx context.Context, l *FileLock) error {
	var bo iox.Backoff
	for {
		c.lockMu.Lock()
		err := c.file.TryLockRange(l.position, l.size, l.shared)
		c.lockMu.Unlock()

		if err == nil {
			return nil
		}
		if !iox.IsWouldBlock(err) {
			return ioError("lock", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bo.Wait()
	}
}

// release drops the OS lock for l, re-asserts the OS locks of other
// held locks overlapping it (a POSIX unlock is range based), then
// removes l from the table. All of it happens under lockMu, so a lock
// no longer in the table never reaches the OS unlock.
func (c *Channel) release(l *FileLock) error {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	if !c.locks.holds(l) {
		return illegalState("lock already released")
	}

	err := c.file.UnlockRange(l.position, l.size)
	for _, o := range c.locks.overlapping(l) {
		if rerr := c.file.TryLockRange(o.position, o.size, o.shared); rerr != nil {
			c.log.Warn().Err(rerr).Stringer("lock", o).Msg("re-asserting overlapping lock failed")
		}
	}

	if rerr := c.locks.Release(l); rerr != nil {
		return rerr
	}
	return ioError("unlock", err)
}
