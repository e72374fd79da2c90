package asyncfile

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/webriots/asyncfile/rawfile"
)

type options struct {
	readable  bool
	writable  bool
	group     *Group
	pool      Pool
	groupOpts []GroupOption
	log       *zerolog.Logger
}

// Option configures Open.
type Option func(*options)

// WithRead opens the channel for reading.
func WithRead() Option {
	return func(o *options) { o.readable = true }
}

// WithWrite opens the channel for writing.
func WithWrite() Option {
	return func(o *options) { o.writable = true }
}

// WithGroup binds the channel to an existing group.
func WithGroup(g *Group) Option {
	return func(o *options) { o.group = g }
}

// WithPool binds the channel to a new group owning pool. The group
// terminates when the channel closes.
func WithPool(pool Pool, opts ...GroupOption) Option {
	return func(o *options) {
		o.pool = pool
		o.groupOpts = opts
	}
}

// WithLogger sets the channel logger. By default the group logger is
// used.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = &log }
}

// Channel is an asynchronous file channel. Reads, writes, locks and
// the *Async calls run on the group's pool and report through an
// Operation. All methods are safe for concurrent use.
type Channel struct {
	file     File
	readable bool
	writable bool
	group    *Group
	log      zerolog.Logger

	// closeLock is read-held while an operation is admitted; Close
	// takes it exclusively after marking the channel closed.
	closeLock sync.RWMutex
	closed    atomic.Bool

	mu          sync.Mutex
	nextID      uint64
	outstanding map[uint64]interface{ Cancel() bool }
	drain       sync.WaitGroup

	locks *LockTable
	// lockMu serialises OS range lock calls so an unlock and the
	// re-assertion of overlapping locks are not interleaved with
	// other lock calls.
	lockMu sync.Mutex

	// truncMu makes the size check and the truncate of a shrink one
	// step.
	truncMu sync.Mutex
}

// Open returns a channel over file, bound to the default group unless
// WithGroup or WithPool is given. A group created through WithPool is
// terminated again if the channel cannot be built.
func Open(file File, opts ...Option) (*Channel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		group *Group
		fresh bool
		err   error
	)
	switch {
	case o.group != nil && o.pool != nil:
		return nil, invalidArgument("both a group and a pool given")
	case o.group != nil:
		group = o.group
	case o.pool != nil:
		if group, err = NewGroup(o.pool, o.groupOpts...); err != nil {
			return nil, err
		}
		group.single = true
		fresh = true
	default:
		if group, err = DefaultGroup(); err != nil {
			return nil, err
		}
	}

	c, err := newChannel(file, o, group)
	if err != nil {
		if fresh {
			group.terminate()
		}
		return nil, err
	}
	return c, nil
}

// OpenFile opens the named file with rawfile.Open and wraps it in a
// channel. Read and write access follow flag.
func OpenFile(name string, flag int, perm os.FileMode, opts ...Option) (*Channel, error) {
	f, err := rawfile.Open(name, flag, perm)
	if err != nil {
		return nil, ioError("open", err)
	}

	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		opts = append([]Option{WithRead()}, opts...)
	case os.O_WRONLY:
		opts = append([]Option{WithWrite()}, opts...)
	case os.O_RDWR:
		opts = append([]Option{WithRead(), WithWrite()}, opts...)
	}

	c, err := Open(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

func newChannel(file File, o options, group *Group) (*Channel, error) {
	if file == nil {
		return nil, invalidArgument("nil file")
	}
	if !o.readable && !o.writable {
		return nil, invalidArgument("channel must be readable or writable")
	}

	c := &Channel{
		file:        file,
		readable:    o.readable,
		writable:    o.writable,
		group:       group,
		log:         group.log,
		outstanding: make(map[uint64]interface{ Cancel() bool }),
		locks:       NewLockTable(),
	}
	if o.log != nil {
		c.log = *o.log
	}
	c.locks.owner = c

	if err := group.bind(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Group returns the group the channel is bound to.
func (c *Channel) Group() *Group { return c.group }

// Readable reports whether the channel was opened for reading.
func (c *Channel) Readable() bool { return c.readable }

// Writable reports whether the channel was opened for writing.
func (c *Channel) Writable() bool { return c.writable }

// IsOpen reports whether Close has not been called.
func (c *Channel) IsOpen() bool { return !c.closed.Load() }

// Locks returns the channel's lock table.
func (c *Channel) Locks() *LockTable { return c.locks }

func (c *Channel) begin() error {
	c.closeLock.RLock()
	if c.closed.Load() {
		c.closeLock.RUnlock()
		return ErrChannelClosed
	}
	return nil
}

func (c *Channel) end() {
	c.closeLock.RUnlock()
}

// submit registers a new operation and hands fn to the pool.
func submit[T any](c *Channel, kind Kind, attachment any, handler Handler[T], fn func(context.Context) (T, error)) (*Operation[T], error) {
	if err := c.begin(); err != nil {
		return nil, err
	}

	op := newOperation(kind, attachment, handler, &c.log)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.outstanding[id] = op
	c.mu.Unlock()
	c.drain.Add(1)

	op.settled = func(s State) {
		c.mu.Lock()
		delete(c.outstanding, id)
		c.mu.Unlock()
		c.group.record(s)
		c.drain.Done()
	}
	c.end()

	c.group.submit(func() { op.run(fn) })
	return op, nil
}

// Read reads into buf from position. The result is the number of
// bytes read; a read starting at or past end of file completes with
// zero bytes and io.EOF.
func (c *Channel) Read(buf []byte, position int64, attachment any, handler Handler[int]) (*Operation[int], error) {
	if position < 0 {
		return nil, invalidArgument("negative position %d", position)
	}
	if !c.readable {
		return nil, invalidArgument("channel not open for reading")
	}
	return submit(c, KindRead, attachment, handler, func(ctx context.Context) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		if err := c.group.throttle(ctx, len(buf)); err != nil {
			return 0, err
		}
		n, err := c.file.ReadAt(buf, position)
		switch {
		case errors.Is(err, io.EOF) && n > 0:
			return n, nil
		case errors.Is(err, io.EOF):
			return 0, io.EOF
		case err != nil:
			return n, ioError("read", err)
		}
		return n, nil
	})
}

// Write writes all of buf at position. The result is len(buf).
func (c *Channel) Write(buf []byte, position int64, attachment any, handler Handler[int]) (*Operation[int], error) {
	if position < 0 {
		return nil, invalidArgument("negative position %d", position)
	}
	if !c.writable {
		return nil, invalidArgument("channel not open for writing")
	}
	return submit(c, KindWrite, attachment, handler, func(ctx context.Context) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		if err := c.group.throttle(ctx, len(buf)); err != nil {
			return 0, err
		}
		n, err := c.file.WriteAt(buf, position)
		if err != nil {
			return n, ioError("write", err)
		}
		return n, nil
	})
}

// Size returns the current file size.
func (c *Channel) Size() (int64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end()

	n, err := c.file.Size()
	if err != nil {
		return 0, ioError("size", err)
	}
	return n, nil
}

// Truncate shrinks the file to size. A size at or beyond the current
// size leaves the file unchanged.
func (c *Channel) Truncate(size int64) (*Channel, error) {
	if size < 0 {
		return nil, invalidArgument("negative size %d", size)
	}
	if !c.writable {
		return nil, invalidArgument("channel not open for writing")
	}
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()

	if _, err := c.truncate(size); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) truncate(size int64) (int64, error) {
	c.truncMu.Lock()
	defer c.truncMu.Unlock()

	cur, err := c.file.Size()
	if err != nil {
		return 0, ioError("truncate", err)
	}
	if size >= cur {
		return cur, nil
	}
	if err := c.file.Truncate(size); err != nil {
		return 0, ioError("truncate", err)
	}
	return size, nil
}

// Force flushes file content, and metadata too if metadata is true.
func (c *Channel) Force(metadata bool) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	return ioError("force", c.file.Sync(metadata))
}

// SizeAsync is Size run on the pool.
func (c *Channel) SizeAsync(attachment any, handler Handler[int64]) (*Operation[int64], error) {
	return submit(c, KindSize, attachment, handler, func(context.Context) (int64, error) {
		n, err := c.file.Size()
		if err != nil {
			return 0, ioError("size", err)
		}
		return n, nil
	})
}

// TruncateAsync is Truncate run on the pool. The result is the file
// size after the call.
func (c *Channel) TruncateAsync(size int64, attachment any, handler Handler[int64]) (*Operation[int64], error) {
	if size < 0 {
		return nil, invalidArgument("negative size %d", size)
	}
	if !c.writable {
		return nil, invalidArgument("channel not open for writing")
	}
	return submit(c, KindTruncate, attachment, handler, func(context.Context) (int64, error) {
		return c.truncate(size)
	})
}

// ForceAsync is Force run on the pool.
func (c *Channel) ForceAsync(metadata bool, attachment any, handler Handler[struct{}]) (*Operation[struct{}], error) {
	return submit(c, KindForce, attachment, handler, func(context.Context) (struct{}, error) {
		return struct{}{}, ioError("force", c.file.Sync(metadata))
	})
}

// Close closes the channel. Outstanding operations are cancelled and
// waited for, held locks are released, the channel is unbound from
// its group and the file is closed. Closing a closed channel is a
// no-op.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// wait out operations admitted before the flag flipped
	c.closeLock.Lock()
	c.closeLock.Unlock()

	c.mu.Lock()
	pending := make([]interface{ Cancel() bool }, 0, len(c.outstanding))
	for _, op := range c.outstanding {
		pending = append(pending, op)
	}
	c.mu.Unlock()

	for _, op := range pending {
		op.Cancel()
	}
	c.drain.Wait()

	held := c.locks.ReleaseAll()
	c.lockMu.Lock()
	for _, l := range held {
		if err := c.file.UnlockRange(l.position, l.size); err != nil {
			c.log.Warn().Err(err).Stringer("lock", l).Msg("unlock on close failed")
		}
	}
	c.lockMu.Unlock()

	c.group.unbind(c)

	c.log.Debug().
		Int("cancelled", len(pending)).
		Int("locks", len(held)).
		Msg("channel closed")

	return ioError("close", c.file.Close())
}
