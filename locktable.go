package asyncfile

import (
	"context"
	"fmt"
	"sync"

	"github.com/gammazero/deque"
)

// FileLock is a byte-range lock held through a LockTable. The range
// is [Position, Position+Size).
type FileLock struct {
	position int64
	size     int64
	shared   bool
	table    *LockTable
	channel  *Channel
	valid    bool // guarded by table.mu
}

// Position returns the first byte of the locked range.
func (l *FileLock) Position() int64 { return l.position }

// Size returns the length of the locked range.
func (l *FileLock) Size() int64 { return l.size }

// Shared reports whether the lock is shared.
func (l *FileLock) Shared() bool { return l.shared }

// Channel returns the channel that acquired the lock, or nil for a
// lock taken directly on a LockTable.
func (l *FileLock) Channel() *Channel { return l.channel }

// IsValid reports whether the lock is still held.
func (l *FileLock) IsValid() bool {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	return l.valid
}

// Overlaps reports whether the lock range overlaps [position,
// position+size).
func (l *FileLock) Overlaps(position, size int64) bool {
	return overlaps(l.position, l.size, position, size)
}

// Release drops the lock.
func (l *FileLock) Release() error {
	if l.channel != nil {
		return l.channel.ReleaseLock(l)
	}
	return l.table.Release(l)
}

func (l *FileLock) String() string {
	mode := "exclusive"
	if l.shared {
		mode = "shared"
	}
	return fmt.Sprintf("FileLock[%d:%d %s]", l.position, l.size, mode)
}

func overlaps(p1, s1, p2, s2 int64) bool {
	if p1+s1 <= p2 {
		return false
	}
	if p2+s2 <= p1 {
		return false
	}
	return true
}

func conflicts(p1, s1 int64, shared1 bool, p2, s2 int64, shared2 bool) bool {
	if shared1 && shared2 {
		return false
	}
	return overlaps(p1, s1, p2, s2)
}

type lockWaiter struct {
	position int64
	size     int64
	shared   bool
	ready    chan struct{}
	lock     *FileLock
	err      error
}

// LockTable arbitrates byte-range locks for one channel. Overlapping
// held locks are always both shared. Blocked requests are served in
// FIFO order: a request is granted only if it conflicts with no held
// lock and no earlier waiter.
type LockTable struct {
	noCopy noCopy

	mu      sync.Mutex
	held    []*FileLock
	waiters deque.Deque[*lockWaiter]
	closed  bool
	owner   *Channel
}

// NewLockTable returns an empty table.
func NewLockTable() *LockTable {
	return new(LockTable)
}

// Acquire blocks until the range can be locked or ctx is done. If the
// grant races ahead of ctx, the granted lock is returned.
func (t *LockTable) Acquire(ctx context.Context, position, size int64, shared bool) (*FileLock, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if t.admissible(position, size, shared, t.waiters.Len()) {
		l := t.grant(position, size, shared)
		t.mu.Unlock()
		return l, nil
	}
	w := &lockWaiter{
		position: position,
		size:     size,
		shared:   shared,
		ready:    make(chan struct{}),
	}
	t.waiters.PushBack(w)
	t.mu.Unlock()

	select {
	case <-w.ready:
		return w.lock, w.err
	case <-ctx.Done():
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-w.ready:
		return w.lock, w.err
	default:
	}

	if i := t.waiters.Index(func(x *lockWaiter) bool { return x == w }); i >= 0 {
		t.waiters.Remove(i)
	}
	t.grantWaiters()
	return nil, ctx.Err()
}

// TryAcquire locks the range or returns ErrLockInUse without waiting.
func (t *LockTable) TryAcquire(position, size int64, shared bool) (*FileLock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrChannelClosed
	}
	if !t.admissible(position, size, shared, t.waiters.Len()) {
		return nil, ErrLockInUse
	}
	return t.grant(position, size, shared), nil
}

// Release removes l and grants any waiters it was blocking.
func (t *LockTable) Release(l *FileLock) error {
	if l == nil || l.table != t {
		return illegalState("lock does not belong to this table")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(l)
	if i < 0 {
		return illegalState("lock already released")
	}
	t.held = append(t.held[:i], t.held[i+1:]...)
	l.valid = false
	t.grantWaiters()
	return nil
}

// ReleaseAll invalidates every held lock, fails every waiter with
// ErrChannelClosed and closes the table. It returns the locks that
// were held.
func (t *LockTable) ReleaseAll() []*FileLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	held := t.held
	t.held = nil
	for _, l := range held {
		l.valid = false
	}
	for w := range t.waiters.IterPopFront() {
		w.err = ErrChannelClosed
		close(w.ready)
	}
	return held
}

// Held returns a snapshot of the held locks.
func (t *LockTable) Held() []*FileLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FileLock(nil), t.held...)
}

// Waiting returns the number of blocked requests.
func (t *LockTable) Waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiters.Len()
}

func (t *LockTable) holds(l *FileLock) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indexOf(l) >= 0
}

// overlapping returns held locks other than l that overlap it.
func (t *LockTable) overlapping(l *FileLock) []*FileLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*FileLock
	for _, h := range t.held {
		if h != l && overlaps(h.position, h.size, l.position, l.size) {
			out = append(out, h)
		}
	}
	return out
}

func (t *LockTable) indexOf(l *FileLock) int {
	for i, h := range t.held {
		if h == l {
			return i
		}
	}
	return -1
}

// admissible checks a request against held locks and the first n
// waiters. Must be called with t.mu held.
func (t *LockTable) admissible(position, size int64, shared bool, n int) bool {
	for _, h := range t.held {
		if conflicts(h.position, h.size, h.shared, position, size, shared) {
			return false
		}
	}
	for i := 0; i < n; i++ {
		w := t.waiters.At(i)
		if conflicts(w.position, w.size, w.shared, position, size, shared) {
			return false
		}
	}
	return true
}

func (t *LockTable) grant(position, size int64, shared bool) *FileLock {
	l := &FileLock{
		position: position,
		size:     size,
		shared:   shared,
		table:    t,
		channel:  t.owner,
		valid:    true,
	}
	t.held = append(t.held, l)
	return l
}

func (t *LockTable) grantWaiters() {
	for i := 0; i < t.waiters.Len(); {
		w := t.waiters.At(i)
		if !t.admissible(w.position, w.size, w.shared, i) {
			i++
			continue
		}
		t.waiters.Remove(i)
		w.lock = t.grant(w.position, w.size, w.shared)
		close(w.ready)
	}
}
