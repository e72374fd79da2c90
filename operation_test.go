package asyncfile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webriots/asyncfile/rawfile"
)

func TestOperationExactlyOnce(t *testing.T) {
	r := require.New(t)

	g := newTestGroup(t, 8)
	c := openChannel(t, tempFile(t, make([]byte, 4096)), WithRead(), WithGroup(g))

	const n = 500
	var (
		wg    sync.WaitGroup
		calls [n]atomic.Int32
		ops   [n]*Operation[int]
	)
	wg.Add(n)
	for i := range n {
		op, err := c.Read(make([]byte, 8), int64(i), i, func(_ int, _ error, attachment any) {
			calls[attachment.(int)].Add(1)
			wg.Done()
		})
		r.NoError(err)
		ops[i] = op
		if i%2 == 0 {
			go op.Cancel()
		}
	}
	wg.Wait()

	for i, op := range ops {
		_, err := op.Get()
		r.Equal(int32(1), calls[i].Load())
		switch op.State() {
		case Completed:
			r.NoError(err)
		case Cancelled:
			r.ErrorIs(err, ErrCancelled)
			r.ErrorIs(err, context.Canceled)
		default:
			r.Failf("unexpected state", "op %d: %v", i, op.State())
		}
	}

	stats := g.Stats()
	r.Equal(uint64(n), stats.Submitted)
	r.Equal(uint64(n), stats.Completed+stats.Cancelled)
	r.Zero(stats.Failed)
}

func TestOperationCancelBeforeStart(t *testing.T) {
	r := require.New(t)

	pool := new(queuePool)
	c := openChannel(t, tempFile(t, []byte("0123456789")), WithRead(), WithPool(pool))

	var calls atomic.Int32
	op, err := c.Read(make([]byte, 4), 0, "attached", func(n int, err error, attachment any) {
		calls.Add(1)
		r.Zero(n)
		r.ErrorIs(err, ErrCancelled)
		r.Equal("attached", attachment)
	})
	r.NoError(err)
	r.Equal(Pending, op.State())
	r.Equal(KindRead, op.Kind())
	r.False(op.IsDone())

	r.True(op.Cancel())
	r.Equal(Cancelled, op.State())
	r.True(op.IsCancelled())
	r.False(op.Cancel())

	pool.run()

	_, err = op.Get()
	r.ErrorIs(err, ErrCancelled)
	r.Equal(int32(1), calls.Load())
	r.Equal(uint64(1), c.Group().Stats().Cancelled)
}

func TestOperationCancelWhileRunning(t *testing.T) {
	r := require.New(t)

	ff := rawfile.NewFaulty(tempFile(t, []byte("0123456789")))
	gate := make(chan struct{})
	ff.Set(rawfile.Fault{Gate: gate})

	g := newTestGroup(t, 2)
	c := openChannel(t, ff, WithRead(), WithGroup(g))

	buf := make([]byte, 4)
	op, err := c.Read(buf, 2, nil, nil)
	r.NoError(err)

	r.Eventually(func() bool { return ff.Calls("ReadAt") == 1 }, time.Second, time.Millisecond)

	r.True(op.Cancel())
	r.Equal(Cancelling, op.State())

	close(gate)

	n, err := op.Get()
	r.NoError(err)
	r.Equal(4, n)
	r.Equal("2345", string(buf))
	r.Equal(Completed, op.State())
	r.False(op.Cancel())
}

func TestOperationCancelLockWait(t *testing.T) {
	r := require.New(t)

	g := newTestGroup(t, 2)
	c := openChannel(t, tempFile(t, make([]byte, 100)), WithRead(), WithWrite(), WithGroup(g))

	held, err := c.TryLock(0, 100, false)
	r.NoError(err)

	op, err := c.Lock(10, 10, false, nil, nil)
	r.NoError(err)
	r.Eventually(func() bool { return c.Locks().Waiting() == 1 }, time.Second, time.Millisecond)

	r.True(op.Cancel())
	l, err := op.Get()
	r.Nil(l)
	r.ErrorIs(err, ErrCancelled)
	r.Equal(Cancelled, op.State())
	r.Zero(c.Locks().Waiting())

	r.NoError(held.Release())
	r.Empty(c.Locks().Held())
}

func TestOperationAwait(t *testing.T) {
	r := require.New(t)

	pool := new(queuePool)
	c := openChannel(t, tempFile(t, []byte("abc")), WithRead(), WithPool(pool))

	op, err := c.SizeAsync(nil, nil)
	r.NoError(err)
	r.Equal(KindSize, op.Kind())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = op.Await(ctx)
	r.ErrorIs(err, context.DeadlineExceeded)
	r.Equal(Pending, op.State())

	pool.run()

	size, err := op.Await(context.Background())
	r.NoError(err)
	r.Equal(int64(3), size)
	r.Equal(Completed, op.State())
}

func TestOperationHandlerPanic(t *testing.T) {
	r := require.New(t)

	g := newTestGroup(t, 1)
	c := openChannel(t, tempFile(t, []byte("abc")), WithRead(), WithGroup(g))

	op, err := c.Read(make([]byte, 3), 0, nil, func(int, error, any) {
		panic("handler failure")
	})
	r.NoError(err)

	n, err := op.Get()
	r.NoError(err)
	r.Equal(3, n)

	op, err = c.Read(make([]byte, 1), 0, nil, nil)
	r.NoError(err)
	n, err = op.Get()
	r.NoError(err)
	r.Equal(1, n)
}

func TestOperationFailedState(t *testing.T) {
	r := require.New(t)

	ff := rawfile.NewFaulty(tempFile(t, []byte("abc")))
	ff.Set(rawfile.Fault{FailWrite: true})

	g := newTestGroup(t, 1)
	c := openChannel(t, ff, WithWrite(), WithGroup(g))

	var got error
	done := make(chan struct{})
	op, err := c.Write([]byte("x"), 0, nil, func(_ int, err error, _ any) {
		got = err
		close(done)
	})
	r.NoError(err)
	<-done

	r.Equal(Failed, op.State())
	r.ErrorIs(got, rawfile.ErrInjected)

	var ioe *IOError
	r.True(errors.As(got, &ioe))
	r.Equal("write", ioe.Op)
	r.Equal(uint64(1), g.Stats().Failed)
}

func TestStateString(t *testing.T) {
	r := require.New(t)

	r.Equal("pending", Pending.String())
	r.Equal("cancelling", Cancelling.String())
	r.Equal("cancelled", Cancelled.String())
	r.False(Cancelling.Terminal())
	r.True(Failed.Terminal())
	r.Equal("truncate", KindTruncate.String())
	r.Equal("force", KindForce.String())
}
