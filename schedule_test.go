package asyncfile

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTask(t *testing.T) {
	r := require.New(t)

	g := newTestGroup(t, 4)
	c := openChannel(t, tempFile(t, nil), WithRead(), WithWrite(), WithGroup(g))

	n := 0
	crud := func(_ context.Context, task *Task) {
		for i := 0; i < 10; i++ {
			for j := 0; j < 10; j++ {
				pos := int64(i*10+j) * 8
				task.Go(func(_ context.Context, task *Task) {
					rec := fmt.Sprintf("rec%05d", i*10+j)

					w, err := task.WriteAt(c, []byte(rec), pos)
					r.NoError(err)
					r.Equal(8, w)

					buf := make([]byte, 8)
					rn, err := task.ReadAt(c, buf, pos)
					r.NoError(err)
					r.Equal(rec, string(buf[:rn]))
					n++
				})
			}
		}
	}

	NewSchedule().Run(crud).Resume(context.Background())

	r.Equal(100, n)

	size, err := c.Size()
	r.NoError(err)
	r.Equal(int64(800), size)
}

func TestTaskNested(t *testing.T) {
	r := require.New(t)

	g := newTestGroup(t, 4)
	c := openChannel(t, tempFile(t, make([]byte, 64)), WithRead(), WithGroup(g))

	x, y, z := 0, 0, 0
	nested := func(_ context.Context, task *Task) {
		x++
		for i := 0; i < 10; i++ {
			y++
			task.Go(func(_ context.Context, task *Task) {
				_, err := task.ReadAt(c, make([]byte, 4), int64(i))
				r.NoError(err)

				for k := 0; k < 10; k++ {
					task.Go(func(_ context.Context, task *Task) {
						_, err := task.Size(c)
						r.NoError(err)
						z++
					})
				}
				task.Wait()
				r.Equal(0, task.childn)
			})
		}
		task.Wait()
		r.Equal(100, z)
	}

	NewSchedule().Run(nested).Resume(context.Background())

	r.Equal(1, x)
	r.Equal(10, y)
	r.Equal(100, z)
}

func TestTaskLock(t *testing.T) {
	r := require.New(t)

	// lock waiters occupy a worker each
	g := newTestGroup(t, 8)
	c := openChannel(t, tempFile(t, make([]byte, 16)), WithRead(), WithWrite(), WithGroup(g))

	n := 0
	critical := 0
	locks := func(_ context.Context, task *Task) {
		for i := 0; i < 4; i++ {
			task.Go(func(_ context.Context, task *Task) {
				l, err := task.Lock(c, 0, 16, false)
				r.NoError(err)

				critical++
				r.Equal(1, critical)

				_, err = task.WriteAt(c, []byte(strconv.Itoa(i)), 0)
				r.NoError(err)
				buf := make([]byte, 1)
				_, err = task.ReadAt(c, buf, 0)
				r.NoError(err)
				r.Equal(strconv.Itoa(i), string(buf))

				n++
				critical--
				r.NoError(l.Release())
			})
		}
	}

	NewSchedule().Run(locks).Resume(context.Background())

	r.Equal(4, n)
	r.Empty(c.Locks().Held())
}

func TestTaskSharedLock(t *testing.T) {
	r := require.New(t)

	g := newTestGroup(t, 4)
	c := openChannel(t, tempFile(t, make([]byte, 16)), WithRead(), WithWrite(), WithGroup(g))

	shared := func(_ context.Context, task *Task) {
		var held []*FileLock
		for i := 0; i < 3; i++ {
			task.Go(func(_ context.Context, task *Task) {
				l, err := task.Lock(c, int64(i), 8, true)
				r.NoError(err)
				held = append(held, l)
			})
		}
		task.Wait()

		r.Len(held, 3)
		assertLockInvariant(t, c.Locks().Held())
		for _, l := range held {
			r.NoError(l.Release())
		}
	}

	NewSchedule().Run(shared).Resume(context.Background())

	r.Empty(c.Locks().Held())
}

func TestTaskErrors(t *testing.T) {
	r := require.New(t)

	g := newTestGroup(t, 2)
	c := openChannel(t, tempFile(t, []byte("abc")), WithRead(), WithWrite(), WithGroup(g))

	errs := func(_ context.Context, task *Task) {
		_, err := task.ReadAt(c, make([]byte, 1), -1)
		r.ErrorIs(err, ErrInvalidArgument)

		_, err = task.ReadAt(c, make([]byte, 1), 10)
		r.ErrorIs(err, io.EOF)

		size, err := task.Truncate(c, 1)
		r.NoError(err)
		r.Equal(int64(1), size)

		r.NoError(task.Force(c, true))

		r.NoError(c.Close())

		_, err = task.WriteAt(c, []byte("x"), 0)
		r.ErrorIs(err, ErrChannelClosed)

		_, err = task.Lock(c, 0, 1, false)
		r.ErrorIs(err, ErrChannelClosed)
	}

	NewSchedule().Run(errs).Resume(context.Background())
}

func TestTaskFromContext(t *testing.T) {
	r := require.New(t)

	g := newTestGroup(t, 2)
	c := openChannel(t, tempFile(t, []byte("hello")), WithRead(), WithGroup(g))

	_, ok := TaskFromContext(context.Background())
	r.False(ok)
	r.Panics(func() { MustTaskFromContext(context.Background()) })

	var got string
	NewSchedule().Go(func(ctx context.Context) {
		task, ok := TaskFromContext(ctx)
		r.True(ok)
		r.Same(task, MustTaskFromContext(task.Context()))

		buf := make([]byte, 5)
		n, err := task.ReadAt(c, buf, 0)
		r.NoError(err)
		got = string(buf[:n])
	}).Resume(context.Background())

	r.Equal("hello", got)
}
