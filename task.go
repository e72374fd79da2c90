package asyncfile

import (
	"context"
	"fmt"
	"runtime/trace"
	"strings"

	"github.com/webriots/coro"
)

const (
	taskTraceTaskType   = "asyncfile-task"
	taskTraceRegionType = "asyncfile-region"
	taskTraceCategory   = "asyncfile"
)

// Task is a coroutine run by a Schedule. Its channel methods submit an
// operation and suspend the task until the operation is terminal, so
// sequential code can drive asynchronous I/O. Task methods must only
// be called from the task's own function.
type Task struct {
	ctx     context.Context
	suspend func() ioResult
	resume  func(ioResult) (struct{}, bool)
	cancel  func()
	ioq     *ioQueue
	sched   *Schedule
	parent  *Task
	childn  int
	norun   bool
}

func loop(
	ctx context.Context,
	fn func(context.Context, *Task),
	sched *Schedule,
) {
	var tracer *trace.Task

	ctx, tracer = trace.NewTask(ctx, taskTraceTaskType)
	defer tracer.End()

	program := func(ctx context.Context, task *Task) {
		fn(ctx, task)
		task.Wait()
	}

	t := newTask(ctx, program, nil)
	t.sched = sched
	defer t.cancel()

	trace.Logf(ctx, taskTraceCategory, "LOOP")

	for t.resumez() {
		for pending := 0; t.ioq.len() > 0 || pending > 0; {
			for t.ioq.len() > 0 && pending < ScheduleIOConcurrencyLimit {
				req := t.ioq.pop()
				done := sched.deliver(req)
				if err := req.issue(done); err != nil {
					done(nil, err)
				}
				pending++
			}

			trace.Logf(ctx, taskTraceCategory, "LOOP IO_QUEUED %v IO_PENDING %v", t.ioq.len(), pending)

			resp := sched.next()
			pending--

			task := resp.req.task
			task.Logf("IO RESP %v", resp.out.err)
			task.setnorun(false)
			task.run(resp.out)
		}
	}

	if t.childn > 0 {
		panic("asyncfile: task.childn > 0")
	}

	trace.Log(ctx, taskTraceCategory, "LOOP DONE")
}

func newTask(
	ctx context.Context,
	fn func(context.Context, *Task),
	parent *Task,
) *Task {
	task := &Task{
		parent: parent,
	}

	if task.parent == nil {
		task.ioq = newIOQueue()
	} else {
		task.ioq = task.parent.ioq
		task.sched = task.parent.sched
		task.parent.childn++
	}

	task.ctx = withTaskContext(ctx, task)

	resume, cancel := coro.New(
		func(_ func(struct{}) ioResult, suspend func() ioResult) (z struct{}) {
			region := trace.StartRegion(task.ctx, taskTraceRegionType)

			defer func() {
				if task.parent != nil {
					task.parent.childn--
				}
				region.End()
			}()

			task.suspend = suspend

			fn(task.ctx, task)

			return
		},
	)

	task.resume = resume
	task.cancel = cancel
	return task
}

// Context returns the task context.
func (t *Task) Context() context.Context {
	return t.ctx
}

// Go starts a child task. It runs until its first suspension before Go
// returns.
func (t *Task) Go(fn func(context.Context, *Task)) {
	task := newTask(t.ctx, fn, t)
	task.Log("GO")
	task.resumez()
}

// Wait suspends t until all of its child tasks have finished.
func (t *Task) Wait() {
	t.Log("WAIT")

	if t.childn > 0 {
		t.suspend()
	}
}

func (t *Task) io(issue func(done func(any, error)) error) (any, error) {
	t.Log("IO")

	t.ioq.add(&ioRequest{task: t, issue: issue})
	t.setnorun(true)

	out := t.suspend()
	return out.value, out.err
}

func await[T any](t *Task, issue func(Handler[T]) error) (T, error) {
	v, err := t.io(func(done func(any, error)) error {
		return issue(func(result T, err error, _ any) { done(result, err) })
	})
	result, _ := v.(T)
	return result, err
}

// ReadAt reads into buf from position through c.
func (t *Task) ReadAt(c *Channel, buf []byte, position int64) (int, error) {
	return await(t, func(h Handler[int]) error {
		_, err := c.Read(buf, position, nil, h)
		return err
	})
}

// WriteAt writes buf at position through c.
func (t *Task) WriteAt(c *Channel, buf []byte, position int64) (int, error) {
	return await(t, func(h Handler[int]) error {
		_, err := c.Write(buf, position, nil, h)
		return err
	})
}

// Lock acquires a lock through c.
func (t *Task) Lock(c *Channel, position, size int64, shared bool) (*FileLock, error) {
	return await(t, func(h Handler[*FileLock]) error {
		_, err := c.Lock(position, size, shared, nil, h)
		return err
	})
}

// Size returns the size of c's file.
func (t *Task) Size(c *Channel) (int64, error) {
	return await(t, func(h Handler[int64]) error {
		_, err := c.SizeAsync(nil, h)
		return err
	})
}

// Truncate shrinks c's file to size and returns the resulting size.
func (t *Task) Truncate(c *Channel, size int64) (int64, error) {
	return await(t, func(h Handler[int64]) error {
		_, err := c.TruncateAsync(size, nil, h)
		return err
	})
}

// Force flushes c's file.
func (t *Task) Force(c *Channel, metadata bool) error {
	_, err := await(t, func(h Handler[struct{}]) error {
		_, err := c.ForceAsync(metadata, nil, h)
		return err
	})
	return err
}

func (t *Task) run(out ioResult) {
	t.Log("RUN")

	if _, ok := t.resume(out); ok {
		return
	}

	if t.parent == nil {
		return
	}

	if t.parent.norun {
		return
	}

	if t.parent.childn == 0 {
		t.parent.runz()
	}
}

func (t *Task) resumez() bool {
	_, ok := t.resume(ioResult{})
	return ok
}

func (t *Task) runz() {
	t.run(ioResult{})
}

func (t *Task) setnorun(b bool) {
	t.norun = b
}

// Log records msg as a runtime/trace log entry when tracing is on.
func (t *Task) Log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		taskpath(&sb, t)
		sb.WriteRune(' ')
		sb.WriteString(msg)
		trace.Log(t.ctx, taskTraceCategory, sb.String())
	}
}

// Logf is Log with formatting.
func (t *Task) Logf(format string, args ...any) {
	if trace.IsEnabled() {
		var sb strings.Builder
		taskpath(&sb, t)
		sb.WriteRune(' ')
		fmt.Fprintf(&sb, format, args...)
		trace.Logf(t.ctx, taskTraceCategory, "%s", sb.String())
	}
}

func taskpath(sb *strings.Builder, t *Task) {
	if t == nil {
		return
	}
	taskpath(sb, t.parent)
	fmt.Fprintf(sb, "%p|", t)
}
