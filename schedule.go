package asyncfile

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

const (
	// ScheduleIOConcurrencyLimit is the maximum number of operations a
	// single Resume keeps in flight. Further requests stay queued.
	ScheduleIOConcurrencyLimit = 128
)

// Schedule drives Tasks: coroutines that issue channel operations and
// are suspended until those operations complete. All tasks of one
// Resume run on the calling goroutine, one at a time.
type Schedule struct {
	mu        sync.Mutex
	responses deque.Deque[*ioResponse]
	notify    chan struct{}
}

// NewSchedule returns an empty Schedule.
func NewSchedule() *Schedule {
	return &Schedule{notify: make(chan struct{}, 1)}
}

// Resumable is a root task bound to a Schedule, started by Resume.
type Resumable struct {
	fn    func(context.Context, *Task)
	sched *Schedule
}

// Run creates a Resumable from a function that takes a context and a
// Task.
func (s *Schedule) Run(fn func(context.Context, *Task)) *Resumable {
	return &Resumable{fn: fn, sched: s}
}

// Go creates a Resumable from a function that only takes a context.
// The Task is available through TaskFromContext.
func (s *Schedule) Go(fn func(context.Context)) *Resumable {
	return s.Run(s.Fn(fn))
}

// Resume runs the root task and every task it spawns to completion.
func (r *Resumable) Resume(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop(rctx, r.fn, r.sched)
}

// Fn adapts a context-only function to the Task-based signature.
func (s *Schedule) Fn(fn func(context.Context)) func(context.Context, *Task) {
	return func(ctx context.Context, _ *Task) { fn(ctx) }
}

// deliver returns the completion callback for req. It runs on pool
// goroutines and never blocks.
func (s *Schedule) deliver(req *ioRequest) func(any, error) {
	return func(v any, err error) {
		s.mu.Lock()
		s.responses.PushBack(&ioResponse{req: req, out: ioResult{value: v, err: err}})
		s.mu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// next blocks until a response is available.
func (s *Schedule) next() *ioResponse {
	for {
		s.mu.Lock()
		if s.responses.Len() > 0 {
			resp := s.responses.PopFront()
			s.mu.Unlock()
			return resp
		}
		s.mu.Unlock()
		<-s.notify
	}
}
