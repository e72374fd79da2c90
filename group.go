package asyncfile

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultPoolSizeEnv overrides the worker count of the default group.
const DefaultPoolSizeEnv = "ASYNCFILE_DEFAULT_POOL_SIZE"

// Pool is the worker pool a Group dispatches operations on.
// *workerpool.WorkerPool satisfies it.
type Pool interface {
	Submit(task func())
	StopWait()
}

// GroupStats counts operations that went through a group.
type GroupStats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
}

// Group owns a worker pool shared by the channels bound to it.
type Group struct {
	noCopy noCopy

	mu         sync.Mutex
	bound      int
	channels   map[*Channel]struct{}
	shutdown   bool
	isDefault  bool
	single     bool
	stopped    bool
	runMu      sync.RWMutex
	pool       Pool
	terminated chan struct{}
	stopOnce   sync.Once
	limiter    *rate.Limiter
	log        zerolog.Logger

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

type groupOptions struct {
	log       zerolog.Logger
	ioLimit   int64
	invalidIO bool
}

// GroupOption configures a Group.
type GroupOption func(*groupOptions)

// WithGroupLogger sets the group logger. Channels bound to the group
// inherit it unless they carry their own.
func WithGroupLogger(log zerolog.Logger) GroupOption {
	return func(o *groupOptions) {
		o.log = log
	}
}

// WithIOLimit caps read and write throughput of the group in bytes
// per second. Zero means unlimited.
func WithIOLimit(bytesPerSec int64) GroupOption {
	return func(o *groupOptions) {
		if bytesPerSec < 0 {
			o.invalidIO = true
			return
		}
		o.ioLimit = bytesPerSec
	}
}

// NewGroup returns a group that owns pool. The pool is stopped when
// the group terminates.
func NewGroup(pool Pool, opts ...GroupOption) (*Group, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrGroupConstruction)
	}
	o := groupOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.invalidIO {
		return nil, fmt.Errorf("%w: negative io limit", ErrGroupConstruction)
	}
	return newGroup(pool, o), nil
}

// NewWorkerGroup returns a group owning a new worker pool of the
// given size.
func NewWorkerGroup(workers int, opts ...GroupOption) (*Group, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%w: worker count %d", ErrGroupConstruction, workers)
	}
	return NewGroup(workerpool.New(workers), opts...)
}

func newGroup(pool Pool, o groupOptions) *Group {
	g := &Group{
		pool:       pool,
		channels:   make(map[*Channel]struct{}),
		terminated: make(chan struct{}),
		log:        o.log,
	}
	if o.ioLimit > 0 {
		burst := int(min(o.ioLimit, int64(1<<30)))
		g.limiter = rate.NewLimiter(rate.Limit(o.ioLimit), burst)
	}
	return g
}

var defaultGroup struct {
	mu sync.Mutex
	g  atomic.Pointer[Group]
}

// newDefaultPool builds the pool behind DefaultGroup.
var newDefaultPool = func() (Pool, error) {
	n := runtime.GOMAXPROCS(0)
	if v, ok := os.LookupEnv(DefaultPoolSizeEnv); ok {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("%s=%q: want a positive integer", DefaultPoolSizeEnv, v)
		}
		n = size
	}
	return workerpool.New(n), nil
}

// DefaultGroup returns the process-wide group, building it on first
// use. Concurrent first callers share one instance. A failed build
// publishes nothing, so a later call tries again.
func DefaultGroup() (*Group, error) {
	if g := defaultGroup.g.Load(); g != nil {
		return g, nil
	}

	defaultGroup.mu.Lock()
	defer defaultGroup.mu.Unlock()

	if g := defaultGroup.g.Load(); g != nil {
		return g, nil
	}

	pool, err := newDefaultPool()
	if err != nil {
		return nil, fmt.Errorf("%w: default group: %w", ErrGroupConstruction, err)
	}

	g := newGroup(pool, groupOptions{log: zerolog.Nop()})
	g.isDefault = true
	defaultGroup.g.Store(g)
	return g, nil
}

// IsDefault reports whether g is the process-wide group.
func (g *Group) IsDefault() bool { return g.isDefault }

func (g *Group) bind(c *Channel) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shutdown {
		return ErrGroupShutdown
	}
	g.bound++
	g.channels[c] = struct{}{}
	return nil
}

func (g *Group) unbind(c *Channel) {
	g.mu.Lock()
	if _, ok := g.channels[c]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.channels, c)
	g.bound--
	teardown := g.bound == 0 && !g.isDefault && (g.single || g.shutdown)
	g.mu.Unlock()

	// Close may run on a pool worker (from a completion handler), and
	// stopping the pool waits for its workers.
	if teardown {
		go g.terminate()
	}
}

// Bound returns the number of open channels bound to g.
func (g *Group) Bound() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bound
}

// Shutdown stops g from accepting channels. The pool is released once
// the last bound channel closes; AwaitTermination observes it.
func (g *Group) Shutdown() error {
	if g.isDefault {
		return illegalState("default group cannot be shut down")
	}

	g.mu.Lock()
	g.shutdown = true
	idle := g.bound == 0
	g.mu.Unlock()

	if idle {
		go g.terminate()
	}
	return nil
}

// ShutdownNow shuts g down and closes every bound channel. It returns
// the first close error.
func (g *Group) ShutdownNow() error {
	if err := g.Shutdown(); err != nil {
		return err
	}

	g.mu.Lock()
	channels := make([]*Channel, 0, len(g.channels))
	for c := range g.channels {
		channels = append(channels, c)
	}
	g.mu.Unlock()

	var eg errgroup.Group
	for _, c := range channels {
		eg.Go(c.Close)
	}
	return eg.Wait()
}

// AwaitTermination blocks until the pool has been released or ctx is
// done.
func (g *Group) AwaitTermination(ctx context.Context) error {
	select {
	case <-g.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown reports whether Shutdown was called.
func (g *Group) IsShutdown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shutdown
}

// IsTerminated reports whether the pool has been released.
func (g *Group) IsTerminated() bool {
	select {
	case <-g.terminated:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of the operation counters.
func (g *Group) Stats() GroupStats {
	return GroupStats{
		Submitted: g.submitted.Load(),
		Completed: g.completed.Load(),
		Failed:    g.failed.Load(),
		Cancelled: g.cancelled.Load(),
	}
}

func (g *Group) terminate() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.shutdown = true
		g.mu.Unlock()

		g.runMu.Lock()
		g.stopped = true
		g.runMu.Unlock()

		g.pool.StopWait()
		close(g.terminated)
		g.log.Debug().Msg("group terminated")
	})
}

// submit hands task to the pool. Channels call it after releasing
// their close barrier, so a concurrent Close can cancel the operation,
// unbind and tear the group down first. Such a task belongs to an
// abandoned operation and runs inline as a no-op instead of reaching a
// stopped pool.
func (g *Group) submit(task func()) {
	g.submitted.Add(1)

	g.runMu.RLock()
	if g.stopped {
		g.runMu.RUnlock()
		task()
		return
	}
	g.pool.Submit(task)
	g.runMu.RUnlock()
}

func (g *Group) record(s State) {
	switch s {
	case Completed:
		g.completed.Add(1)
	case Failed:
		g.failed.Add(1)
	case Cancelled:
		g.cancelled.Add(1)
	}
}

// throttle waits for n bytes of I/O budget.
func (g *Group) throttle(ctx context.Context, n int) error {
	if g.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := min(n, g.limiter.Burst())
		if err := g.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
