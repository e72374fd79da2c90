package asyncfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/webriots/asyncfile/rawfile"
)

// queuePool holds submitted tasks until run is called.
type queuePool struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool
}

func (p *queuePool) Submit(task func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		panic("queuePool: submit after stop")
	}
	p.tasks = append(p.tasks, task)
}

func (p *queuePool) StopWait() {
	p.run()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *queuePool) run() {
	for {
		p.mu.Lock()
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()
		task()
	}
}

func (p *queuePool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func tempFile(t *testing.T, content []byte) *rawfile.File {
	t.Helper()
	name := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(name, content, 0o644))
	f, err := rawfile.Open(name, os.O_RDWR, 0)
	require.NoError(t, err)
	return f
}

func newTestGroup(t *testing.T, workers int) *Group {
	t.Helper()
	g, err := NewWorkerGroup(workers)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.ShutdownNow() })
	return g
}

func openChannel(t *testing.T, file File, opts ...Option) *Channel {
	t.Helper()
	c, err := Open(file, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// resetDefaultGroup clears the process-wide group for the duration of
// the test.
func resetDefaultGroup(t *testing.T) {
	t.Helper()
	prev := defaultGroup.g.Swap(nil)
	prevPool := newDefaultPool
	t.Cleanup(func() {
		defaultGroup.g.Store(prev)
		newDefaultPool = prevPool
	})
}

func assertLockInvariant(t *testing.T, held []*FileLock) {
	t.Helper()
	for i, a := range held {
		for _, b := range held[i+1:] {
			if a.Overlaps(b.position, b.size) {
				require.True(t, a.Shared() && b.Shared(), "overlapping %v and %v", a, b)
			}
		}
	}
}
