package rawfile

import (
	"errors"
	"sync"
	"time"

	"code.hybscloud.com/iox"
)

// ErrInjected is the default error returned by a Faulty handle.
var ErrInjected = errors.New("rawfile: injected fault")

// Fault describes the failures a Faulty handle injects.
type Fault struct {
	Err error // returned by failing calls; ErrInjected if nil

	FailRead     bool
	FailWrite    bool
	FailSize     bool
	FailTruncate bool
	FailSync     bool
	FailLock     bool
	FailClose    bool

	// LockBusy makes the next LockBusy TryLockRange calls report
	// iox.ErrWouldBlock.
	LockBusy int

	// Delay is slept before every read and write.
	Delay time.Duration

	// Gate, if set, blocks reads and writes until it is closed.
	Gate chan struct{}
}

// Faulty wraps a Handle and injects faults.
type Faulty struct {
	Handle

	mu    sync.Mutex
	fault Fault
	calls map[string]int
}

// NewFaulty wraps h with no faults set.
func NewFaulty(h Handle) *Faulty {
	return &Faulty{Handle: h, calls: make(map[string]int)}
}

// Set replaces the injected faults.
func (f *Faulty) Set(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fault = fault
}

// Calls returns how many times the named method was called.
func (f *Faulty) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Faulty) enter(method string) Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.fault
}

func (fault Fault) err() error {
	if fault.Err != nil {
		return fault.Err
	}
	return ErrInjected
}

func (fault Fault) wait() {
	if fault.Delay > 0 {
		time.Sleep(fault.Delay)
	}
	if fault.Gate != nil {
		<-fault.Gate
	}
}

func (f *Faulty) ReadAt(p []byte, off int64) (int, error) {
	fault := f.enter("ReadAt")
	fault.wait()
	if fault.FailRead {
		return 0, fault.err()
	}
	return f.Handle.ReadAt(p, off)
}

func (f *Faulty) WriteAt(p []byte, off int64) (int, error) {
	fault := f.enter("WriteAt")
	fault.wait()
	if fault.FailWrite {
		return 0, fault.err()
	}
	return f.Handle.WriteAt(p, off)
}

func (f *Faulty) Size() (int64, error) {
	if fault := f.enter("Size"); fault.FailSize {
		return 0, fault.err()
	}
	return f.Handle.Size()
}

func (f *Faulty) Truncate(size int64) error {
	if fault := f.enter("Truncate"); fault.FailTruncate {
		return fault.err()
	}
	return f.Handle.Truncate(size)
}

func (f *Faulty) Sync(metadata bool) error {
	if fault := f.enter("Sync"); fault.FailSync {
		return fault.err()
	}
	return f.Handle.Sync(metadata)
}

func (f *Faulty) TryLockRange(position, size int64, shared bool) error {
	f.mu.Lock()
	f.calls["TryLockRange"]++
	fault := f.fault
	if f.fault.LockBusy > 0 {
		f.fault.LockBusy--
	}
	f.mu.Unlock()

	switch {
	case fault.LockBusy > 0:
		return iox.ErrWouldBlock
	case fault.FailLock:
		return fault.err()
	}
	return f.Handle.TryLockRange(position, size, shared)
}

func (f *Faulty) UnlockRange(position, size int64) error {
	f.enter("UnlockRange")
	return f.Handle.UnlockRange(position, size)
}

func (f *Faulty) Close() error {
	fault := f.enter("Close")
	err := f.Handle.Close()
	if fault.FailClose {
		return fault.err()
	}
	return err
}
