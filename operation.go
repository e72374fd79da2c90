package asyncfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Kind identifies the request an Operation carries.
type Kind uint8

const (
	KindRead Kind = iota
	KindWrite
	KindLock
	KindTruncate
	KindSize
	KindForce
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindLock:
		return "lock"
	case KindTruncate:
		return "truncate"
	case KindSize:
		return "size"
	case KindForce:
		return "force"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// State is the lifecycle state of an Operation. Transitions are
// monotonic: Pending may move to Cancelling or to a terminal state,
// Cancelling may only move to a terminal state.
type State int32

const (
	Pending State = iota
	Cancelling
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Cancelling:
		return "cancelling"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s >= Completed
}

// Handler receives the outcome of an Operation. It is called exactly
// once, on whichever goroutine moved the operation into its terminal
// state. err is nil on success, ErrCancelled on cancellation. A read
// at end of file completes with io.EOF.
type Handler[T any] func(result T, err error, attachment any)

// run phases; a queued operation abandoned by Cancel is never run.
const (
	phaseQueued int32 = iota
	phaseRunning
	phaseAbandoned
)

// Operation is one in-flight asynchronous request.
type Operation[T any] struct {
	kind       Kind
	state      atomic.Int32
	phase      atomic.Int32
	ctx        context.Context
	cancel     context.CancelFunc
	result     T
	err        error
	attachment any
	handler    Handler[T]
	done       chan struct{}
	settled    func(State)
	log        *zerolog.Logger
}

func newOperation[T any](kind Kind, attachment any, handler Handler[T], log *zerolog.Logger) *Operation[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Operation[T]{
		kind:       kind,
		ctx:        ctx,
		cancel:     cancel,
		attachment: attachment,
		handler:    handler,
		done:       make(chan struct{}),
		log:        log,
	}
}

// Kind returns the request kind.
func (op *Operation[T]) Kind() Kind { return op.kind }

// State returns the current state.
func (op *Operation[T]) State() State { return State(op.state.Load()) }

// Attachment returns the caller context supplied at submission.
func (op *Operation[T]) Attachment() any { return op.attachment }

// Done returns a channel closed once the operation is terminal.
func (op *Operation[T]) Done() <-chan struct{} { return op.done }

// IsDone reports whether the operation is terminal.
func (op *Operation[T]) IsDone() bool {
	select {
	case <-op.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether the operation ended Cancelled.
func (op *Operation[T]) IsCancelled() bool {
	return op.IsDone() && op.State() == Cancelled
}

// Get blocks until the operation is terminal and returns its outcome.
func (op *Operation[T]) Get() (T, error) {
	<-op.done
	return op.result, op.err
}

// Await is Get bounded by ctx. Expiry of ctx does not cancel the
// operation.
func (op *Operation[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-op.done:
		return op.result, op.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel requests cancellation. It returns false if the operation was
// not Pending. A request that reaches the operation before its work
// starts ends it Cancelled immediately; otherwise the work decides
// the outcome.
func (op *Operation[T]) Cancel() bool {
	if !op.state.CompareAndSwap(int32(Pending), int32(Cancelling)) {
		return false
	}
	op.cancel()
	if op.phase.CompareAndSwap(phaseQueued, phaseAbandoned) {
		var zero T
		op.finish(zero, ErrCancelled)
	}
	return true
}

func (op *Operation[T]) run(fn func(context.Context) (T, error)) {
	if !op.phase.CompareAndSwap(phaseQueued, phaseRunning) {
		return
	}
	v, err := fn(op.ctx)
	op.finish(v, err)
}

// finish performs the terminal transition. Only the goroutine that
// wins the compare-and-swap writes the result slot.
func (op *Operation[T]) finish(v T, err error) bool {
	var to State
	for {
		from := State(op.state.Load())
		if from.Terminal() {
			return false
		}
		switch {
		case err == nil, errors.Is(err, io.EOF):
			to = Completed
		case from == Cancelling && errors.Is(err, context.Canceled):
			to = Cancelled
		default:
			to = Failed
		}
		if op.state.CompareAndSwap(int32(from), int32(to)) {
			break
		}
	}

	switch to {
	case Cancelled:
		var zero T
		op.result, op.err = zero, ErrCancelled
	case Failed:
		var zero T
		op.result, op.err = zero, err
	default:
		op.result, op.err = v, err
	}

	op.cancel()
	// counters are current once Get returns
	if op.settled != nil {
		op.settled(to)
	}
	close(op.done)
	op.deliver()
	return true
}

func (op *Operation[T]) deliver() {
	if op.handler == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil && op.log != nil {
			op.log.Error().
				Str("kind", op.kind.String()).
				Interface("panic", p).
				Msg("completion handler panicked")
		}
	}()
	op.handler(op.result, op.err, op.attachment)
}
