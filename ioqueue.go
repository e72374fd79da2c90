package asyncfile

// ioRequest is an operation a Task is suspended on. issue submits the
// operation with done as its completion callback, or fails
// synchronously.
type ioRequest struct {
	task  *Task
	issue func(done func(any, error)) error
}

// ioResult is the value a suspended Task is resumed with.
type ioResult struct {
	value any
	err   error
}

type ioResponse struct {
	req *ioRequest
	out ioResult
}

// ioQueue holds requests issued by the tasks of one loop that have
// not been submitted yet.
type ioQueue struct {
	requests []*ioRequest
}

func newIOQueue() *ioQueue {
	return new(ioQueue)
}

func (q *ioQueue) add(reqs ...*ioRequest) {
	q.requests = append(q.requests, reqs...)
}

func (q *ioQueue) pop() *ioRequest {
	req := q.requests[0]
	q.requests[0] = nil
	q.requests = q.requests[1:]
	return req
}

func (q *ioQueue) len() int {
	return len(q.requests)
}
