package synckit

import (
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

// DefaultMaxQueueSize bounds the operation queue.
const DefaultMaxQueueSize = 10000

type queuedOp struct {
	op         *SyncOperation
	enqueuedAt time.Time
}

// operationQueue is a bounded two-lane FIFO. Critical operations go to the head
// lane and are always dequeued before the rest; each lane keeps submission order.
//
// A buffered signal channel (size 1) lets workers wait with select alongside
// ctx.Done().
type operationQueue struct {
	mu       sync.Mutex
	critical []queuedOp
	normal   []queuedOp
	maxSize  int
	closed   bool
	signal   chan struct{}
	now      func() time.Time
}

func newOperationQueue(maxSize int, now func() time.Time) *operationQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	if now == nil {
		now = time.Now
	}
	return &operationQueue{
		critical: make([]queuedOp, 0, 16),
		normal:   make([]queuedOp, 0, 64),
		maxSize:  maxSize,
		signal:   make(chan struct{}, 1),
		now:      now,
	}
}

// Enqueue adds op to its lane. force skips the capacity check; it is used for
// retries of work that was already admitted.
func (q *operationQueue) Enqueue(op *SyncOperation, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return syncErrors.E(syncErrors.OpEnqueue, syncErrors.Component("queue"), syncErrors.KindInternal, syncErrors.ErrEngineClosed)
	}
	if !force && len(q.critical)+len(q.normal) >= q.maxSize {
		return syncErrors.NewCapacityError(q.maxSize)
	}

	item := queuedOp{op: op, enqueuedAt: q.now()}
	if op.Priority == PriorityCritical {
		q.critical = append(q.critical, item)
	} else {
		q.normal = append(q.normal, item)
	}
	q.notify()
	return nil
}

// notify signals availability without blocking; the buffer of 1 coalesces signals.
func (q *operationQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryDequeue pops the next operation without blocking.
func (q *operationQueue) TryDequeue() (*SyncOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var item queuedOp
	switch {
	case len(q.critical) > 0:
		item, q.critical = popFront(q.critical)
	case len(q.normal) > 0:
		item, q.normal = popFront(q.normal)
	default:
		return nil, false
	}

	// Coalesced signals would otherwise leave other idle workers asleep.
	if !q.closed && len(q.critical)+len(q.normal) > 0 {
		q.notify()
	}
	return item.op, true
}

func popFront(lane []queuedOp) (queuedOp, []queuedOp) {
	item := lane[0]
	lane[0] = queuedOp{}
	if len(lane) == 1 {
		return item, lane[:0]
	}
	return item, lane[1:]
}

// Remove drops a queued operation by id.
func (q *operationQueue) Remove(id string) (*SyncOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lane := range []*[]queuedOp{&q.critical, &q.normal} {
		for i, item := range *lane {
			if item.op.ID == id {
				*lane = append((*lane)[:i], (*lane)[i+1:]...)
				return item.op, true
			}
		}
	}
	return nil, false
}

// Wait returns a channel that signals when operations may be available. It is
// closed by Close.
func (q *operationQueue) Wait() <-chan struct{} {
	return q.signal
}

// Status reports the queue length and the enqueue time of the oldest item.
func (q *operationQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStatus{Size: len(q.critical) + len(q.normal)}
	for _, lane := range [][]queuedOp{q.critical, q.normal} {
		if len(lane) > 0 && (st.Oldest.IsZero() || lane[0].enqueuedAt.Before(st.Oldest)) {
			st.Oldest = lane[0].enqueuedAt
		}
	}
	return st
}

// Len returns the current queue length.
func (q *operationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.critical) + len(q.normal)
}

// Close rejects further enqueues and wakes every waiter.
func (q *operationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
