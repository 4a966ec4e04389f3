package stream

import (
	"sync"

	"github.com/roach88/chainlog/internal/ir"
)

// entryQueue is a bounded, thread-safe FIFO of committed transactions.
//
// Pushing past capacity closes the queue with ErrLagged instead of
// blocking the publisher. After Close, queued entries can still be popped;
// Err reports why the queue closed.
//
// The signal channel enables context-aware waiting in Subscription.Next.
type entryQueue struct {
	mu      sync.Mutex
	entries []ir.CommittedTransaction
	limit   int
	err     error
	signal  chan struct{} // buffered, size 1
}

func newEntryQueue(limit int) *entryQueue {
	return &entryQueue{
		entries: make([]ir.CommittedTransaction, 0, min(limit, 64)),
		limit:   limit,
		signal:  make(chan struct{}, 1),
	}
}

// Push appends e. Returns false if the queue is closed or just overflowed.
func (q *entryQueue) Push(e ir.CommittedTransaction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return false
	}
	if len(q.entries) >= q.limit {
		q.closeLocked(ErrLagged)
		return false
	}

	q.entries = append(q.entries, e)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes and returns the front entry without blocking.
func (q *entryQueue) TryPop() (ir.CommittedTransaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return ir.CommittedTransaction{}, false
	}

	e := q.entries[0]
	// Release Raw and decoded bytes held by the backing array.
	q.entries[0] = ir.CommittedTransaction{}
	if len(q.entries) == 1 {
		q.entries = q.entries[:0]
	} else {
		q.entries = q.entries[1:]
	}
	return e, true
}

// Wait returns a channel that signals when entries may be available.
// It is closed when the queue closes.
func (q *entryQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued entries.
func (q *entryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Err returns the reason the queue closed, or nil while open.
func (q *entryQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Close closes the queue with err. Only the first call has an effect.
func (q *entryQueue) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked(err)
}

// Discard closes the queue and drops whatever it holds.
func (q *entryQueue) Discard(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked(err)
	q.entries = nil
}

func (q *entryQueue) closeLocked(err error) {
	if q.err != nil {
		return
	}
	q.err = err
	close(q.signal) // wakes all waiters
}
