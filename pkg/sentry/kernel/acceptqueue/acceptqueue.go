// Package acceptqueue implements the AcceptQueue (component C2): a bounded
// FIFO of accepted-but-unclaimed connections with a latched error.
//
// Capacity is enforced with golang.org/x/sync/semaphore rather than a
// hand-rolled condition variable: EnqSocket's "no-trigger on full" contract
// is exactly a TryAcquire that fails closed. No blocking enqueue is
// provided; Acquire is used only when SetQueueLen resizes the queue.
package acceptqueue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/quark-sandbox/quark/pkg/sentry/kernel/socketbuf"
	"github.com/quark-sandbox/quark/pkg/waiter"
)

// AcceptItem is one accepted-but-unclaimed connection.
type AcceptItem struct {
	FD      int
	Addr    []byte
	AddrLen uint32
	SockBuf *socketbuf.SocketBuffer // nil for a plain (non-buffered) accept
}

// AcceptQueue is the bounded FIFO described in spec.md §3/§4.2.
type AcceptQueue struct {
	mu    sync.Mutex
	sem   *semaphore.Weighted
	items chan AcceptItem
	err   error

	Queue waiter.Queue
}

// New creates an AcceptQueue with the given capacity.
func New(capacity int) *AcceptQueue {
	if capacity <= 0 {
		capacity = 5
	}
	return &AcceptQueue{
		sem:   semaphore.NewWeighted(int64(capacity)),
		items: make(chan AcceptItem, capacity),
	}
}

// EnqSocket pushes item if there is space, returning (trigger, hasSpaceAfter).
// trigger is true iff the queue transitioned empty→non-empty (EVENT_IN must
// be raised). On a full queue, nothing is dropped: the call just reports no
// trigger and no space, matching spec.md §4.2 and the capacity invariant in
// §8 property 7.
func (aq *AcceptQueue) EnqSocket(item AcceptItem) (trigger bool, hasSpaceAfter bool) {
	if !aq.sem.TryAcquire(1) {
		return false, false
	}

	aq.mu.Lock()
	wasEmpty := len(aq.items) == 0
	aq.mu.Unlock()

	aq.items <- item
	if wasEmpty {
		aq.Queue.Notify(waiter.EventIn)
	}
	return wasEmpty, len(aq.items) < cap(aq.items)
}

// TryDequeue pops the oldest item, if any.
func (aq *AcceptQueue) TryDequeue() (AcceptItem, bool) {
	select {
	case item := <-aq.items:
		aq.sem.Release(1)
		return item, true
	default:
		return AcceptItem{}, false
	}
}

// Dequeue blocks (respecting ctx) until an item is available or ctx is done.
func (aq *AcceptQueue) Dequeue(ctx context.Context) (AcceptItem, error) {
	select {
	case item := <-aq.items:
		aq.sem.Release(1)
		return item, nil
	case <-ctx.Done():
		return AcceptItem{}, ctx.Err()
	}
}

// Len reports the current queue length.
func (aq *AcceptQueue) Len() int { return len(aq.items) }

// SetErr latches err; future reads surface EVENT_ERR|EVENT_IN and no
// further enqueues occur (the semaphore is drained to zero permits, a
// commonly-EMFILE-from-accept4 condition per spec.md §7).
func (aq *AcceptQueue) SetErr(err error) {
	aq.mu.Lock()
	if aq.err == nil {
		aq.err = err
	}
	for aq.sem.TryAcquire(1) {
	}
	aq.mu.Unlock()
	aq.Queue.Notify(waiter.EventErr | waiter.EventIn)
}

// Err returns the latched error, or nil.
func (aq *AcceptQueue) Err() error {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	return aq.err
}

// SetQueueLen resizes the queue at listen/re-listen time. Existing items are
// preserved; a shrink below the current length is clamped to the current
// length (never drops data). This backs the "re-listen resizes instead of
// re-listening on the host" behavior in SPEC_FULL.md's supplemented
// features.
func (aq *AcceptQueue) SetQueueLen(n int) {
	if n <= 0 {
		n = 5
	}
	aq.mu.Lock()
	defer aq.mu.Unlock()

	cur := len(aq.items)
	if n < cur {
		n = cur
	}
	if n == cap(aq.items) {
		return
	}

	newItems := make(chan AcceptItem, n)
	for i := 0; i < cur; i++ {
		newItems <- <-aq.items
	}
	aq.items = newItems
	aq.sem = semaphore.NewWeighted(int64(n))
	if cur > 0 {
		if err := aq.sem.Acquire(context.Background(), int64(cur)); err != nil {
			panic(err)
		}
	}
}

// Events composes the readiness mask: EVENT_IN if non-empty or errored.
func (aq *AcceptQueue) Events() waiter.EventMask {
	var mask waiter.EventMask
	if len(aq.items) > 0 {
		mask |= waiter.EventIn
	}
	if aq.Err() != nil {
		mask |= waiter.EventErr | waiter.EventIn
	}
	return mask
}
