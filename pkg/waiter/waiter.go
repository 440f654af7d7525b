// Package waiter implements the edge-triggered event queue (component C6)
// shared by every socket variant and the AcceptQueue: a mask-filtered
// subscriber list that fans a Notify(mask) out to every registered entry
// whose interest intersects the mask.
package waiter

import (
	"sync"

	"github.com/google/btree"
	"golang.org/x/exp/slices"
)

// EventMask is a bitmask of readiness events, matching the poll(2)-flavored
// bits the socket layer and AcceptQueue compose in their Events() methods.
type EventMask uint64

const (
	EventIn             EventMask = 1 << iota // readable data available
	EventOut                                  // writable space available
	EventErr                                  // latched error
	EventHUp                                  // read-half closed and drained
	EventPendingShutdown                      // write-half shutdown pending drain

	AllEvents = EventIn | EventOut | EventErr | EventHUp | EventPendingShutdown
)

// EntryCallback receives notification of an event. Implementations must not
// block or call back into the Queue that is notifying them.
type EntryCallback interface {
	NotifyEvent(mask EventMask)
}

// Entry represents a waiter that may be entered into an event queue of a
// notifier. Entries are the same object across registration calls, so
// Queue.EventUnregister can find the matching entry in the subscriber tree.
type Entry struct {
	Callback EntryCallback
	Mask     EventMask

	seq int64 // monotonic registration sequence, assigned by Queue
}

// ChannelEntry is an Entry whose callback sends on a channel, the pattern
// used by every blocking operation in the socket state machine (Connect,
// Accept, RecvMsg/SendMsg's buffered retry loop).
type ChannelEntry struct {
	Entry
	Ch chan struct{}
}

func (c *ChannelEntry) NotifyEvent(EventMask) {
	select {
	case c.Ch <- struct{}{}:
	default:
	}
}

// NewChannelEntry returns an Entry/channel pair ready for EventRegister. A
// nil ch argument allocates a fresh 1-buffered channel, mirroring the
// gvisor-derived idiom of reusing a channel across a retry loop: a non-nil
// ch is used as the new entry's channel. The entry's Callback is the
// ChannelEntry itself.
func NewChannelEntry(ch chan struct{}) (*ChannelEntry, chan struct{}) {
	if ch == nil {
		ch = make(chan struct{}, 1)
	}
	ce := &ChannelEntry{Ch: ch}
	ce.Callback = ce
	return ce, ch
}

// Queue is the per-object event set. The zero value is usable.
type Queue struct {
	mu      sync.Mutex
	entries *btree.BTreeG[*Entry]
	nextSeq int64
}

func lessEntry(a, b *Entry) bool {
	return a.seq < b.seq
}

func (q *Queue) init() {
	if q.entries == nil {
		q.entries = btree.NewG(32, lessEntry)
	}
}

// EventRegister adds entry to the notification set for the events in
// entry.Mask. Idempotent: registering the same *Entry twice only updates its
// mask and does not duplicate the subscription.
func (q *Queue) EventRegister(entry *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.init()
	if entry.seq == 0 {
		q.nextSeq++
		entry.seq = q.nextSeq
	}
	q.entries.ReplaceOrInsert(entry)
}

// EventUnregister removes entry from the notification set. Double-unregister
// is a no-op.
func (q *Queue) EventUnregister(entry *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.init()
	if entry.seq == 0 {
		return
	}
	q.entries.Delete(entry)
}

// Notify wakes every entry whose interest intersects mask, in registration
// order.
func (q *Queue) Notify(mask EventMask) {
	q.mu.Lock()
	q.init()
	var woken []*Entry
	q.entries.Ascend(func(e *Entry) bool {
		if e.Mask&mask != 0 {
			woken = append(woken, e)
		}
		return true
	})
	q.mu.Unlock()

	for _, e := range woken {
		e.Callback.NotifyEvent(mask & e.Mask)
	}
}

// Len reports the number of registered entries, for debug dumps.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.init()
	return q.entries.Len()
}

// DebugMasks returns every registered entry's interest mask, sorted, for a
// deterministic debug dump independent of registration order.
func (q *Queue) DebugMasks() []EventMask {
	q.mu.Lock()
	q.init()
	var masks []EventMask
	q.entries.Ascend(func(e *Entry) bool {
		masks = append(masks, e.Mask)
		return true
	})
	q.mu.Unlock()

	slices.Sort(masks)
	return masks
}
