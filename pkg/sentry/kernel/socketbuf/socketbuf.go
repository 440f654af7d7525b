// Package socketbuf implements the SocketBuffer (component C1): a pair of
// fixed-size SPSC byte rings — a read-half (host/remote producer, guest
// consumer) and a write-half (guest producer, host/remote consumer) —
// sharing one status word of sticky flags. It is the object handed off to
// the io_uring and RDMA transports once a connection becomes "buffered".
//
// Ring backing storage is allocated from github.com/cloudwego/gopkg's
// power-of-two mempool rather than a bare make([]byte, n): capacity is
// already required to be a power of two by the ring math below, so the
// pool's size classes line up exactly with what this package needs.
package socketbuf

import (
	"sync"
	"sync/atomic"

	"github.com/cloudwego/gopkg/cache/mempool"

	"github.com/quark-sandbox/quark/pkg/waiter"
)

// roundUpPowerOfTwo rounds n up to the next power of two, matching the
// io_uring ring-sizing convention this module also follows.
func roundUpPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	r := uint32(1)
	for r < n {
		r <<= 1
	}
	return r
}

// ring is a single SPSC byte ring. head is the consumer's cursor, tail the
// producer's; both only ever increase (mod 2^32) and are masked on access,
// the standard lock-free SPSC index scheme. Producer and consumer run on
// opposite sides so plain atomic loads/stores give the required
// release/acquire ordering without a mutex on the data path.
type ring struct {
	buf  []byte
	mask uint32

	head atomic.Uint32
	tail atomic.Uint32
}

func newRing(capacity uint32) *ring {
	capacity = roundUpPowerOfTwo(capacity)
	return &ring{
		buf:  mempool.Malloc(int(capacity)),
		mask: capacity - 1,
	}
}

func (r *ring) release() {
	mempool.Free(r.buf)
	r.buf = nil
}

func (r *ring) used() uint32 {
	return r.tail.Load() - r.head.Load()
}

func (r *ring) free() uint32 {
	return uint32(len(r.buf)) - r.used()
}

// producerRegion returns the contiguous free region the producer may write
// into next, without advancing the producer cursor.
func (r *ring) producerRegion() []byte {
	free := r.free()
	if free == 0 {
		return nil
	}
	off := r.tail.Load() & r.mask
	if run := uint32(len(r.buf)) - off; run < free {
		free = run
	}
	return r.buf[off : off+free]
}

// consumerRegion returns the contiguous readable region the consumer may
// read from next, without advancing the consumer cursor.
func (r *ring) consumerRegion() []byte {
	used := r.used()
	if used == 0 {
		return nil
	}
	off := r.head.Load() & r.mask
	if run := uint32(len(r.buf)) - off; run < used {
		used = run
	}
	return r.buf[off : off+used]
}

func (r *ring) advanceProducer(n uint32) { r.tail.Add(n) }
func (r *ring) advanceConsumer(n uint32) { r.head.Add(n) }

// SocketBuffer is the shared SPSC byte-buffer pair described in spec.md
// §3/§4.1. It is refcounted: Clone/Release let the guest socket and the
// host-side producer/consumer each hold a handle, per the design note on
// shared ownership in spec.md §9.
type SocketBuffer struct {
	read  *ring
	write *ring

	mu sync.Mutex // guards the status word below; ring data is lock-free

	err              error
	rClosed          bool
	wClosed          bool
	pendingWShutdown bool

	// consumedRead accumulates bytes the guest has consumed from the
	// read-half since the last GetAndClearConsumeReadData call; this is
	// piggy-backed on RDMA WRITE_IMM as a credit return (spec.md §4.4).
	consumedRead atomic.Uint32

	refs atomic.Int32

	Queue waiter.Queue
}

// New allocates a SocketBuffer with the given per-half capacities (rounded
// up to powers of two).
func New(readCap, writeCap uint32) *SocketBuffer {
	sb := &SocketBuffer{
		read:  newRing(readCap),
		write: newRing(writeCap),
	}
	sb.refs.Store(1)
	return sb
}

// Clone increments the refcount and returns sb, for a second owner (e.g. the
// RDMA transport alongside the guest socket) to hold its own handle.
func (sb *SocketBuffer) Clone() *SocketBuffer {
	sb.refs.Add(1)
	return sb
}

// Release decrements the refcount, freeing the ring backing storage back to
// the mempool once the last handle is dropped.
func (sb *SocketBuffer) Release() {
	if sb.refs.Add(-1) == 0 {
		sb.read.release()
		sb.write.release()
	}
}

// ProduceAndGetFreeReadBuf advances the read-half producer by n and returns
// whether that transitioned the half from empty to non-empty (the caller
// must then Notify EVENT_IN), plus the next contiguous free region.
func (sb *SocketBuffer) ProduceAndGetFreeReadBuf(n uint32) (trigger bool, region []byte) {
	wasEmpty := sb.read.used() == 0
	if n > 0 {
		sb.read.advanceProducer(n)
	}
	return wasEmpty && n > 0, sb.read.producerRegion()
}

// ConsumeAndGetAvailableWriteBuf advances the write-half consumer by n and
// returns whether that transitioned the half from full to non-full (the
// caller must then Notify EVENT_OUT), plus the next contiguous readable
// region for the consumer (host/transport) to send.
func (sb *SocketBuffer) ConsumeAndGetAvailableWriteBuf(n uint32) (trigger bool, region []byte) {
	wasFull := sb.write.free() == 0
	if n > 0 {
		sb.write.advanceConsumer(n)
	}
	isFull := sb.write.free() == 0
	return wasFull && !isFull, sb.write.consumerRegion()
}

// GetFreeReadBuf returns the read-half's current free region without
// advancing anything; the host/transport producer writes here.
func (sb *SocketBuffer) GetFreeReadBuf() []byte { return sb.read.producerRegion() }

// GetAvailableWriteBuf returns the write-half's current readable region
// without advancing anything; the host/transport consumer sends this.
func (sb *SocketBuffer) GetAvailableWriteBuf() []byte { return sb.write.consumerRegion() }

// ReadData returns the region the guest may copy out of (read-half
// consumer side) without advancing.
func (sb *SocketBuffer) ReadData() []byte { return sb.read.consumerRegion() }

// WriteSpace returns the region the guest may copy into (write-half
// producer side) without advancing.
func (sb *SocketBuffer) WriteSpace() []byte { return sb.write.producerRegion() }

// ConsumeRead advances the read-half consumer (a guest recv) by n bytes and
// accumulates the credit-return counter.
func (sb *SocketBuffer) ConsumeRead(n uint32) {
	if n == 0 {
		return
	}
	sb.read.advanceConsumer(n)
	sb.consumedRead.Add(n)
}

// ProduceWrite advances the write-half producer (a guest send) by n bytes.
// Returns whether the half transitioned empty to non-empty — the transport
// must be kicked to start draining it.
func (sb *SocketBuffer) ProduceWrite(n uint32) (trigger bool) {
	wasEmpty := sb.write.used() == 0
	if n > 0 {
		sb.write.advanceProducer(n)
	}
	return wasEmpty && n > 0
}

// GetAndClearConsumeReadData atomically reads and zeros the pending
// "bytes the guest has consumed since last report" counter.
func (sb *SocketBuffer) GetAndClearConsumeReadData() uint32 {
	return sb.consumedRead.Swap(0)
}

// SetErr latches errno. Idempotent: once set, later calls are no-ops, per
// the err-stickiness invariant (spec.md §8, property 2).
func (sb *SocketBuffer) SetErr(e error) {
	sb.mu.Lock()
	if sb.err == nil {
		sb.err = e
	}
	sb.mu.Unlock()
	sb.Queue.Notify(waiter.EventErr | waiter.EventIn)
}

// Err returns the latched error, or nil.
func (sb *SocketBuffer) Err() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.err
}

// SetRClosed latches that the read-half producer will make no further
// progress (peer half-closed, or local shutdown(RD)).
func (sb *SocketBuffer) SetRClosed() {
	sb.mu.Lock()
	sb.rClosed = true
	sb.mu.Unlock()
	sb.Queue.Notify(waiter.AllEvents)
}

// SetWClosed latches that the write-half will accept no further production.
func (sb *SocketBuffer) SetWClosed() {
	sb.mu.Lock()
	sb.wClosed = true
	sb.mu.Unlock()
	sb.Queue.Notify(waiter.AllEvents)
}

// WClosed reports whether the write-half has been latched closed (local
// shutdown(WR) or a terminal error), meaning no further production is
// possible even once space frees up.
func (sb *SocketBuffer) WClosed() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.wClosed
}

// SetPendingWriteShutdown requests that the writer signal
// EVENT_PENDING_SHUTDOWN once the write-half fully drains.
func (sb *SocketBuffer) SetPendingWriteShutdown() {
	sb.mu.Lock()
	sb.pendingWShutdown = true
	empty := sb.write.used() == 0
	sb.mu.Unlock()
	if empty {
		sb.Queue.Notify(waiter.EventPendingShutdown)
	}
}

// checkDrainedShutdown is called by the write-half consumer (the transport)
// after consuming bytes; if a pending shutdown was requested and the
// write-half is now empty, EVENT_PENDING_SHUTDOWN fires.
func (sb *SocketBuffer) checkDrainedShutdown() {
	sb.mu.Lock()
	pending := sb.pendingWShutdown
	empty := sb.write.used() == 0
	sb.mu.Unlock()
	if pending && empty {
		sb.Queue.Notify(waiter.EventPendingShutdown)
	}
}

// NotifyConsumedWrite must be called by every transport after advancing the
// write-half consumer, so a completed shutdown drain is observed.
func (sb *SocketBuffer) NotifyConsumedWrite(trigger bool) {
	if trigger {
		sb.Queue.Notify(waiter.EventOut)
	}
	sb.checkDrainedShutdown()
}

// ReadHalfBacking returns the full backing storage of the read-half ring,
// for registration as an RDMA memory region (the read-half IS the RDMA
// receive buffer of the peer's writes, spec.md §4.4) or an io_uring shared
// buffer. Callers must not resize or reassign the returned slice.
func (sb *SocketBuffer) ReadHalfBacking() []byte { return sb.read.buf }

// WriteHalfBacking returns the full backing storage of the write-half ring,
// for local-only RDMA memory registration (the HCA must locally register
// the source buffer of a WRITE even though its rkey is never shared).
func (sb *SocketBuffer) WriteHalfBacking() []byte { return sb.write.buf }

// HasReadData reports whether the read-half currently holds unread bytes.
func (sb *SocketBuffer) HasReadData() bool { return sb.read.used() > 0 }

// HasWriteData reports whether the write-half currently holds undrained
// bytes.
func (sb *SocketBuffer) HasWriteData() bool { return sb.write.used() > 0 }

// Events composes the current readiness mask per spec.md §4.1.
func (sb *SocketBuffer) Events() waiter.EventMask {
	sb.mu.Lock()
	rClosed, wClosed, err := sb.rClosed, sb.wClosed, sb.err
	sb.mu.Unlock()

	var mask waiter.EventMask
	readUsed := sb.read.used()
	if readUsed > 0 || (rClosed && readUsed == 0) {
		mask |= waiter.EventIn
	}
	if rClosed && readUsed == 0 {
		mask |= waiter.EventHUp
	}
	if !wClosed && sb.write.free() > 0 {
		mask |= waiter.EventOut
	}
	if err != nil {
		mask |= waiter.EventErr | waiter.EventIn
	}
	return mask
}

