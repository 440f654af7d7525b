package quring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

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

// Option configures Ring construction, the functional-options idiom used
// throughout the retrieval pack's pure-Go io_uring client.
type Option func(*Params)

// WithCQSize requests an explicit completion-queue size rather than the
// kernel default of 2x the submission queue.
func WithCQSize(n uint32) Option {
	return func(p *Params) {
		p.Flags |= SetupCQSize
		p.CqEntries = n
	}
}

// Ring owns one io_uring instance: the kernel fd plus the mmap'd SQ/CQ
// regions and SQE array.
type Ring struct {
	fd     int
	params Params

	sqRing []byte
	cqRing []byte
	sqes   []byte // mmap'd SQE array, length params.SqEntries*sqeSize

	sqHead, sqTail, sqMask, sqDropped *atomic32
	cqHead, cqTail, cqMask, cqOverflow *atomic32
	sqArray                            []uint32
}

type atomic32 = uint32

func ptrAt(region []byte, off uint32) *atomic32 {
	return (*atomic32)(unsafe.Pointer(&region[off]))
}

// New creates an io_uring instance with the given submission-queue entry
// count (rounded up to a power of two), applying opts.
func New(entries uint32, opts ...Option) (*Ring, error) {
	var params Params
	for _, o := range opts {
		o(&params)
	}

	entries = roundUpPowerOfTwo(entries)
	fd, err := setup(entries, &params)
	if err != nil {
		return nil, err
	}

	r := &Ring{fd: fd, params: params}
	if err := r.mapRings(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

func (r *Ring) mapRings() error {
	sqRingSize := int(r.params.SqOff.Array) + int(r.params.SqEntries)*4

	sqRing, err := unix.Mmap(r.fd, int64(OffSQRing), sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("quring: mmap sq ring: %w", err)
	}
	r.sqRing = sqRing

	var cqRing []byte
	if r.params.Features&FeatSingleMmap != 0 {
		cqRing = sqRing
	} else {
		cqRingSize := int(r.params.CqOff.Cqes) + int(r.params.CqEntries)*int(cqeSize)
		cqRing, err = unix.Mmap(r.fd, int64(OffCQRing), cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqRing)
			return fmt.Errorf("quring: mmap cq ring: %w", err)
		}
	}
	r.cqRing = cqRing

	sqesSize := int(r.params.SqEntries) * int(sqeSize)
	sqes, err := unix.Mmap(r.fd, int64(OffSQEs), sqesSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		if cqRing2 := r.cqRing; len(cqRing2) > 0 && &cqRing2[0] != &sqRing[0] {
			unix.Munmap(cqRing2)
		}
		unix.Munmap(sqRing)
		return fmt.Errorf("quring: mmap sqes: %w", err)
	}
	r.sqes = sqes

	r.sqHead = ptrAt(sqRing, r.params.SqOff.Head)
	r.sqTail = ptrAt(sqRing, r.params.SqOff.Tail)
	r.sqMask = ptrAt(sqRing, r.params.SqOff.RingMask)
	r.sqDropped = ptrAt(sqRing, r.params.SqOff.Dropped)

	arrayOff := r.params.SqOff.Array
	arrayLen := r.params.SqEntries
	arrayPtr := unsafe.Pointer(&sqRing[arrayOff])
	r.sqArray = unsafe.Slice((*uint32)(arrayPtr), arrayLen)

	r.cqHead = ptrAt(cqRing, r.params.CqOff.Head)
	r.cqTail = ptrAt(cqRing, r.params.CqOff.Tail)
	r.cqMask = ptrAt(cqRing, r.params.CqOff.RingMask)
	r.cqOverflow = ptrAt(cqRing, r.params.CqOff.Overflow)

	return nil
}

// Close unmaps the ring regions and closes the io_uring fd.
func (r *Ring) Close() error {
	unix.Munmap(r.sqes)
	if r.params.Features&FeatSingleMmap == 0 {
		unix.Munmap(r.cqRing)
	}
	unix.Munmap(r.sqRing)
	return unix.Close(r.fd)
}

// sqeAt returns a pointer to the SQE slot at index i in the mmap'd array.
func (r *Ring) sqeAt(i uint32) *SQE {
	return (*SQE)(unsafe.Pointer(&r.sqes[uint32(i)*uint32(sqeSize)]))
}

// PushSQE writes sqe into the next submission slot, records the slot's
// index in the SQ array and publishes it by advancing the SQ tail cursor.
// Submit then hands the published entries to the kernel.
func (r *Ring) PushSQE(sqe SQE) {
	tail := atomic.LoadUint32(r.sqTail)
	idx := tail & atomic.LoadUint32(r.sqMask)
	*r.sqeAt(idx) = sqe
	r.sqArray[idx] = idx
	atomic.StoreUint32(r.sqTail, tail+1)
}

// Submit calls io_uring_enter to hand toSubmit pending SQEs to the kernel,
// optionally waiting for minComplete CQEs.
func (r *Ring) Submit(toSubmit, minComplete uint32, wait bool) (int, error) {
	var flags uint32
	if wait {
		flags |= EnterGetEvents
	}
	return enter(r.fd, toSubmit, minComplete, flags)
}

// PopCQE pops one completion, if available.
func (r *Ring) PopCQE() (CQE, bool) {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	if head == tail {
		return CQE{}, false
	}
	mask := atomic.LoadUint32(r.cqMask)
	off := (head & mask) * uint32(cqeSize)
	cqe := *(*CQE)(unsafe.Pointer(&r.cqRing[int(r.params.CqOff.Cqes)+int(off)]))
	atomic.StoreUint32(r.cqHead, head+1)
	return cqe, true
}
