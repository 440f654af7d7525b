// Package quring implements the io_uring transport (component C4): it
// submits reads/writes against a SocketBuffer's halves via a shared SQ/CQ
// with the host, per spec.md §4.3. At connection "buffered" time the guest
// hands the host a SocketBuffer; this package arms a persistent read
// submission against the read-half and a persistent write-drain path
// against the write-half, so the guest never issues read(2)/write(2)
// directly on a buffered socket's host fd.
//
// The syscall layer (opcodes, SQE/CQE layout, io_uring_setup/enter) is a
// pure-Go port with no cgo and no liburing dependency, grounded on the
// retrieval pack's standalone io_uring reference rather than a cgo+liburing
// binding (see DESIGN.md).
package quring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw io_uring syscall numbers (x86_64). Not present in golang.org/x/sys/unix
// as named constants.
const (
	sysIOUringSetup    = 425
	sysIOUringEnter    = 426
	sysIOUringRegister = 427
)

// Op is an io_uring opcode (IORING_OP_*); only the subset this transport
// issues is named.
type Op uint8

const (
	OpNop        Op = 0
	OpReadv      Op = 1
	OpWritev     Op = 2
	OpReadFixed  Op = 4
	OpWriteFixed Op = 5
	OpPollAdd    Op = 6
	OpPollRemove Op = 7
	OpRead       Op = 22
	OpWrite      Op = 23
	OpAccept     Op = 13
)

// Enter flags (IORING_ENTER_*).
const (
	EnterGetEvents uint32 = 1 << 0
)

// Setup flags (IORING_SETUP_*). Only single-mmap mode is used; IOPOLL and
// SQPOLL are out of scope (see the package doc on gvisor's own iouringfs,
// whose doc comment this module's scope note is adapted from).
const (
	SetupCQSize uint32 = 1 << 3
)

// Feature flags (IORING_FEAT_*).
const (
	FeatSingleMmap uint32 = 1 << 0
)

// mmap offsets for the ring regions, per the kernel ABI.
const (
	OffSQRing uint64 = 0
	OffCQRing uint64 = 0x8000000
	OffSQEs   uint64 = 0x10000000
)

// SQOffsets locates the fields of the submission-queue ring within the
// mmap'd SQ region.
type SQOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array uint32
	resv                                                     uint32
	resv2                                                    uint64
}

// CQOffsets locates the fields of the completion-queue ring within the
// mmap'd CQ region.
type CQOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, Cqes, Flags uint32
	resv                                                     uint32
	resv2                                                    uint64
}

// Params is io_uring_params, passed to io_uring_setup and filled in by the
// kernel with the ring layout.
type Params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	resv         [3]uint32
	SqOff        SQOffsets
	CqOff        CQOffsets
}

// SQE is one submission queue entry (io_uring_sqe), the 64-byte common
// layout (non-SQE128 mode).
type SQE struct {
	Opcode      Op
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  uint32
	pad         [2]uint64
}

// CQE is one completion queue entry (io_uring_cqe).
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

const (
	sqeSize = unsafe.Sizeof(SQE{})
	cqeSize = unsafe.Sizeof(CQE{})
)

// setup issues io_uring_setup(2).
func setup(entries uint32, params *Params) (fd int, err error) {
	r1, _, errno := unix.Syscall(sysIOUringSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return -1, fmt.Errorf("quring: io_uring_setup: %w", errno)
	}
	return int(r1), nil
}

// enter issues io_uring_enter(2), submitting toSubmit SQEs and optionally
// waiting for minComplete CQEs.
func enter(fd int, toSubmit, minComplete, flags uint32) (int, error) {
	r1, _, errno := unix.Syscall6(sysIOUringEnter, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return -1, fmt.Errorf("quring: io_uring_enter: %w", errno)
	}
	return int(r1), nil
}
