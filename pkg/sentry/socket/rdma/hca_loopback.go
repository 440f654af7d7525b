package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// LoopbackHCA is a software stand-in for a real ibverbs HCA: WRITE_IMM
// copies bytes directly between registered memory regions in this process
// and synthesizes the completions a real HCA would report asynchronously.
// It exists because no Go ibverbs binding ships in the retrieval pack (see
// the package doc); it is enough to drive and test the credit-flow state
// machine (spec.md §8 S4) without real RDMA hardware.
type LoopbackHCA struct {
	mu        sync.Mutex
	nextAddr  uint64
	nextQPNum uint32
	regions   map[uint64]*MemoryRegion
	recvOwner map[uint64]*loopbackQP
}

// NewLoopbackHCA constructs an empty LoopbackHCA.
func NewLoopbackHCA() *LoopbackHCA {
	return &LoopbackHCA{
		regions:   make(map[uint64]*MemoryRegion),
		recvOwner: make(map[uint64]*loopbackQP),
	}
}

func (h *LoopbackHCA) RegisterMemoryRegion(buf []byte) (*MemoryRegion, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextAddr++
	mr := &MemoryRegion{
		Addr: h.nextAddr,
		Len:  uint32(len(buf)),
		RKey: uint32(h.nextAddr),
		buf:  buf,
	}
	h.regions[mr.Addr] = mr
	return mr, nil
}

func (h *LoopbackHCA) DeregisterMemoryRegion(mr *MemoryRegion) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.regions, mr.Addr)
	delete(h.recvOwner, mr.Addr)
	return nil
}

func (h *LoopbackHCA) CreateQueuePair() (QueuePair, error) {
	num := atomic.AddUint32(&h.nextQPNum, 1)
	return &loopbackQP{
		hca:  h,
		num:  num,
		lid:  uint16(num),
		gid:  Gid{byte(num)},
		comp: make(chan Completion, 64),
	}, nil
}

type loopbackQP struct {
	hca  *LoopbackHCA
	num  uint32
	lid  uint16
	gid  Gid
	comp chan Completion
}

func (q *loopbackQP) QPNum() uint32 { return q.num }
func (q *loopbackQP) LID() uint16   { return q.lid }
func (q *loopbackQP) GID() Gid      { return q.gid }

func (q *loopbackQP) TransitionRTR(peer *Info) error { return nil }
func (q *loopbackQP) TransitionRTS() error           { return nil }

func (q *loopbackQP) PostRecv(mr *MemoryRegion) error {
	q.hca.mu.Lock()
	defer q.hca.mu.Unlock()
	q.hca.recvOwner[mr.Addr] = q
	return nil
}

func (q *loopbackQP) PostWriteImm(peer *Info, offset uint32, payload []byte, imm uint32) error {
	q.hca.mu.Lock()
	mr, ok := q.hca.regions[peer.RAddr]
	var owner *loopbackQP
	if ok {
		owner = q.hca.recvOwner[mr.Addr]
	}
	q.hca.mu.Unlock()

	if !ok {
		return fmt.Errorf("rdma: loopback write to unknown raddr %d", peer.RAddr)
	}
	if len(payload) > 0 {
		rlen := peer.RLen
		for written := uint32(0); written < uint32(len(payload)); {
			pos := (offset + written) % rlen
			n := uint32(len(payload)) - written
			if room := rlen - pos; n > room {
				n = room
			}
			copy(mr.buf[pos:pos+n], payload[written:written+n])
			written += n
		}
	}

	if owner != nil {
		owner.comp <- Completion{Kind: CompletionRecv, RecvCount: uint32(len(payload)), Imm: imm}
	}
	q.comp <- Completion{Kind: CompletionSendDone}
	return nil
}

func (q *loopbackQP) CompletionChan() <-chan Completion { return q.comp }

func (q *loopbackQP) Close() error {
	close(q.comp)
	return nil
}
