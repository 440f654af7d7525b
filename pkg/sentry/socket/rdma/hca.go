package rdma

// MemoryRegion is a registered buffer, analogous to an ibv_mr: it exposes
// the fields needed to hand its description to a peer (RKey, address) and
// nothing else.
type MemoryRegion struct {
	Addr uint64
	Len  uint32
	RKey uint32
	buf  []byte
}

// Addr64 / Rkey32 are convenience accessors used when filling in Info.
func (mr *MemoryRegion) Addr64() uint64 { return mr.Addr }
func (mr *MemoryRegion) Rkey32() uint32 { return mr.RKey }

// QueuePair is the minimal queue-pair surface the data-path engine in
// datasock.go needs: post a WRITE_IMM, post a RECV, transition RTR/RTS, and
// observe local identity (QPNum, LID, GID) for the handshake.
//
// This is the interface boundary noted in the package doc: no ibverbs
// binding ships in the retrieval pack, so HCA is implemented here as a
// loopback-capable software queue pair (LoopbackHCA) good enough to drive
// the credit-flow state machine end to end in tests, with every method a
// real libibverbs-backed implementation would also need to provide.
type QueuePair interface {
	// QPNum, LID, GID identify this end for the handshake.
	QPNum() uint32
	LID() uint16
	GID() Gid

	// TransitionRTR moves the QP to Ready-To-Receive using the peer's Info.
	TransitionRTR(peer *Info) error
	// TransitionRTS moves an RTR queue pair to Ready-To-Send.
	TransitionRTS() error

	// PostRecv posts one receive work request against mr, depth-tracked by
	// the caller (MAX_RECV_WR in spec.md §8 property 5).
	PostRecv(mr *MemoryRegion) error

	// PostWriteImm issues an RDMA WRITE_WITH_IMM of payload into
	// peer.RAddr+offset (mod peer.RLen), carrying imm in the completion's
	// immediate-data field. Completion is reported asynchronously via the
	// HCA's CompletionChan.
	PostWriteImm(peer *Info, offset uint32, payload []byte, imm uint32) error

	// CompletionChan delivers completions for this QP, told apart by their
	// Kind: a send completion signals a WRITE_IMM we posted finished
	// (ProcessRDMAWriteImmFinish runs), while a receive completion reports
	// bytes landed in a posted recv buffer (ProcessRDMARecvWriteImm).
	CompletionChan() <-chan Completion

	Close() error
}

// CompletionKind distinguishes the two completion flavors a QP's channel
// delivers.
type CompletionKind int

const (
	// CompletionSendDone reports our own posted WRITE_IMM has completed.
	CompletionSendDone CompletionKind = iota
	// CompletionRecv reports a peer's WRITE_IMM landed in a posted recv.
	CompletionRecv
)

// Completion is one entry off a QueuePair's CompletionChan.
type Completion struct {
	Kind CompletionKind
	// RecvCount is the number of payload bytes that landed for a
	// CompletionRecv (0 if the peer sent a pure credit-return WRITE_IMM).
	RecvCount uint32
	// Imm is the 32-bit immediate data: for CompletionRecv, the peer's
	// credit-return count (spec.md §4.4 "Immediate-data encoding").
	Imm uint32
	Err error
}

// HCA creates queue pairs and registers memory regions. Exactly one HCA
// instance is constructed per sandbox process.
type HCA interface {
	RegisterMemoryRegion(buf []byte) (*MemoryRegion, error)
	DeregisterMemoryRegion(mr *MemoryRegion) error
	CreateQueuePair() (QueuePair, error)
}
