package rdma

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/mohae/deepcopy"

	"github.com/quark-sandbox/quark/internal/qlog"
	"github.com/quark-sandbox/quark/pkg/sentry/kernel/socketbuf"
	"github.com/quark-sandbox/quark/pkg/waiter"
)

// MaxRecvWR is the receive-queue depth kept posted at all times once a
// connection reaches Ready (spec.md §8 property 5).
const MaxRecvWR = 8

// SocketState is the handshake/data-path state machine described in
// spec.md §4.4.
type SocketState int32

const (
	StateInit SocketState = iota
	StateConnect
	StateWaitingForRemoteMeta
	StateWaitingForRemoteReady
	StateReady
	StateError
)

func (s SocketState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateConnect:
		return "Connect"
	case StateWaitingForRemoteMeta:
		return "WaitingForRemoteMeta"
	case StateWaitingForRemoteReady:
		return "WaitingForRemoteReady"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Role distinguishes the RDMA connection initiator from the acceptor; it
// governs SetReady's side effect (spec.md §4.4).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// ReadyCallback is invoked exactly once when a DataSock reaches StateReady.
// A client completes its pending PostRDMAConnect; a server enqueues the
// connection into its listener's AcceptQueue — see SetReady.
type ReadyCallback func(*DataSock)

// DataSock is one RDMA-accelerated connection (spec.md's RDMADataSock):
// a queue pair, the two memory regions over the shared SocketBuffer's
// rings, and the credit-flow bookkeeping that drives WRITE_IMM.
type DataSock struct {
	hca  HCA
	qp   QueuePair
	role Role

	readMR  *MemoryRegion
	writeMR *MemoryRegion

	Buf *socketbuf.SocketBuffer

	local Info

	// writeMu guards remoteInfo (offset/freespace/sending), serializing
	// RDMASendLocked per spec.md §5 "Shared resources".
	writeMu    sync.Mutex
	remoteInfo Info

	// readMu serializes recv-completion processing, independent of writeMu
	// per spec.md §5.
	readMu sync.Mutex

	writeCount atomic.Uint32 // bytes posted via WRITE_IMM not yet acked
	postedRecv atomic.Int32

	state atomic.Int32

	onReady ReadyCallback
}

// New creates a DataSock bound to buf, registering buf's two ring halves as
// memory regions with hca and creating a queue pair.
func New(hca HCA, role Role, buf *socketbuf.SocketBuffer, onReady ReadyCallback) (*DataSock, error) {
	readMR, err := hca.RegisterMemoryRegion(buf.ReadHalfBacking())
	if err != nil {
		return nil, fmt.Errorf("rdma: registering read-half MR: %w", err)
	}
	writeMR, err := hca.RegisterMemoryRegion(buf.WriteHalfBacking())
	if err != nil {
		hca.DeregisterMemoryRegion(readMR)
		return nil, fmt.Errorf("rdma: registering write-half MR: %w", err)
	}
	qp, err := hca.CreateQueuePair()
	if err != nil {
		hca.DeregisterMemoryRegion(readMR)
		hca.DeregisterMemoryRegion(writeMR)
		return nil, fmt.Errorf("rdma: creating queue pair: %w", err)
	}

	ds := &DataSock{
		hca:     hca,
		qp:      qp,
		role:    role,
		readMR:  readMR,
		writeMR: writeMR,
		Buf:     buf,
		onReady: onReady,
	}
	ds.local = Info{
		RAddr:     readMR.Addr64(),
		RLen:      readMR.Len,
		RKey:      readMR.Rkey32(),
		QPNum:     qp.QPNum(),
		LID:       qp.LID(),
		GID:       qp.GID(),
		Offset:    0,
		Freespace: readMR.Len,
	}
	ds.state.Store(int32(StateInit))
	return ds, nil
}

// State returns the current handshake/data-path state.
func (ds *DataSock) State() SocketState { return SocketState(ds.state.Load()) }

func (ds *DataSock) setState(s SocketState) { ds.state.Store(int32(s)) }

// SendLocalRDMAInfo writes the fixed-size local Info record to conn. Any
// short write is fatal (spec.md §6).
func (ds *DataSock) SendLocalRDMAInfo(conn io.Writer) error {
	b := ds.local.Marshal()
	n, err := conn.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("rdma: short write sending RDMAInfo: %d of %d bytes", n, len(b))
	}
	ds.setState(StateWaitingForRemoteMeta)
	return nil
}

// RecvRemoteRDMAInfo reads the fixed-size peer Info record from conn,
// retrying short/transient reads with an exponential backoff rather than a
// spin loop, matching the handshake's "blocking recv-retry" requirement.
func RecvRemoteRDMAInfo(conn io.Reader) (*Info, error) {
	b := make([]byte, Size)
	if err := readFullWithBackoff(conn, b); err != nil {
		return nil, err
	}
	var info Info
	if err := info.Unmarshal(b); err != nil {
		return nil, err
	}
	return &info, nil
}

func readFullWithBackoff(r io.Reader, buf []byte) error {
	b := backoff.NewExponentialBackOff()
	total := 0
	op := func() error {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			// Any definite I/O error (including EOF before the record is
			// complete) is fatal per spec.md §6 "any short read/write is
			// fatal" — only the transient not-ready-yet case retries.
			return backoff.Permanent(err)
		}
		if total < len(buf) {
			return fmt.Errorf("rdma: short read: %d of %d bytes so far", total, len(buf))
		}
		return nil
	}
	return backoff.Retry(op, b)
}

// SendAck writes the 8-byte ACK constant. Any short write is fatal.
func (ds *DataSock) SendAck(conn io.Writer) error {
	b := marshalAck()
	n, err := conn.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("rdma: short write sending ack: %d of 8 bytes", n)
	}
	ds.setState(StateWaitingForRemoteReady)
	return nil
}

// RecvAck reads and verifies the 8-byte ACK constant.
func RecvAck(conn io.Reader) error {
	b := make([]byte, 8)
	if err := readFullWithBackoff(conn, b); err != nil {
		return err
	}
	return verifyAck(b)
}

// Handshake drives the full three-phase bootstrap over conn (spec.md §4.4):
// send local Info, receive peer Info, bring the QP up via SetupRDMA, send
// ack, receive ack, transition to Ready. Any step failing latches the
// SocketBuffer error and surfaces EVENT_ERR|EVENT_IN, per spec.md §4.4
// "Fatal errors".
func (ds *DataSock) Handshake(conn io.ReadWriter) error {
	if err := ds.handshakeLocked(conn); err != nil {
		ds.setState(StateError)
		ds.Buf.SetErr(err)
		return err
	}
	return nil
}

func (ds *DataSock) handshakeLocked(conn io.ReadWriter) error {
	if err := ds.SendLocalRDMAInfo(conn); err != nil {
		return err
	}

	peer, err := RecvRemoteRDMAInfo(conn)
	if err != nil {
		return err
	}

	t0 := ds.SetupRDMA(peer)
	qlog.L().Debugw("rdma setup complete",
		"qpSetupNanos", t0.qpSetupNanos, "postRecvNanos", t0.postRecvNanos, "totalNanos", t0.totalNanos,
		"peer", deepcopy.Copy(*peer))

	if err := ds.SendAck(conn); err != nil {
		return err
	}
	if err := RecvAck(conn); err != nil {
		return err
	}

	ds.SetReady()
	return nil
}

type setupTiming struct {
	qpSetupNanos, postRecvNanos, totalNanos int64
}

// SetupRDMA transitions the queue pair to RTR then RTS against peer and
// posts MaxRecvWR receives, recording latency diagnostics as Debug fields
// (SPEC_FULL.md supplemented feature, originally an error!-level print in
// the Rust source).
func (ds *DataSock) SetupRDMA(peer *Info) setupTiming {
	start := time.Now()
	ds.writeMu.Lock()
	ds.remoteInfo = *peer
	ds.writeMu.Unlock()

	if err := ds.qp.TransitionRTR(peer); err != nil {
		ds.Buf.SetErr(err)
		return setupTiming{}
	}
	if err := ds.qp.TransitionRTS(); err != nil {
		ds.Buf.SetErr(err)
		return setupTiming{}
	}
	qpDone := time.Now()

	for i := 0; i < MaxRecvWR; i++ {
		if err := ds.qp.PostRecv(ds.readMR); err != nil {
			ds.Buf.SetErr(err)
			return setupTiming{}
		}
		ds.postedRecv.Add(1)
	}
	end := time.Now()
	return setupTiming{
		qpSetupNanos:  qpDone.Sub(start).Nanoseconds(),
		postRecvNanos: end.Sub(qpDone).Nanoseconds(),
		totalNanos:    end.Sub(start).Nanoseconds(),
	}
}

// SetReady transitions to StateReady and runs the role-dependent side
// effect (spec.md §4.4 "SetReady side-effect").
func (ds *DataSock) SetReady() {
	ds.setState(StateReady)
	if ds.onReady != nil {
		ds.onReady(ds)
	}
}

// RDMASendLocked implements the credit-flow send described in spec.md §4.4.
// Must be called with no other RDMASendLocked in flight for this socket;
// the `sending` single-flight bit (held in remoteInfo) enforces that
// invariant across calls originating from different goroutines (the guest
// send path and ProcessRDMAWriteImmFinish's coalescing re-invocation).
func (ds *DataSock) RDMASendLocked() error {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()
	return ds.rdmaSendLocked()
}

func (ds *DataSock) rdmaSendLocked() error {
	if ds.remoteInfo.Sending {
		return nil
	}
	if ds.State() != StateReady {
		return nil
	}

	readCount := ds.Buf.GetAndClearConsumeReadData()

	region := ds.Buf.GetAvailableWriteBuf()
	length := uint32(len(region))
	if length > ds.remoteInfo.Freespace {
		length = ds.remoteInfo.Freespace
		region = region[:length]
	}

	if length == 0 && readCount == 0 {
		return nil
	}

	if err := ds.qp.PostWriteImm(&ds.remoteInfo, ds.remoteInfo.Offset, region, readCount); err != nil {
		return err
	}

	ds.writeCount.Store(length)
	ds.remoteInfo.Offset = (ds.remoteInfo.Offset + length) % max32(ds.remoteInfo.RLen, 1)
	ds.remoteInfo.Freespace -= length
	ds.remoteInfo.Sending = true
	return nil
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// ProcessRDMAWriteImmFinish handles the completion of our own posted
// WRITE_IMM (spec.md §4.4): clears the single-flight bit, consumes the
// acknowledged bytes from the local write-half, fires EVENT_OUT on
// full→non-full, and coalesces another send if more is pending.
func (ds *DataSock) ProcessRDMAWriteImmFinish() error {
	ds.writeMu.Lock()
	n := ds.writeCount.Swap(0)
	ds.remoteInfo.Sending = false
	ds.writeMu.Unlock()

	trigger, _ := ds.Buf.ConsumeAndGetAvailableWriteBuf(n)
	ds.Buf.NotifyConsumedWrite(trigger)

	if ds.Buf.HasWriteData() {
		return ds.RDMASendLocked()
	}
	return nil
}

// KickCreditReturn should be called after the guest consumes bytes from the
// read-half (socketbuf.ConsumeRead): a pure credit-return WRITE_IMM may be
// owed to the peer even with no outbound data queued.
func (ds *DataSock) KickCreditReturn() error {
	ds.writeMu.Lock()
	sending := ds.remoteInfo.Sending
	ds.writeMu.Unlock()
	if sending {
		return nil
	}
	return ds.RDMASendLocked()
}

// ProcessRDMARecvWriteImm handles the peer's WRITE_IMM landing in our
// read-half (spec.md §4.4): reposts one recv WR, advances the read-half
// producer on recvCount>0, and returns freespace / kicks a send on
// writeConsumeCount>0.
func (ds *DataSock) ProcessRDMARecvWriteImm(recvCount, writeConsumeCount uint32) error {
	ds.readMu.Lock()
	if err := ds.qp.PostRecv(ds.readMR); err != nil {
		ds.readMu.Unlock()
		return err
	}
	ds.readMu.Unlock()

	if recvCount > 0 {
		trigger, _ := ds.Buf.ProduceAndGetFreeReadBuf(recvCount)
		if trigger {
			ds.Buf.Queue.Notify(waiter.EventIn)
		}
	}

	if writeConsumeCount > 0 {
		ds.writeMu.Lock()
		wasZero := ds.remoteInfo.Freespace == 0
		ds.remoteInfo.Freespace += writeConsumeCount
		notSending := !ds.remoteInfo.Sending
		ds.writeMu.Unlock()

		if wasZero && notSending {
			return ds.RDMASendLocked()
		}
	}
	return nil
}

// PumpCompletions drains the queue pair's completion channel, dispatching
// each to ProcessRDMAWriteImmFinish or ProcessRDMARecvWriteImm. Intended to
// be driven by the host-wait loop (C8).
func (ds *DataSock) PumpCompletions() error {
	for {
		select {
		case c, ok := <-ds.qp.CompletionChan():
			if !ok {
				return nil
			}
			if c.Err != nil {
				ds.setState(StateError)
				ds.Buf.SetErr(c.Err)
				return c.Err
			}
			switch c.Kind {
			case CompletionSendDone:
				if err := ds.ProcessRDMAWriteImmFinish(); err != nil {
					return err
				}
			case CompletionRecv:
				if err := ds.ProcessRDMARecvWriteImm(c.RecvCount, c.Imm); err != nil {
					return err
				}
			}
		default:
			return nil
		}
	}
}

// Close tears down the queue pair and deregisters memory regions.
func (ds *DataSock) Close() error {
	ds.hca.DeregisterMemoryRegion(ds.readMR)
	ds.hca.DeregisterMemoryRegion(ds.writeMR)
	return ds.qp.Close()
}
