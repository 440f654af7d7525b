package quring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/quark-sandbox/quark/pkg/sentry/kernel/socketbuf"
	"github.com/quark-sandbox/quark/pkg/waiter"
)

// userData tags, packed into the SQE/CQE UserData field so ProcessCompletions
// can dispatch without a side table.
const (
	tagRead uint64 = iota + 1
	tagWrite
)

// Transport binds one io_uring Ring to one buffered socket's SocketBuffer,
// keeping a persistent read SQE armed against the read-half's free region
// and submitting writes against the write-half's available region as data
// arrives — the "guest never issues read(2)/write(2) on the host fd for
// buffered sockets" contract in spec.md §4.3.
type Transport struct {
	ring *Ring
	fd   int32
	Buf  *socketbuf.SocketBuffer

	// running/runC serialize concurrent ProcessCompletions callers, the
	// same critical-section protocol gvisor's iouringfs.ProcessSubmissions
	// uses (CompareAndSwap + a 1-buffered wakeup channel) — see the comment
	// on ProcessCompletions for why the channel must be buffered.
	running atomic.Bool
	runC    chan struct{}

	writeInFlight atomic.Bool
}

// NewTransport binds ring to fd (the host socket fd) and buf.
func NewTransport(ring *Ring, fd int, buf *socketbuf.SocketBuffer) *Transport {
	return &Transport{
		ring: ring,
		fd:   int32(fd),
		Buf:  buf,
		runC: make(chan struct{}, 1),
	}
}

// ArmRead submits a read SQE against the read-half's current free region.
// Called once at buffered-socket creation and again after each completion
// that still leaves free space.
func (t *Transport) ArmRead() {
	region := t.Buf.GetFreeReadBuf()
	if len(region) == 0 {
		return
	}
	t.ring.PushSQE(SQE{
		Opcode:   OpRead,
		Fd:       t.fd,
		Addr:     uint64(uintptr(unsafe.Pointer(&region[0]))),
		Len:      uint32(len(region)),
		UserData: tagRead,
	})
	t.ring.Submit(1, 0, false)
}

// armWrite submits a write SQE draining the write-half's current available
// region, if one isn't already in flight (single-flight per socket, mirror
// of the RDMA transport's `sending` bit).
func (t *Transport) armWrite() {
	if !t.writeInFlight.CompareAndSwap(false, true) {
		return
	}
	region := t.Buf.GetAvailableWriteBuf()
	if len(region) == 0 {
		t.writeInFlight.Store(false)
		return
	}
	t.ring.PushSQE(SQE{
		Opcode:   OpWrite,
		Fd:       t.fd,
		Addr:     uint64(uintptr(unsafe.Pointer(&region[0]))),
		Len:      uint32(len(region)),
		UserData: tagWrite,
	})
	t.ring.Submit(1, 0, false)
}

// KickWrite should be called whenever ProduceWrite reports the write-half
// transitioned empty→non-empty.
func (t *Transport) KickWrite() { t.armWrite() }

// ProcessCompletions drains available CQEs and dispatches each to the read
// or write handler. Concurrent callers serialize through running/runC
// exactly like gvisor's iouringfs.FileDescription.ProcessSubmissions: the
// first caller becomes the active processor; everyone else waits on runC,
// which must be buffered so a wakeup sent with no sleeper yet isn't lost.
func (t *Transport) ProcessCompletions(block func(ch <-chan struct{})) error {
	for !t.running.CompareAndSwap(false, true) {
		block(t.runC)
	}
	defer func() {
		if !t.running.CompareAndSwap(true, false) {
			panic("quring: Transport.ProcessCompletions: running was not true on release")
		}
		select {
		case t.runC <- struct{}{}:
		default:
		}
	}()

	for {
		cqe, ok := t.ring.PopCQE()
		if !ok {
			return nil
		}
		if err := t.dispatch(cqe); err != nil {
			return err
		}
	}
}

func (t *Transport) dispatch(cqe CQE) error {
	switch cqe.UserData {
	case tagRead:
		return t.onReadComplete(cqe)
	case tagWrite:
		return t.onWriteComplete(cqe)
	default:
		return fmt.Errorf("quring: completion with unknown tag %d", cqe.UserData)
	}
}

func (t *Transport) onReadComplete(cqe CQE) error {
	if cqe.Res < 0 {
		t.Buf.SetErr(fmt.Errorf("quring: read: errno %d", -cqe.Res))
		return nil
	}
	n := uint32(cqe.Res)
	if n == 0 {
		t.Buf.SetRClosed()
		return nil
	}
	trigger, _ := t.Buf.ProduceAndGetFreeReadBuf(n)
	if trigger {
		t.Buf.Queue.Notify(waiter.EventIn)
	}
	t.ArmRead()
	return nil
}

func (t *Transport) onWriteComplete(cqe CQE) error {
	t.writeInFlight.Store(false)
	if cqe.Res < 0 {
		t.Buf.SetErr(fmt.Errorf("quring: write: errno %d", -cqe.Res))
		return nil
	}
	n := uint32(cqe.Res)
	trigger, _ := t.Buf.ConsumeAndGetAvailableWriteBuf(n)
	t.Buf.NotifyConsumedWrite(trigger)
	if t.Buf.HasWriteData() {
		t.armWrite()
	}
	return nil
}
