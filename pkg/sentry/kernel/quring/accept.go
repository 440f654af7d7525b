package quring

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const tagAccept uint64 = 1 << 32

// Acceptor keeps a persistent accept SQE armed against a listening fd, the
// "arm a persistent Accept SQE" behavior spec.md §4.5 assigns to
// AsyncAccept/UringServer listeners, handing each completed accept's new fd
// to onAccept before re-arming.
type Acceptor struct {
	ring     *Ring
	fd       int32
	onAccept func(newFD int)
	onError  func(err error)
}

// NewAcceptor binds ring to a listening fd. onAccept is called with each
// newly accepted connection's fd; onError is called (without re-arming) if
// the accept SQE completes with a negative result.
func NewAcceptor(ring *Ring, fd int, onAccept func(newFD int), onError func(err error)) *Acceptor {
	return &Acceptor{ring: ring, fd: int32(fd), onAccept: onAccept, onError: onError}
}

// Arm submits one accept SQE; the accepted fd is created SOCK_NONBLOCK.
func (a *Acceptor) Arm() {
	a.ring.PushSQE(SQE{
		Opcode:   OpAccept,
		Fd:       a.fd,
		OpFlags:  unix.SOCK_NONBLOCK,
		UserData: tagAccept,
	})
	a.ring.Submit(1, 0, false)
}

// ProcessCompletions drains accept completions from ring, dispatching each
// to onAccept/onError and re-arming on success.
func (a *Acceptor) ProcessCompletions() error {
	for {
		cqe, ok := a.ring.PopCQE()
		if !ok {
			return nil
		}
		if cqe.UserData != tagAccept {
			return fmt.Errorf("quring: Acceptor saw foreign completion tag %d", cqe.UserData)
		}
		if cqe.Res < 0 {
			if a.onError != nil {
				a.onError(fmt.Errorf("quring: accept: errno %d", -cqe.Res))
			}
			continue
		}
		a.onAccept(int(cqe.Res))
		a.Arm()
	}
}
