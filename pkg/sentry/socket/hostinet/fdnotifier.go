package hostinet

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/quark-sandbox/quark/internal/qlog"
	"github.com/quark-sandbox/quark/pkg/waiter"
)

// notifier is the host-FD readiness bridge for non-buffered sockets: an
// epoll instance edge-triggering waiter.Queue.Notify for every registered
// fd. Buffered (Uring/RDMA) sockets and AcceptQueue-backed listeners
// (UringServer/RDMAServer) never touch this — their readiness comes from
// SocketBuffer/AcceptQueue directly.
type notifier struct {
	epFD int

	mu     sync.Mutex
	queues map[int32]*waiter.Queue
}

func newNotifier() (*notifier, error) {
	epFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	n := &notifier{epFD: epFD, queues: make(map[int32]*waiter.Queue)}
	go n.loop()
	return n, nil
}

const registeredEpollEvents = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP

// AddFD starts notifying q for fd's readiness.
func (n *notifier) AddFD(fd int32, q *waiter.Queue) error {
	n.mu.Lock()
	n.queues[fd] = q
	n.mu.Unlock()

	event := unix.EpollEvent{Events: registeredEpollEvents, Fd: fd}
	return unix.EpollCtl(n.epFD, unix.EPOLL_CTL_ADD, int(fd), &event)
}

// UpdateFD re-arms fd's interest set; a no-op since AddFD always listens
// for every event class and filtering happens in Queue.Notify's mask
// intersection.
func (n *notifier) UpdateFD(fd int32) {}

// RemoveFD stops notifying for fd.
func (n *notifier) RemoveFD(fd int32) {
	n.mu.Lock()
	delete(n.queues, fd)
	n.mu.Unlock()
	unix.EpollCtl(n.epFD, unix.EPOLL_CTL_DEL, int(fd), nil)
}

func (n *notifier) loop() {
	events := make([]unix.EpollEvent, 128)
	for {
		num, err := unix.EpollWait(n.epFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			qlog.L().Errorw("hostinet: epoll_wait failed", "err", err)
			return
		}
		for i := 0; i < num; i++ {
			ev := events[i]
			n.mu.Lock()
			q := n.queues[ev.Fd]
			n.mu.Unlock()
			if q == nil {
				continue
			}
			q.Notify(maskFromEpoll(ev.Events))
		}
	}
}

// NonBlockingPoll does an immediate poll(2) for mask's interest on fd,
// for Readiness() on non-buffered sockets.
func (n *notifier) NonBlockingPoll(fd int32, mask waiter.EventMask) waiter.EventMask {
	pfd := []unix.PollFd{{Fd: fd, Events: epollFromMask(mask)}}
	for {
		_, err := unix.Poll(pfd, 0)
		if err == unix.EINTR {
			continue
		}
		break
	}
	return maskFromEpoll(uint32(pfd[0].Revents))
}

func epollFromMask(mask waiter.EventMask) int16 {
	var e int16
	if mask&waiter.EventIn != 0 {
		e |= unix.POLLIN
	}
	if mask&waiter.EventOut != 0 {
		e |= unix.POLLOUT
	}
	if mask&waiter.EventErr != 0 {
		e |= unix.POLLERR
	}
	if mask&waiter.EventHUp != 0 {
		e |= unix.POLLHUP
	}
	return e
}

func maskFromEpoll(events uint32) waiter.EventMask {
	var mask waiter.EventMask
	if events&unix.POLLIN != 0 {
		mask |= waiter.EventIn
	}
	if events&unix.POLLOUT != 0 {
		mask |= waiter.EventOut
	}
	if events&unix.POLLERR != 0 {
		mask |= waiter.EventErr
	}
	if events&(unix.POLLHUP|unix.POLLRDHUP) != 0 {
		mask |= waiter.EventHUp
	}
	return mask
}
