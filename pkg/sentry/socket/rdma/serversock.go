package rdma

import (
	"net"

	"github.com/quark-sandbox/quark/internal/qlog"
	"github.com/quark-sandbox/quark/pkg/sentry/kernel/acceptqueue"
	"github.com/quark-sandbox/quark/pkg/sentry/kernel/socketbuf"
)

// RingCapacity is the default per-half SocketBuffer capacity newly accepted
// RDMA connections are given.
const RingCapacity = 64 * 1024

// ServerSock drives the accept loop for an RDMA-backed listening socket
// (spec.md's RDMAServerSockIntern): each bootstrap TCP accept spawns a
// DataSock, runs its handshake, and — once Ready — enqueues the connection
// into the listener's AcceptQueue (the server-role SetReady side effect).
type ServerSock struct {
	hca HCA
	ln  *net.TCPListener
	aq  *acceptqueue.AcceptQueue
}

// NewServerSock wraps ln (already bound and listening on the bootstrap TCP
// port) with an accept loop that hands completed RDMA connections to aq.
func NewServerSock(hca HCA, ln *net.TCPListener, aq *acceptqueue.AcceptQueue) *ServerSock {
	return &ServerSock{hca: hca, ln: ln, aq: aq}
}

// Serve accepts bootstrap connections in a loop until ln is closed,
// matching the original's accept4-with-EAGAIN-retry loop (rdma_socket.rs
// RDMAServerSockIntern::Accept), translated to Go's blocking Accept plus a
// dedicated goroutine per handshake so the accept loop is never stalled by
// a slow peer.
func (s *ServerSock) Serve() error {
	for {
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		go s.acceptOne(conn)
	}
}

func (s *ServerSock) acceptOne(conn *net.TCPConn) {
	buf := socketbuf.New(RingCapacity, RingCapacity)

	ds, err := New(s.hca, RoleServer, buf, func(ready *DataSock) {
		raw, _ := conn.SyscallConn()
		fd := -1
		raw.Control(func(fdv uintptr) { fd = int(fdv) })

		addr := conn.RemoteAddr().(*net.TCPAddr)
		item := acceptqueue.AcceptItem{
			FD:      fd,
			Addr:    addr.IP,
			AddrLen: uint32(len(addr.IP)),
			SockBuf: ready.Buf,
		}
		trigger, _ := s.aq.EnqSocket(item)
		_ = trigger
		qlog.L().Infow("rdma connection accepted", "fd", fd, "peer", addr.String())
	})
	if err != nil {
		qlog.L().Errorw("rdma: failed constructing server data socket", "err", err)
		conn.Close()
		buf.Release()
		s.aq.SetErr(err)
		return
	}

	if err := ds.Handshake(conn); err != nil {
		qlog.L().Errorw("rdma: server handshake failed", "err", err)
		ds.Close()
		conn.Close()
	}
}
