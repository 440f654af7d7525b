package hostinet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/quark-sandbox/quark/internal/config"
	"github.com/quark-sandbox/quark/pkg/sentry/kernel/socketbuf"
)

func newTestSocket(t *testing.T, cfg config.Quark) *SocketOperations {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	s := New(unix.AF_INET, unix.SOCK_STREAM, fd, nil, nil, cfg)
	t.Cleanup(s.Release)
	return s
}

// encodeSockaddrInet4 builds a raw 16-byte sockaddr_in, the wire layout
// rawBind/rawConnect pass through to bind(2)/connect(2) untranslated.
func encodeSockaddrInet4(ip [4]byte, port int) []byte {
	b := make([]byte, 16)
	b[0] = byte(unix.AF_INET)
	b[1] = byte(unix.AF_INET >> 8)
	b[2] = byte(port >> 8)
	b[3] = byte(port)
	copy(b[4:8], ip[:])
	return b
}

func mustBindLoopback(t *testing.T, s *SocketOperations) {
	t.Helper()
	require.NoError(t, s.Bind(encodeSockaddrInet4([4]byte{127, 0, 0, 1}, 0)))
}

func TestListenSelectsPlainTCPByDefault(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	mustBindLoopback(t, s)
	require.NoError(t, s.Listen(4))
	bt, _ := s.isBuffered()
	require.Equal(t, TCPNormalServer, bt)
}

func TestListenSelectsUringServerWhenAsyncAccept(t *testing.T) {
	cfg := config.DefaultQuark()
	cfg.AsyncAccept = true
	s := newTestSocket(t, cfg)
	mustBindLoopback(t, s)
	require.NoError(t, s.Listen(4))
	s.mu.Lock()
	bt, aq := s.bufType, s.aq
	s.mu.Unlock()
	require.Equal(t, UringServer, bt)
	require.NotNil(t, aq)
}

func TestListenResizesRatherThanRelistens(t *testing.T) {
	cfg := config.DefaultQuark()
	cfg.AsyncAccept = true
	s := newTestSocket(t, cfg)
	mustBindLoopback(t, s)
	require.NoError(t, s.Listen(4))
	require.NoError(t, s.Listen(16))
	s.mu.Lock()
	bt := s.bufType
	s.mu.Unlock()
	require.Equal(t, UringServer, bt, "a second Listen must resize, not transition state")
}

func TestInvalidStateListenPanics(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	s.mu.Lock()
	s.bufType = TCPNormalData
	s.mu.Unlock()
	require.Panics(t, func() { s.Listen(4) })
}

func TestAcceptOnEmptyNonBlockingQueueReturnsEAGAIN(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	mustBindLoopback(t, s)
	require.NoError(t, s.Listen(4))

	_, _, err := s.Accept(context.Background(), false, 0, false)
	require.Error(t, err)
}

func TestAcceptBlockingWakesOnIncomingConnection(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	mustBindLoopback(t, s)
	require.NoError(t, s.Listen(4))

	sa, err := s.GetSockName()
	require.NoError(t, err)
	addr := sa.(*unix.SockaddrInet4)

	type result struct {
		child *SocketOperations
		err   error
	}
	n, err := newNotifier()
	require.NoError(t, err)
	s.notify = n

	resCh := make(chan result, 1)
	go func() {
		child, _, err := s.Accept(context.Background(), false, 0, true)
		resCh <- result{child, err}
	}()

	time.Sleep(20 * time.Millisecond)
	conn, err := net.DialTCP("tcp4", nil, &net.TCPAddr{IP: net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]), Port: addr.Port})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		require.NotNil(t, r.child)
		r.child.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Accept never woke up")
	}
}

func TestGetSockOptLengthProbeReturnsNilWithoutCopying(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	opt, err := s.GetSockOpt(unix.SOL_SOCKET, unix.SO_REUSEADDR, 0)
	require.NoError(t, err)
	require.Nil(t, opt)
}

func TestGetSockOptRejectsUnknownOption(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	_, err := s.GetSockOpt(unix.SOL_TCP, 0xdead, 4)
	require.Error(t, err)
}

func TestSetSockOptRCVTIMEOStoresNanoseconds(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	tv := make([]byte, 16)
	tv[0] = 2 // 2 seconds
	require.NoError(t, s.SetSockOpt(unix.SOL_SOCKET, unix.SO_RCVTIMEO, tv))
	require.Equal(t, int64(2*time.Second), s.RecvTimeout())
}

func TestSetSockOptTCPINQTogglesPassInq(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	require.NoError(t, s.SetSockOpt(unix.SOL_TCP, unix.TCP_INQ, []byte{1}))
	require.True(t, s.passInq.Load())
	require.NoError(t, s.SetSockOpt(unix.SOL_TCP, unix.TCP_INQ, []byte{0}))
	require.False(t, s.passInq.Load())
}

func TestBufferedRecvMsgReturnsDataThenEOFAfterHangup(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	sb := socketbuf.New(64, 64)
	s.mu.Lock()
	s.sb = sb
	s.bufType = Uring
	s.mu.Unlock()

	copy(sb.GetFreeReadBuf(), "hello")
	sb.ProduceAndGetFreeReadBuf(5)

	dst := make([]byte, 16)
	n, _, err := s.RecvMsg(context.Background(), dst, unix.MSG_DONTWAIT)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(dst[:n]))

	sb.SetRClosed()
	n, _, err = s.RecvMsg(context.Background(), dst, unix.MSG_DONTWAIT)
	require.NoError(t, err)
	require.Equal(t, 0, n, "drained + hangup must read as EOF, not EAGAIN")
}

func TestBufferedSendMsgWritesIntoWriteHalf(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	sb := socketbuf.New(64, 64)
	s.mu.Lock()
	s.sb = sb
	s.bufType = Uring
	s.mu.Unlock()

	n, err := s.SendMsg(context.Background(), []byte("world"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(sb.GetAvailableWriteBuf()))
}

func TestSendMsgBufferedReturnsEAGAINWhenFullAndDontWait(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	sb := socketbuf.New(8, 8)
	s.mu.Lock()
	s.sb = sb
	s.bufType = Uring
	s.mu.Unlock()

	n, err := s.SendMsg(context.Background(), []byte("01234567"), unix.MSG_DONTWAIT)
	require.NoError(t, err)
	require.Equal(t, 8, n, "fills the write-half exactly")

	_, err = s.SendMsg(context.Background(), []byte("x"), unix.MSG_DONTWAIT)
	require.Error(t, err, "a full write-half must return EAGAIN for a non-blocking caller, not (0, nil)")
}

func TestSendMsgBufferedBlocksOnFullWriteHalfThenSucceeds(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	sb := socketbuf.New(8, 8)
	s.mu.Lock()
	s.sb = sb
	s.bufType = Uring
	s.mu.Unlock()

	n, err := s.SendMsg(context.Background(), []byte("01234567"), unix.MSG_DONTWAIT)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		n, err := s.SendMsg(context.Background(), []byte("late"), 0)
		resCh <- result{n, err}
	}()

	select {
	case <-resCh:
		t.Fatal("SendMsg must block while the write-half has no free space")
	case <-time.After(50 * time.Millisecond):
	}

	sb.ConsumeAndGetAvailableWriteBuf(8)
	sb.NotifyConsumedWrite(true)

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		require.Equal(t, 4, r.n)
	case <-time.After(2 * time.Second):
		t.Fatal("SendMsg never unblocked after write-half drained")
	}
}

func TestAcceptHonorsCloexecFlag(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	mustBindLoopback(t, s)
	require.NoError(t, s.Listen(4))

	sa, err := s.GetSockName()
	require.NoError(t, err)
	addr := sa.(*unix.SockaddrInet4)

	conn, err := net.DialTCP("tcp4", nil, &net.TCPAddr{IP: net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]), Port: addr.Port})
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	child, _, err := s.Accept(context.Background(), false, unix.SOCK_CLOEXEC, false)
	require.NoError(t, err)
	defer child.Release()

	flags, err := unix.FcntlInt(uintptr(child.fd), unix.F_GETFD, 0)
	require.NoError(t, err)
	require.NotZero(t, flags&unix.FD_CLOEXEC, "accept4 must honor a guest-requested SOCK_CLOEXEC")
}

func TestShutdownDrainsPendingWriteDataBeforeHostShutdown(t *testing.T) {
	s := newTestSocket(t, config.DefaultQuark())
	mustBindLoopback(t, s)
	// shutdown(2) fails with ENOTCONN on an unconnected TCP socket, so the
	// socket is connected to a loopback listener first.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	n, err := newNotifier()
	require.NoError(t, err)
	s.notify = n
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, s.Connect(context.Background(), encodeSockaddrInet4([4]byte{127, 0, 0, 1}, port), true))
	sb := socketbuf.New(64, 64)
	s.mu.Lock()
	s.sb = sb
	s.bufType = Uring
	s.mu.Unlock()

	copy(sb.WriteSpace(), "pending")
	sb.ProduceWrite(7)

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background(), unix.SHUT_WR) }()

	select {
	case <-done:
		t.Fatal("Shutdown must block while write-half is non-empty")
	case <-time.After(50 * time.Millisecond):
	}

	sb.ConsumeAndGetAvailableWriteBuf(7)
	sb.NotifyConsumedWrite(true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown never unblocked after write-half drained")
	}
}
