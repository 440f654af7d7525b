package rdma

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quark-sandbox/quark/pkg/sentry/kernel/socketbuf"
)

func newConnectedPair(t *testing.T) (*DataSock, *DataSock) {
	t.Helper()
	hca := NewLoopbackHCA()

	clientBuf := socketbuf.New(1024, 1024)
	serverBuf := socketbuf.New(1024, 1024)
	t.Cleanup(clientBuf.Release)
	t.Cleanup(serverBuf.Release)

	clientReady := make(chan struct{}, 1)
	serverReady := make(chan struct{}, 1)

	client, err := New(hca, RoleClient, clientBuf, func(*DataSock) { clientReady <- struct{}{} })
	require.NoError(t, err)
	server, err := New(hca, RoleServer, serverBuf, func(*DataSock) { serverReady <- struct{}{} })
	require.NoError(t, err)

	// Both sides of the handshake write before they read, so an unbuffered
	// net.Pipe would deadlock; a loopback TCP connection buffers the writes.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	c1, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c2, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { c1.Close(); c2.Close() })

	errs := make(chan error, 2)
	go func() { errs <- client.Handshake(c1) }()
	go func() { errs <- server.Handshake(c2) }()

	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	<-clientReady
	<-serverReady

	require.Equal(t, StateReady, client.State())
	require.Equal(t, StateReady, server.State())
	return client, server
}

// pumpBoth drains any completions queued on either side of a loopback pair.
// The loopback HCA delivers completions synchronously within PostWriteImm,
// so one pass after each send/consume is enough in these tests.
func pumpBoth(t *testing.T, a, b *DataSock) {
	t.Helper()
	require.NoError(t, a.PumpCompletions())
	require.NoError(t, b.PumpCompletions())
}

func TestHandshakeReachesReady(t *testing.T) {
	newConnectedPair(t)
}

func TestRDMASendDeliversDataAndCredit(t *testing.T) {
	client, server := newConnectedPair(t)

	copy(client.Buf.WriteSpace(), "hello world")
	client.Buf.ProduceWrite(11)

	require.NoError(t, client.RDMASendLocked())
	pumpBoth(t, client, server)

	require.Equal(t, "hello world", string(server.Buf.ReadData()))
	require.False(t, client.Buf.HasWriteData(), "write-half must drain once acked")

	// The server "guest" consumes the data and the credit is returned to
	// the client, growing its view of the peer's freespace (spec.md §8 S4).
	client.writeMu.Lock()
	freeBefore := client.remoteInfo.Freespace
	client.writeMu.Unlock()

	server.Buf.ConsumeRead(11)
	require.NoError(t, server.KickCreditReturn())
	pumpBoth(t, client, server)

	client.writeMu.Lock()
	freeAfter := client.remoteInfo.Freespace
	client.writeMu.Unlock()
	require.Equal(t, freeBefore+11, freeAfter)
}

func TestRDMASendClampsToFreespace(t *testing.T) {
	client, server := newConnectedPair(t)

	// Exhaust the peer's advertised freespace first.
	client.writeMu.Lock()
	client.remoteInfo.Freespace = 4
	client.writeMu.Unlock()

	copy(client.Buf.WriteSpace(), "0123456789")
	client.Buf.ProduceWrite(10)

	require.NoError(t, client.RDMASendLocked())
	pumpBoth(t, client, server)

	require.Equal(t, "0123", string(server.Buf.ReadData()))
	require.True(t, client.Buf.HasWriteData(), "remaining 6 bytes must stay queued")
}

func TestRDMASendSingleFlight(t *testing.T) {
	client, _ := newConnectedPair(t)

	client.Buf.ProduceWrite(0) // no-op, buffer empty
	client.writeMu.Lock()
	client.remoteInfo.Sending = true
	client.writeMu.Unlock()

	copy(client.Buf.WriteSpace(), "x")
	client.Buf.ProduceWrite(1)

	// A send attempted while already in flight must be a no-op (spec.md §8
	// property 3: at most one WRITE_IMM in flight per socket).
	require.NoError(t, client.RDMASendLocked())
	require.Equal(t, 0, len(client.qp.CompletionChan()))
}
