package socketbuf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quark-sandbox/quark/pkg/waiter"
)

func testSocketBuffer(t *testing.T) *SocketBuffer {
	t.Helper()
	sb := New(64, 64)
	t.Cleanup(sb.Release)
	return sb
}

func TestRoundUpPowerOfTwo(t *testing.T) {
	require.Equal(t, uint32(1), roundUpPowerOfTwo(0))
	require.Equal(t, uint32(64), roundUpPowerOfTwo(64))
	require.Equal(t, uint32(128), roundUpPowerOfTwo(65))
}

func TestProduceAndGetFreeReadBufTriggersOnEmptyToNonEmpty(t *testing.T) {
	sb := testSocketBuffer(t)

	trigger, region := sb.ProduceAndGetFreeReadBuf(0)
	require.False(t, trigger)
	require.Len(t, region, 64)

	copy(sb.GetFreeReadBuf(), "hello")
	trigger, _ = sb.ProduceAndGetFreeReadBuf(5)
	require.True(t, trigger, "empty->non-empty must trigger EVENT_IN")

	require.True(t, sb.HasReadData())
	require.Equal(t, "hello", string(sb.ReadData()))

	// A second production while non-empty must not re-trigger.
	copy(sb.GetFreeReadBuf(), "!")
	trigger, _ = sb.ProduceAndGetFreeReadBuf(1)
	require.False(t, trigger)
}

func TestConsumeAndGetAvailableWriteBufTriggersOnFullToNonFull(t *testing.T) {
	sb := testSocketBuffer(t)

	// Fill the write-half completely (capacity 64).
	n := sb.ProduceWrite(64)
	require.True(t, n)
	require.Equal(t, 0, len(sb.WriteSpace()))

	trigger, _ := sb.ConsumeAndGetAvailableWriteBuf(1)
	require.True(t, trigger, "full->non-full must trigger EVENT_OUT")

	trigger, _ = sb.ConsumeAndGetAvailableWriteBuf(1)
	require.False(t, trigger)
}

func TestGetAndClearConsumeReadData(t *testing.T) {
	sb := testSocketBuffer(t)
	sb.ProduceAndGetFreeReadBuf(10)
	sb.ConsumeRead(4)
	sb.ConsumeRead(3)
	require.Equal(t, uint32(7), sb.GetAndClearConsumeReadData())
	require.Equal(t, uint32(0), sb.GetAndClearConsumeReadData())
}

func TestErrStickiness(t *testing.T) {
	sb := testSocketBuffer(t)
	first := errors.New("first")
	second := errors.New("second")

	sb.SetErr(first)
	sb.SetErr(second)
	require.Same(t, first, sb.Err())

	mask := sb.Events()
	require.NotZero(t, mask&waiter.EventErr)
	require.NotZero(t, mask&waiter.EventIn)
}

func TestEventsComposition(t *testing.T) {
	sb := testSocketBuffer(t)

	// Fresh buffer: writable, not readable, no HUP.
	mask := sb.Events()
	require.NotZero(t, mask&waiter.EventOut)
	require.Zero(t, mask&waiter.EventIn)
	require.Zero(t, mask&waiter.EventHUp)

	// Produce data then close both halves with data still unread: no HUP
	// yet because read-half isn't empty.
	sb.ProduceAndGetFreeReadBuf(1)
	sb.SetRClosed()
	sb.SetWClosed()
	mask = sb.Events()
	require.NotZero(t, mask&waiter.EventIn)
	require.Zero(t, mask&waiter.EventHUp)

	// Drain it: now HUP should appear.
	sb.ConsumeRead(1)
	mask = sb.Events()
	require.NotZero(t, mask&waiter.EventHUp)
}

// TestEventsHUpFollowsReadHalfAloneAfterPeerHalfClose covers §8 scenario S3:
// the peer half-closes (only SetRClosed) while the local write-half stays
// open, e.g. a server that keeps its response side open after the client
// finishes sending its request. HUP must still appear once the read-half
// drains, independent of the write-half's state.
func TestEventsHUpFollowsReadHalfAloneAfterPeerHalfClose(t *testing.T) {
	sb := testSocketBuffer(t)
	sb.ProduceAndGetFreeReadBuf(7)
	sb.SetRClosed()

	mask := sb.Events()
	require.NotZero(t, mask&waiter.EventIn)
	require.Zero(t, mask&waiter.EventHUp, "read-half still holds unread bytes")

	sb.ConsumeRead(7)
	mask = sb.Events()
	require.NotZero(t, mask&waiter.EventIn)
	require.NotZero(t, mask&waiter.EventHUp)
	require.NotZero(t, mask&waiter.EventOut, "write-half was never closed and stays writable")
}

func TestPendingWriteShutdownFiresOnDrain(t *testing.T) {
	sb := testSocketBuffer(t)
	sb.ProduceWrite(10)

	var e waiter.Entry
	ch := make(chan waiter.EventMask, 1)
	e.Callback = callbackFunc(func(m waiter.EventMask) { ch <- m })
	e.Mask = waiter.EventPendingShutdown
	sb.Queue.EventRegister(&e)

	sb.SetPendingWriteShutdown()
	select {
	case <-ch:
		t.Fatal("must not fire before the write-half drains")
	default:
	}

	trigger, _ := sb.ConsumeAndGetAvailableWriteBuf(10)
	sb.NotifyConsumedWrite(trigger)

	select {
	case m := <-ch:
		require.NotZero(t, m&waiter.EventPendingShutdown)
	default:
		t.Fatal("expected EVENT_PENDING_SHUTDOWN after drain")
	}
}

type callbackFunc func(waiter.EventMask)

func (f callbackFunc) NotifyEvent(m waiter.EventMask) { f(m) }
