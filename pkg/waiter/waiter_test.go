package waiter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type countingCallback struct {
	notified []EventMask
}

func (c *countingCallback) NotifyEvent(mask EventMask) {
	c.notified = append(c.notified, mask)
}

func TestEventRegisterIsIdempotent(t *testing.T) {
	var q Queue
	cb := &countingCallback{}
	e := &Entry{Callback: cb, Mask: EventIn}

	q.EventRegister(e)
	q.EventRegister(e)
	require.Equal(t, 1, q.Len())

	e.Mask = EventIn | EventOut
	q.EventRegister(e)
	require.Equal(t, 1, q.Len())
}

func TestNotifyOnlyWakesIntersectingEntries(t *testing.T) {
	var q Queue
	in := &countingCallback{}
	out := &countingCallback{}
	q.EventRegister(&Entry{Callback: in, Mask: EventIn})
	q.EventRegister(&Entry{Callback: out, Mask: EventOut})

	q.Notify(EventIn)

	require.Equal(t, []EventMask{EventIn}, in.notified)
	require.Empty(t, out.notified)
}

func TestEventUnregisterIsIdempotent(t *testing.T) {
	var q Queue
	cb := &countingCallback{}
	e := &Entry{Callback: cb, Mask: EventIn}
	q.EventRegister(e)

	q.EventUnregister(e)
	q.EventUnregister(e)
	require.Equal(t, 0, q.Len())
}

func TestChannelEntryNotifyEventDoesNotBlockWhenFull(t *testing.T) {
	entry, ch := NewChannelEntry(nil)
	ch <- struct{}{} // pre-fill the 1-buffered channel.

	entry.NotifyEvent(EventIn) // must not block/panic on a full channel.
	require.Len(t, ch, 1)
}

func TestDebugMasksReturnsSortedSnapshot(t *testing.T) {
	var q Queue
	q.EventRegister(&Entry{Callback: &countingCallback{}, Mask: EventHUp})
	q.EventRegister(&Entry{Callback: &countingCallback{}, Mask: EventIn})
	q.EventRegister(&Entry{Callback: &countingCallback{}, Mask: EventOut})

	require.Equal(t, []EventMask{EventIn, EventOut, EventHUp}, q.DebugMasks())
}
