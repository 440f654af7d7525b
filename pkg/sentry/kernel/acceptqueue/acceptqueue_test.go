package acceptqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqSocketTriggerAndCapacity(t *testing.T) {
	aq := New(2)

	trigger, hasSpace := aq.EnqSocket(AcceptItem{FD: 1})
	require.True(t, trigger)
	require.True(t, hasSpace)

	trigger, hasSpace = aq.EnqSocket(AcceptItem{FD: 2})
	require.False(t, trigger)
	require.False(t, hasSpace)

	// Full: enqueue drops nothing and reports no trigger, no space.
	trigger, hasSpace = aq.EnqSocket(AcceptItem{FD: 3})
	require.False(t, trigger)
	require.False(t, hasSpace)
	require.Equal(t, 2, aq.Len())
}

func TestDequeueFIFO(t *testing.T) {
	aq := New(4)
	aq.EnqSocket(AcceptItem{FD: 1})
	aq.EnqSocket(AcceptItem{FD: 2})

	item, ok := aq.TryDequeue()
	require.True(t, ok)
	require.Equal(t, 1, item.FD)

	item, ok = aq.TryDequeue()
	require.True(t, ok)
	require.Equal(t, 2, item.FD)

	_, ok = aq.TryDequeue()
	require.False(t, ok)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	aq := New(1)
	done := make(chan AcceptItem, 1)
	go func() {
		item, err := aq.Dequeue(context.Background())
		require.NoError(t, err)
		done <- item
	}()

	time.Sleep(10 * time.Millisecond)
	aq.EnqSocket(AcceptItem{FD: 42})

	select {
	case item := <-done:
		require.Equal(t, 42, item.FD)
	case <-time.After(time.Second):
		t.Fatal("Dequeue never unblocked")
	}
}

func TestSetErrStopsEnqueuesAndLatches(t *testing.T) {
	aq := New(2)
	errBoom := errors.New("boom")
	aq.SetErr(errBoom)
	aq.SetErr(errors.New("second"))

	require.Same(t, errBoom, aq.Err())

	trigger, hasSpace := aq.EnqSocket(AcceptItem{FD: 1})
	require.False(t, trigger)
	require.False(t, hasSpace)
	require.Equal(t, 0, aq.Len())
}

func TestSetQueueLenResize(t *testing.T) {
	aq := New(2)
	aq.EnqSocket(AcceptItem{FD: 1})

	aq.SetQueueLen(5)
	trigger, hasSpace := aq.EnqSocket(AcceptItem{FD: 2})
	require.False(t, trigger)
	require.True(t, hasSpace)
	require.Equal(t, 2, aq.Len())

	item, ok := aq.TryDequeue()
	require.True(t, ok)
	require.Equal(t, 1, item.FD)
}

func TestSetQueueLenNeverDropsExistingItems(t *testing.T) {
	aq := New(5)
	aq.EnqSocket(AcceptItem{FD: 1})
	aq.EnqSocket(AcceptItem{FD: 2})
	aq.EnqSocket(AcceptItem{FD: 3})

	aq.SetQueueLen(1) // shrink request below current length
	require.Equal(t, 3, aq.Len())
}
