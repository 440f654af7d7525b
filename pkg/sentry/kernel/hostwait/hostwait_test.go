package hostwait

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	events  []int
	idx     atomic.Int32
}

func (f *fakeSource) Poll(ctx context.Context) (int, error) {
	i := f.idx.Add(1) - 1
	if int(i) >= len(f.events) {
		return 0, nil
	}
	return f.events[i], nil
}

type fakeWaiter struct {
	waited atomic.Int32
	done   chan struct{}
}

func (f *fakeWaiter) Wait(ctx context.Context) error {
	f.waited.Add(1)
	close(f.done)
	<-ctx.Done()
	return nil
}

func TestLoopParksAfterIdleThreshold(t *testing.T) {
	src := &fakeSource{}
	hw := &fakeWaiter{done: make(chan struct{})}

	cfg := Config{PollRate: 100000, PollBurst: 100}
	loop := New(src, hw, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	select {
	case <-hw.done:
	case <-time.After(time.Second):
		t.Fatal("loop never parked on host wait")
	}
	require.EqualValues(t, 1, hw.waited.Load())

	cancel()
	require.NoError(t, <-errCh)
}

func TestLoopResetsIdleOnActivity(t *testing.T) {
	// Enough non-empty polls to outlast the 50ms window at 100000Hz.
	events := make([]int, 1<<20)
	for i := range events {
		events[i] = 1
	}
	src := &fakeSource{events: events}
	hw := &fakeWaiter{done: make(chan struct{})}
	cfg := Config{PollRate: 100000, PollBurst: 100}
	loop := New(src, hw, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	select {
	case <-hw.done:
		t.Fatal("loop parked despite continuous activity")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	<-errCh
}
