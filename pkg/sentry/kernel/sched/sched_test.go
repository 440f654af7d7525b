package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTask(s *Scheduler, vcpu int) *Task {
	return &Task{ID: s.NewTaskID(), QueueID: int32(vcpu)}
}

func TestScheduleAndGetNextFIFO(t *testing.T) {
	s := New(2)
	a := newTask(s, 0)
	b := newTask(s, 0)
	s.Schedule(a)
	s.Schedule(b)

	require.Equal(t, int64(2), s.GlobalReadyTaskCnt())
	require.Equal(t, a, s.GetNext(0))
	require.Equal(t, b, s.GetNext(0))
	require.Nil(t, s.GetNext(0))
}

func TestWorkStealingRewritesQueueID(t *testing.T) {
	s := New(2)
	s.SetVCPUState(0, VCPURunning)
	s.SetVCPUState(1, VCPURunning)

	for i := 0; i < 3; i++ {
		s.Schedule(newTask(s, 0))
	}
	require.Equal(t, int64(3), s.GlobalReadyTaskCnt())

	// vCPU 1 is idle and steals from vCPU 0 (spec.md §8 scenario S5).
	stolen := s.GetNext(1)
	require.NotNil(t, stolen)
	require.Equal(t, int32(1), stolen.QueueID)
	require.Equal(t, int64(2), s.GlobalReadyTaskCnt())
}

func TestNoStealFromNonRunningVCPU(t *testing.T) {
	s := New(2)
	s.SetVCPUState(0, VCPUHalted)
	s.Schedule(newTask(s, 0))

	require.Nil(t, s.GetNextForCpu(1, 0))
}

func TestGlobalReadyCountConservation(t *testing.T) {
	s := New(3)
	for i := 0; i < 5; i++ {
		s.Schedule(newTask(s, i%3))
	}
	require.EqualValues(t, s.Count(), s.GlobalReadyTaskCnt())
}

func TestPrintRendersNonEmptyQueuesInVCPUOrder(t *testing.T) {
	s := New(4)
	s.Schedule(newTask(s, 2))
	s.Schedule(newTask(s, 0))
	s.Schedule(newTask(s, 0))

	require.Equal(t, "0:2 2:1 ", s.Print())
}
