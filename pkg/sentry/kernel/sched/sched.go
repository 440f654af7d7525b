// Package sched implements the cooperative M:N scheduler (component C7):
// per-vCPU FIFO run-queues with work-stealing, modeled on
// qlib/kernel/taskMgr.rs and threadmgr/task_sched.rs, translated from the
// original's stackful-coroutine context switch to a goroutine-per-vCPU
// supervisor built on golang.org/x/sync/errgroup.
package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/quark-sandbox/quark/internal/qlog"
)

// TaskState mirrors spec.md §3's {Running, Ready, Blocked}.
type TaskState int32

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskBlocked
)

// TaskID is an opaque handle, conventionally the task's kernel stack base
// address in the original; here it's just a counter-assigned identity.
type TaskID uint64

// Task owns the scheduling metadata the original attaches to a kernel
// stack: its home vCPU and its current state. Run implements the task's
// body; Scheduler does not itself provide a stack-swap primitive — see
// DESIGN.md for why that boundary is left to the VM-loader layer this
// spec treats as an external collaborator.
type Task struct {
	ID      TaskID
	QueueID int32 // home vCPU, atomically rewritten on steal
	state   atomic.Int32
	Run     func(ctx context.Context)
}

func (t *Task) State() TaskState    { return TaskState(t.state.Load()) }
func (t *Task) setState(s TaskState) { t.state.Store(int32(s)) }

// VCPUState is the per-vCPU run state GetNextForCpu consults before
// stealing from it (only a Running vCPU may be stolen from).
type VCPUState int32

const (
	VCPURunning VCPUState = iota
	VCPUSearching
	VCPUHalted
)

type runQueue struct {
	mu    sync.Mutex
	tasks []*Task
}

func (q *runQueue) push(t *Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

func (q *runQueue) popFront() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Scheduler owns one run-queue per vCPU plus the global ready-task count
// invariant from spec.md §8 property 8 (Σ run-queue lengths ==
// global-ready-count).
type Scheduler struct {
	queues      []runQueue
	vcpuStates  []atomic.Int32
	readyCount  atomic.Int64
	haltedVCPUs atomic.Int64
	nextTaskID  atomic.Uint64

	wake []chan struct{}
}

// New creates a Scheduler for vcpuCount vCPUs.
func New(vcpuCount int) *Scheduler {
	s := &Scheduler{
		queues:     make([]runQueue, vcpuCount),
		vcpuStates: make([]atomic.Int32, vcpuCount),
		wake:       make([]chan struct{}, vcpuCount),
	}
	for i := range s.wake {
		s.wake[i] = make(chan struct{}, 1)
	}
	return s
}

// NewTaskID hands out a fresh task identity (CreateTask in the original).
func (s *Scheduler) NewTaskID() TaskID {
	return TaskID(s.nextTaskID.Add(1))
}

// VCPUCount reports the number of vCPU run-queues.
func (s *Scheduler) VCPUCount() int { return len(s.queues) }

// SetVCPUState records vCPU v's run state; GetNextForCpu only steals from
// a Running vCPU.
func (s *Scheduler) SetVCPUState(v int, state VCPUState) {
	s.vcpuStates[v].Store(int32(state))
}

func (s *Scheduler) vcpuState(v int) VCPUState {
	return VCPUState(s.vcpuStates[v].Load())
}

// GlobalReadyTaskCnt is the Σ queues.len invariant.
func (s *Scheduler) GlobalReadyTaskCnt() int64 { return s.readyCount.Load() }

// KScheduleQ enqueues task on vcpuID's run-queue and bumps the ready count.
func (s *Scheduler) KScheduleQ(task *Task, vcpuID int) {
	task.setState(TaskReady)
	atomic.StoreInt32(&task.QueueID, int32(vcpuID))
	s.queues[vcpuID].push(task)
	s.readyCount.Add(1)
	s.wakeVCPU(vcpuID)
}

// Schedule enqueues task on its own home vCPU (QueueID).
func (s *Scheduler) Schedule(task *Task) {
	s.KScheduleQ(task, int(atomic.LoadInt32(&task.QueueID)))
}

// NewTask enqueues a freshly created task on vCPU 0, matching the
// original's Scheduler::NewTask.
func (s *Scheduler) NewTask(task *Task) {
	s.KScheduleQ(task, 0)
}

func (s *Scheduler) wakeVCPU(v int) {
	select {
	case s.wake[v] <- struct{}{}:
	default:
	}
}

// WakeOne wakes an arbitrary halted vCPU; called when a queue has more
// than one ready task left after a dequeue, so sibling vCPUs pick up the
// slack instead of the local vCPU hoarding work.
func (s *Scheduler) WakeOne() {
	for v := range s.wake {
		if s.vcpuState(v) == VCPUHalted {
			s.wakeVCPU(v)
			return
		}
	}
}

// GetNextForCpu attempts to dequeue one task from vcpuID's queue on
// behalf of currentCpuID. Stealing (currentCpuID != vcpuID) is only
// permitted when vcpuID's vCPU is Running.
func (s *Scheduler) GetNextForCpu(currentCpuID, vcpuID int) *Task {
	if vcpuID != currentCpuID && s.vcpuState(vcpuID) != VCPURunning {
		return nil
	}

	count := s.queues[vcpuID].len()
	for i := 0; i < count; i++ {
		task := s.queues[vcpuID].popFront()
		if task == nil {
			return nil
		}
		s.readyCount.Add(-1)

		if currentCpuID != vcpuID {
			qlog.L().Debugw("scheduler stealing task", "task", task.ID, "from_vcpu", vcpuID, "to_vcpu", currentCpuID)
			atomic.StoreInt32(&task.QueueID, int32(currentCpuID))
		} else if s.queues[vcpuID].len() > 1 {
			s.WakeOne()
		}
		return task
	}
	return nil
}

// GetNext implements the stealing scan in spec.md §4.7: try the local
// queue first, then scan every other vCPU's queue in ring order.
func (s *Scheduler) GetNext(currentCpuID int) *Task {
	if s.GlobalReadyTaskCnt() == 0 {
		return nil
	}

	if t := s.GetNextForCpu(currentCpuID, currentCpuID); t != nil {
		return t
	}

	n := len(s.queues)
	for i := currentCpuID; i < currentCpuID+n; i++ {
		if t := s.GetNextForCpu(currentCpuID, i%n); t != nil {
			return t
		}
	}
	return nil
}

// Count reports the total number of ready tasks across all queues, for
// diagnostics (the original's Scheduler::Count).
func (s *Scheduler) Count() int64 {
	var total int64
	for i := range s.queues {
		total += int64(s.queues[i].len())
	}
	return total
}

// Print renders a one-line-per-nonempty-queue summary, mirroring the
// original's debug-only Scheduler::Print. The snapshot is taken into a map
// first (queue lengths can change between reads) and walked back in sorted
// vCPU order so the rendered line is deterministic.
func (s *Scheduler) Print() string {
	counts := make(map[int]int, len(s.queues))
	for i := range s.queues {
		if n := s.queues[i].len(); n > 0 {
			counts[i] = n
		}
	}
	ids := maps.Keys(counts)
	slices.Sort(ids)

	out := ""
	for _, v := range ids {
		out += fmt.Sprintf("%d:%d ", v, counts[v])
	}
	return out
}

// Run starts one supervisor goroutine per vCPU (the original's vCPU
// thread loop) and blocks until ctx is cancelled or a vCPU loop returns a
// fatal error. Errors across vCPUs are combined with multierr rather than
// dropping all but the first.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs []error
	for v := 0; v < len(s.queues); v++ {
		v := v
		g.Go(func() error {
			err := s.vcpuLoop(gctx, v)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return err
		})
	}
	g.Wait()
	return multierr.Combine(errs...)
}

// vcpuLoop is WaitFn translated to Go: repeatedly dequeue and run a task;
// when no task is ready, mark the vCPU halted and park on its wake
// channel (VcpuWait in the original) until one is scheduled or ctx ends.
func (s *Scheduler) vcpuLoop(ctx context.Context, vcpuID int) error {
	s.SetVCPUState(vcpuID, VCPURunning)
	for {
		if ctx.Err() != nil {
			return nil
		}

		task := s.GetNext(vcpuID)
		if task == nil {
			s.haltedVCPUs.Add(1)
			s.SetVCPUState(vcpuID, VCPUHalted)
			select {
			case <-s.wake[vcpuID]:
			case <-ctx.Done():
				s.haltedVCPUs.Add(-1)
				return nil
			}
			s.haltedVCPUs.Add(-1)
			s.SetVCPUState(vcpuID, VCPURunning)
			continue
		}

		task.setState(TaskRunning)
		if task.Run != nil {
			task.Run(ctx)
		}
	}
}

// HaltedVCPUs reports how many vCPUs are currently parked waiting for
// work, for diagnostics and tests.
func (s *Scheduler) HaltedVCPUs() int64 { return s.haltedVCPUs.Load() }
