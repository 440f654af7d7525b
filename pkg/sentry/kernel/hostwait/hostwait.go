// Package hostwait implements the host-wait / IO-poll loop (component C8):
// it drains io_uring completions and other async messages until idle,
// then blocks on a host wait call. Grounded on qlib/kernel/taskMgr.rs's
// IOWait/PollAsyncMsg, translated from a TSC-cycle busy-spin window to a
// golang.org/x/time/rate limiter pacing the poll attempts before parking.
package hostwait

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/quark-sandbox/quark/internal/qlog"
)

// Source is anything that can be polled for completions and that exposes
// a count of work processed, so IOWait knows whether the idle window
// should reset. quring.Transport.ProcessCompletions plus a completion
// counter satisfies this once adapted by the caller.
type Source interface {
	// Poll drains whatever is ready and returns how many events it
	// processed (PollAsyncMsg's return value in the original).
	Poll(ctx context.Context) (int, error)
}

// HostWaiter is the blocking host call (HostSpace::IOWait in the
// original): it parks the calling goroutine until the host has new work
// for this vCPU, or ctx is done.
type HostWaiter interface {
	Wait(ctx context.Context) error
}

// idleThreshold mirrors IO_WAIT_CYCLES: after this many consecutive empty
// polls the loop gives up spinning and blocks on the host.
const idleThreshold = 8

// Config tunes the poll cadence. Burst and Limit feed rate.NewLimiter
// directly; a higher rate makes IOWait retry PollAsyncMsg more
// aggressively before parking.
type Config struct {
	PollRate  rate.Limit
	PollBurst int
}

// DefaultConfig paces polling at 2000Hz with a small burst, roughly
// matching the 1ms WAIT_CYCLES window the original's TSC spin used on a
// multi-GHz host.
func DefaultConfig() Config {
	return Config{PollRate: 2000, PollBurst: 4}
}

// Loop drives IOWait for one vCPU: poll src until idleThreshold
// consecutive empty polls, then block on hw.Wait, repeating until ctx is
// done (shutdown).
type Loop struct {
	src     Source
	hw      HostWaiter
	limiter *rate.Limiter
}

// New builds an IOWait loop over src, blocking on hw when idle.
func New(src Source, hw HostWaiter, cfg Config) *Loop {
	return &Loop{
		src:     src,
		hw:      hw,
		limiter: rate.NewLimiter(cfg.PollRate, cfg.PollBurst),
	}
}

// Run executes the IOWait loop until ctx is cancelled. It never returns a
// non-nil error for context cancellation; Source/HostWaiter errors are
// propagated.
func (l *Loop) Run(ctx context.Context) error {
	idle := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := l.limiter.Wait(ctx); err != nil {
			return nil
		}

		n, err := l.src.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n > 0 {
			idle = 0
			continue
		}

		idle++
		if idle < idleThreshold {
			continue
		}

		// Check once more right before parking, in case work landed
		// between the last poll and now (mirrors the original's
		// "check again in case new message coming" comment).
		n, err = l.src.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n > 0 {
			idle = 0
			continue
		}

		qlog.L().Debugw("hostwait: parking on host IOWait")
		if err := l.hw.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		idle = 0
	}
}

// ShutdownWait is the terminal loop the original falls into after
// Shutdown() is observed: block on the host wait call forever (the
// process is expected to exit via the host side).
func ShutdownWait(ctx context.Context, hw HostWaiter) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := hw.Wait(ctx); err != nil {
			qlog.L().Errorw("hostwait: shutdown wait error", "err", err)
			time.Sleep(time.Millisecond)
		}
	}
}
