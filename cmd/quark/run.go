package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"

	"github.com/google/subcommands"
	"go.uber.org/zap/zapcore"

	"github.com/quark-sandbox/quark/internal/config"
	"github.com/quark-sandbox/quark/internal/qlog"
	"github.com/quark-sandbox/quark/pkg/sentry/kernel/hostwait"
	"github.com/quark-sandbox/quark/pkg/sentry/kernel/sched"
	"github.com/quark-sandbox/quark/pkg/sentry/socket/hostinet"
	"github.com/quark-sandbox/quark/pkg/sentry/socket/rdma"
)

const defaultVCPUCount = 4

// RunCommand boots a bundle: it is the only real subcommand this binary
// offers today, mirroring the retrieval pack's single-RunCommand CLI shape
// with Name/Synopsis/Usage/SetFlags/Execute implementing
// subcommands.Command.
type RunCommand struct {
	bundleDir string
	netnsPath string
	vcpuCount int
	debug     bool
}

func (*RunCommand) Name() string     { return "run" }
func (*RunCommand) Synopsis() string { return "boot a sandbox from an OCI bundle" }
func (*RunCommand) Usage() string {
	return "run -bundle <dir> [-netns <path>] [-vcpus <n>]\n"
}

func (r *RunCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.bundleDir, "bundle", ".", "OCI bundle directory (config.json + optional quark.yaml)")
	f.StringVar(&r.netnsPath, "netns", "", "network namespace to enter before creating any socket (empty: stay in the caller's)")
	f.IntVar(&r.vcpuCount, "vcpus", defaultVCPUCount, "number of scheduler vCPU run-queues")
	f.BoolVar(&r.debug, "debug", false, "enable debug-level logging")
}

func (r *RunCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	level := zapcore.InfoLevel
	if r.debug {
		level = zapcore.DebugLevel
	}
	if _, _, err := qlog.Init(&qlog.Config{Level: level}); err != nil {
		fmt.Println("quark: initializing logger:", err)
		return subcommands.ExitFailure
	}

	bundle, err := config.LoadBundle(r.bundleDir)
	if err != nil {
		qlog.L().Errorw("loading bundle", "dir", r.bundleDir, "err", err)
		return subcommands.ExitFailure
	}

	netnsPath := r.netnsPath
	if netnsPath == "" {
		netnsPath = bundle.NetworkNamespacePath()
	}

	// netns.Set operates per-OS-thread; pin this goroutine before Init
	// switches namespaces so the switch sticks for every syscall this
	// goroutine issues afterward.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore, err := hostinet.Init(netnsPath)
	if err != nil {
		qlog.L().Errorw("host-networking bring-up failed", "err", err)
		return subcommands.ExitFailure
	}
	defer func() {
		if err := restore(); err != nil {
			qlog.L().Warnw("restoring original netns failed", "err", err)
		}
	}()

	if err := dropAmbientCapabilities(); err != nil {
		qlog.L().Errorw("dropping ambient capabilities", "err", err)
		return subcommands.ExitFailure
	}

	// No ibverbs binding ships in this module (the rdma package doc), so an
	// enabled RDMA switch gets the software LoopbackHCA rather than a real
	// card; it still drives the credit-flow state machine end to end.
	var hca rdma.HCA
	if bundle.Quark.EnableRDMA {
		hca = rdma.NewLoopbackHCA()
	}

	provider, err := hostinet.NewProvider(hca, bundle.Quark)
	if err != nil {
		qlog.L().Errorw("starting socket provider", "err", err)
		return subcommands.ExitFailure
	}
	_ = provider // held by callers that accept connections; wired once a guest-facing RPC surface exists.

	scheduler := sched.New(r.vcpuCount)
	qlog.L().Infow("booting scheduler", "vcpus", r.vcpuCount, "bundle", r.bundleDir)

	loop := hostwait.New(processPollSource{}, processIdleWaiter{}, hostwait.DefaultConfig())
	go func() {
		if err := loop.Run(ctx); err != nil {
			qlog.L().Errorw("host-wait loop exited", "err", err)
		}
	}()

	if err := scheduler.Run(ctx); err != nil {
		qlog.L().Errorw("scheduler exited with error", "err", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
