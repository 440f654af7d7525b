// Command quark boots the sandbox host-networking fast path: it loads an
// OCI bundle's config.json/quark.yaml, enters the sandbox's network
// namespace, drops ambient capabilities the vCPU threads don't need, and
// runs the cooperative scheduler until signalled to stop.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&RunCommand{vcpuCount: defaultVCPUCount}, "")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(int(subcommands.Execute(ctx)))
}
