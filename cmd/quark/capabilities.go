package main

import (
	"fmt"

	"github.com/moby/sys/capability"
)

// netCaps is what the fast-path vCPU threads still need after bring-up:
// CAP_NET_BIND_SERVICE to finish any pending low-port bind the guest
// requested during Connect/Bind, CAP_NET_RAW intentionally excluded (the
// sandbox never issues raw sockets).
var netCaps = []capability.Cap{capability.CAP_NET_BIND_SERVICE}

// dropAmbientCapabilities narrows this process's effective/permitted/
// inheritable capability sets down to netCaps, per spec.md §6's bootstrap
// requirement that the vCPU host threads run CAP_NET_RAW-free once the
// network namespace is set up.
func dropAmbientCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("quark: reading process capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("quark: loading process capabilities: %w", err)
	}

	caps.Clear(capability.CAPS)
	caps.Set(capability.CAPS, netCaps...)

	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("quark: applying dropped capability set: %w", err)
	}
	return nil
}
