package hostinet

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/quark-sandbox/quark/internal/config"
	"github.com/quark-sandbox/quark/internal/qerror"
	"github.com/quark-sandbox/quark/pkg/sentry/socket/rdma"
)

// Provider is the per-netns socket factory: spec.md §4.5's "Provider
// creates" entry point, adapted from the retrieval pack's
// socketProvider/socket.RegisterProvider(family, provider) idiom. This repo
// has no vfs.FilesystemImpl/kernel.Task to register against, so Provider is
// a plain constructor a caller (cmd/quark's netns bring-up) holds directly
// rather than a side-table keyed by AF_INET/AF_INET6.
type Provider struct {
	notify *notifier
	hca    rdma.HCA
	cfg    config.Quark
}

// sockTypeMask isolates SOCK_STREAM/SOCK_DGRAM/etc. from the SOCK_NONBLOCK
// and SOCK_CLOEXEC flag bits a guest may OR into socket(2)'s type argument.
const sockTypeMask = 0xf

// NewProvider starts the epoll notifier loop and returns a Provider bound to
// it. hca may be nil when cfg.EnableRDMA is false.
func NewProvider(hca rdma.HCA, cfg config.Quark) (*Provider, error) {
	n, err := newNotifier()
	if err != nil {
		return nil, fmt.Errorf("hostinet: creating fd notifier: %w", err)
	}
	return &Provider{notify: n, hca: hca, cfg: cfg}, nil
}

// Socket implements spec.md §4.5 Provider.Socket: only AF_INET/AF_INET6
// SOCK_STREAM/SOCK_DGRAM with protocol 0 or the matching IPPROTO are
// accepted; every host socket this package creates is SOCK_NONBLOCK so the
// state machine never blocks the goroutine that issued the syscall.
func (p *Provider) Socket(family, stype, protocol int) (*SocketOperations, error) {
	if family != unix.AF_INET && family != unix.AF_INET6 {
		return nil, qerror.FromErrno(unix.EAFNOSUPPORT)
	}
	switch stype & sockTypeMask {
	case unix.SOCK_STREAM:
		if protocol != 0 && protocol != unix.IPPROTO_TCP {
			return nil, qerror.FromErrno(unix.EAFNOSUPPORT)
		}
	case unix.SOCK_DGRAM:
		if protocol != 0 && protocol != unix.IPPROTO_UDP {
			return nil, qerror.FromErrno(unix.EAFNOSUPPORT)
		}
	default:
		return nil, qerror.FromErrno(unix.EAFNOSUPPORT)
	}

	fd, err := unix.Socket(family, (stype&sockTypeMask)|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return New(family, stype&sockTypeMask, fd, p.notify, p.hca, p.cfg), nil
}

// Init performs the host-networking bring-up no Socket() call can succeed
// without: entering the sandbox's network namespace (a no-op if nsPath is
// empty, meaning "use the caller's current namespace") and bringing up the
// loopback interface inside it. It returns a restore func that switches the
// calling OS thread back to its original namespace; callers that invoke
// Init must have already locked the calling goroutine to its OS thread
// (runtime.LockOSThread), since netns.Set operates per-thread.
func Init(nsPath string) (restore func() error, err error) {
	orig, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("hostinet: getting current netns: %w", err)
	}
	restore = func() error { return netns.Set(orig) }

	if nsPath != "" {
		target, err := netns.GetFromPath(nsPath)
		if err != nil {
			orig.Close()
			return nil, fmt.Errorf("hostinet: opening netns %q: %w", nsPath, err)
		}
		defer target.Close()
		if err := netns.Set(target); err != nil {
			orig.Close()
			return nil, fmt.Errorf("hostinet: entering netns %q: %w", nsPath, err)
		}
	}

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return restore, fmt.Errorf("hostinet: finding loopback link: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return restore, fmt.Errorf("hostinet: bringing up loopback: %w", err)
	}
	return restore, nil
}
