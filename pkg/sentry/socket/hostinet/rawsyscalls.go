package hostinet

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// sizeofSockaddr is the size of the largest sockaddr this package passes
// through raw: sockaddr_in6 is bigger than sockaddr_in.
const sizeofSockaddr = unix.SizeofSockaddrInet6

func firstBytePtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return unsafe.Pointer(nil)
	}
	return unsafe.Pointer(&b[0])
}

// accept4 wraps accept4(2), returning the raw errno rather than a
// wrapped error so callers can compare against unix.EAGAIN directly in a
// retry loop.
func accept4(fd int, addr *byte, addrlen *uint32, flags int) (int, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_ACCEPT4, uintptr(fd), uintptr(unsafe.Pointer(addr)), uintptr(unsafe.Pointer(addrlen)), uintptr(flags), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(r1), nil
}

// rawBind/rawConnect pass a guest-supplied sockaddr through untranslated,
// truncated to sizeofSockaddr — the guest may supply a shorter
// family-specific struct (sockaddr_in) which is passed as-is.
func rawBind(fd int, sockaddr []byte) error {
	if len(sockaddr) > sizeofSockaddr {
		sockaddr = sockaddr[:sizeofSockaddr]
	}
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(firstBytePtr(sockaddr)), uintptr(len(sockaddr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func rawConnect(fd int, sockaddr []byte) error {
	if len(sockaddr) > sizeofSockaddr {
		sockaddr = sockaddr[:sizeofSockaddr]
	}
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(firstBytePtr(sockaddr)), uintptr(len(sockaddr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func rawGetsockopt(fd, level, name, optlen int) ([]byte, error) {
	opt := make([]byte, optlen)
	n := uint32(optlen)
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), uintptr(level), uintptr(name), uintptr(firstBytePtr(opt)), uintptr(unsafe.Pointer(&n)), 0)
	if errno != 0 {
		return nil, errno
	}
	return opt[:n], nil
}

func rawSetsockopt(fd, level, name int, opt []byte) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(level), uintptr(name), uintptr(firstBytePtr(opt)), uintptr(len(opt)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
