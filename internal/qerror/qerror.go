// Package qerror implements the error taxonomy used across the host-networking
// fast path: a pass-through Linux errno wrapper, an interruption sentinel, a
// panic-only invalid-state type, resource exhaustion, and peer-closed.
//
// Most host-call boundaries in this module return one of these rather than a
// bare error, so callers can errors.As/errors.Is their way back to an errno
// without re-parsing strings.
package qerror

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// SystemError wraps a Linux errno returned by a host call or a socket buffer
// error latch.
type SystemError struct {
	Errno unix.Errno
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error: %s", e.Errno)
}

// Is allows errors.Is(err, unix.EAGAIN) style comparisons directly against
// the wrapped errno.
func (e *SystemError) Is(target error) bool {
	if se, ok := target.(*SystemError); ok {
		return e.Errno == se.Errno
	}
	return errors.Is(e.Errno, target)
}

// FromErrno wraps a raw Linux errno. A zero/negative-less errno is nil.
func FromErrno(errno unix.Errno) error {
	if errno == 0 {
		return nil
	}
	return &SystemError{Errno: errno}
}

// FromRC wraps a Linux-style rc (rc<0 means -errno), matching the host call
// surface convention used throughout this module.
func FromRC(rc int) error {
	if rc >= 0 {
		return nil
	}
	return &SystemError{Errno: unix.Errno(-rc)}
}

// Errno extracts the wrapped errno, or EINVAL if err isn't a *SystemError.
func Errno(err error) unix.Errno {
	var se *SystemError
	if errors.As(err, &se) {
		return se.Errno
	}
	return unix.EINVAL
}

// ErrInterrupted is surfaced by a blocking wait that observed a pending
// signal; callers translate it to ERESTARTSYS at the syscall boundary.
var ErrInterrupted = errors.New("interrupted")

// ErrPeerClosed marks a ring half transitioning to closed-and-drained;
// surfaced as EVENT_HUP on Readiness once the corresponding half empties.
var ErrPeerClosed = errors.New("peer closed")

// ResourceExhaustedError is latched on an AcceptQueue when the host signals
// exhaustion (commonly EMFILE from accept4).
type ResourceExhaustedError struct {
	Cause error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %v", e.Cause)
}

func (e *ResourceExhaustedError) Unwrap() error { return e.Cause }

// NewResourceExhausted wraps cause as a ResourceExhaustedError.
func NewResourceExhausted(cause error) error {
	return &ResourceExhaustedError{Cause: cause}
}

// InvalidState panics with an InvalidStateError. Transitions the spec marks
// as programmer errors (Accept on a non-server buf-type, a buffered send
// carrying msg_name, …) call this instead of returning an error.
func InvalidState(format string, args ...any) {
	panic(&InvalidStateError{Msg: fmt.Sprintf(format, args...)})
}

// InvalidStateError is the panic value raised by InvalidState.
type InvalidStateError struct {
	Msg string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Msg
}
