//go:build linux || darwin

package selectloop

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MaxFDs is the fixed capacity of the callback table, and of every
// per-descriptor array, i.e. FD_SETSIZE. Descriptors must be in [0, MaxFDs).
const MaxFDs = int(unsafe.Sizeof(unix.FdSet{})) * 8

// Poller is the readiness-polling primitive used by the loop.
//
// Select must behave like select(2): r and w are replaced with the subset of
// descriptors in [0, nfd) that are ready, and the total number of ready
// (descriptor, direction) pairs is returned. An interrupted call should
// return unix.EINTR, which the loop retries.
type Poller interface {
	Select(nfd int, r, w *unix.FdSet, timeout time.Duration) (int, error)
}

// PollerFunc adapts a function to a [Poller].
type PollerFunc func(nfd int, r, w *unix.FdSet, timeout time.Duration) (int, error)

// Select implements [Poller].
func (f PollerFunc) Select(nfd int, r, w *unix.FdSet, timeout time.Duration) (int, error) {
	return f(nfd, r, w, timeout)
}

// selectPoller implements Poller using select(2).
type selectPoller struct{}

func (selectPoller) Select(nfd int, r, w *unix.FdSet, timeout time.Duration) (int, error) {
	if timeout < 0 {
		timeout = 0
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.Select(nfd, r, w, nil, &tv)
}
