//go:build linux || darwin

package selectloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeClock is a manually advanced clock, for use with WithClock.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// pollCall records the arguments of a Poller.Select call.
type pollCall struct {
	nfd     int
	r, w    unix.FdSet
	timeout time.Duration
}

// scriptedPoller calls each step in turn, panicking if it runs out.
type scriptedPoller struct {
	t     *testing.T
	steps []func(call pollCall, r, w *unix.FdSet) (int, error)
	calls []pollCall
}

func (p *scriptedPoller) Select(nfd int, r, w *unix.FdSet, timeout time.Duration) (int, error) {
	call := pollCall{nfd: nfd, r: *r, w: *w, timeout: timeout}
	p.calls = append(p.calls, call)
	if len(p.steps) == 0 {
		p.t.Fatalf("unexpected select call %d: %+v", len(p.calls), call)
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step(call, r, w)
}

func (p *scriptedPoller) add(steps ...func(call pollCall, r, w *unix.FdSet) (int, error)) {
	p.steps = append(p.steps, steps...)
}

// timeoutStep simulates select blocking for the full timeout, plus latency.
func timeoutStep(clock *fakeClock, latency time.Duration) func(call pollCall, r, w *unix.FdSet) (int, error) {
	return func(call pollCall, r, w *unix.FdSet) (int, error) {
		clock.Advance(call.timeout + latency)
		r.Zero()
		w.Zero()
		return 0, nil
	}
}

// readyStep simulates select returning after elapsed, with the given
// descriptors ready (if they were requested), reporting n as the count.
func readyStep(clock *fakeClock, elapsed time.Duration, n int, readFDs, writeFDs []int) func(call pollCall, r, w *unix.FdSet) (int, error) {
	return func(call pollCall, r, w *unix.FdSet) (int, error) {
		clock.Advance(elapsed)
		keep(r, readFDs...)
		keep(w, writeFDs...)
		return n, nil
	}
}

// errStep simulates select failing.
func errStep(err error) func(call pollCall, r, w *unix.FdSet) (int, error) {
	return func(call pollCall, r, w *unix.FdSet) (int, error) {
		return -1, err
	}
}

// keep modifies set to contain only the given fds, that were already present.
func keep(set *unix.FdSet, fds ...int) {
	var out unix.FdSet
	for _, fd := range fds {
		if set.IsSet(fd) {
			out.Set(fd)
		}
	}
	*set = out
}

// newTestLoop builds a loop using a fake clock and scripted poller.
func newTestLoop(t *testing.T, opts ...LoopOption) (*Loop, *fakeClock, *scriptedPoller) {
	t.Helper()
	clock := newFakeClock()
	poller := &scriptedPoller{t: t}
	l, err := New(append([]LoopOption{WithClock(clock.Now), WithPoller(poller)}, opts...)...)
	require.NoError(t, err)
	return l, clock, poller
}

// recorder records callback invocations.
type recorder struct {
	calls []string
}

func (r *recorder) callback(name string, status Status) Callback {
	return func(l *Loop, fd int, arg any, val int) Status {
		r.calls = append(r.calls, name)
		return status
	}
}

// testSocketPair creates a connected, non-blocking unix socket pair.
func testSocketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}
