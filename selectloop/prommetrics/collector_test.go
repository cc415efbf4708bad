//go:build linux || darwin

package prommetrics

import (
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/go-selectloop/selectloop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type staticSource selectloop.Metrics

func (s staticSource) Metrics() selectloop.Metrics { return selectloop.Metrics(s) }

func TestCollector(t *testing.T) {
	src := staticSource{
		Polls:          10,
		Timeouts:       4,
		Interrupts:     1,
		Dispatches:     7,
		Redirects:      2,
		PendingDrained: 3,
		Ticks:          4,
		CallAgain:      5,
	}

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(src, `selectloop`)))

	const expected = `
# HELP selectloop_call_again_total Callbacks that asked to be called again.
# TYPE selectloop_call_again_total counter
selectloop_call_again_total 5
# HELP selectloop_dispatches_total Callbacks invoked for descriptor readiness.
# TYPE selectloop_dispatches_total counter
selectloop_dispatches_total 7
# HELP selectloop_pending_drained_total Read callbacks invoked for application buffered data.
# TYPE selectloop_pending_drained_total counter
selectloop_pending_drained_total 3
# HELP selectloop_poll_interrupts_total Select calls interrupted by a signal.
# TYPE selectloop_poll_interrupts_total counter
selectloop_poll_interrupts_total 1
# HELP selectloop_poll_timeouts_total Select calls that returned with nothing ready.
# TYPE selectloop_poll_timeouts_total counter
selectloop_poll_timeouts_total 4
# HELP selectloop_polls_total Select calls that returned without error.
# TYPE selectloop_polls_total counter
selectloop_polls_total 10
# HELP selectloop_redirects_total Readiness events dispatched to the opposite direction's callback.
# TYPE selectloop_redirects_total counter
selectloop_redirects_total 2
# HELP selectloop_ticks_total Heartbeat deadlines reached.
# TYPE selectloop_ticks_total counter
selectloop_ticks_total 4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
	assert.Equal(t, 8, testutil.CollectAndCount(NewCollector(src, ``)))
}

func TestCollector_liveLoop(t *testing.T) {
	var calls int
	l, err := selectloop.New(
		selectloop.WithHeartbeat(time.Second),
		selectloop.WithPoller(selectloop.PollerFunc(func(nfd int, r, w *unix.FdSet, timeout time.Duration) (int, error) {
			calls++
			r.Zero()
			w.Zero()
			return 0, nil
		})),
		selectloop.WithClock(func() time.Time {
			// each select consumes a full heartbeat
			return time.Unix(0, 0).Add(time.Duration(calls) * time.Second)
		}),
	)
	require.NoError(t, err)

	c := NewCollector(l, `loop`)
	require.NoError(t, l.Run())
	require.NoError(t, l.Run())

	assert.Equal(t, 2, calls)
	assert.Equal(t, 8, testutil.CollectAndCount(c))
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP loop_ticks_total Heartbeat deadlines reached.
# TYPE loop_ticks_total counter
loop_ticks_total 2
# HELP loop_poll_timeouts_total Select calls that returned with nothing ready.
# TYPE loop_poll_timeouts_total counter
loop_poll_timeouts_total 2
`), `loop_ticks_total`, `loop_poll_timeouts_total`))
}

func TestNewCollector_nilSource(t *testing.T) {
	assert.Panics(t, func() { NewCollector(nil, ``) })
}
