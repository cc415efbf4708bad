//go:build linux || darwin

package selectloop

import (
	"sync/atomic"
)

// Metrics is a point-in-time snapshot of the loop's counters.
type Metrics struct {
	// Polls is the number of select calls that returned without error.
	Polls uint64
	// Timeouts is the number of select calls that reported nothing ready.
	Timeouts uint64
	// Interrupts is the number of select calls that failed with EINTR.
	Interrupts uint64
	// Dispatches is the number of callbacks invoked for kernel readiness.
	Dispatches uint64
	// Redirects is the subset of Dispatches that invoked the callback of the
	// opposite direction.
	Redirects uint64
	// PendingDrained is the number of callbacks invoked for pending data.
	PendingDrained uint64
	// Ticks is the number of times Run returned on a heartbeat.
	Ticks uint64
	// CallAgain is the number of callbacks that returned StatusCallAgain
	// without any want flag set.
	CallAgain uint64
}

// loopCounters backs Metrics. Written only by the loop goroutine, but read
// from any goroutine.
type loopCounters struct {
	polls          atomic.Uint64
	timeouts       atomic.Uint64
	interrupts     atomic.Uint64
	dispatches     atomic.Uint64
	redirects      atomic.Uint64
	pendingDrained atomic.Uint64
	ticks          atomic.Uint64
	callAgain      atomic.Uint64
}

// Metrics returns a snapshot of the loop's counters.
// Unlike the rest of the API, it is safe to call from any goroutine.
func (l *Loop) Metrics() Metrics {
	c := &l.counters
	return Metrics{
		Polls:          c.polls.Load(),
		Timeouts:       c.timeouts.Load(),
		Interrupts:     c.interrupts.Load(),
		Dispatches:     c.dispatches.Load(),
		Redirects:      c.redirects.Load(),
		PendingDrained: c.pendingDrained.Load(),
		Ticks:          c.ticks.Load(),
		CallAgain:      c.callAgain.Load(),
	}
}
