//go:build linux || darwin

package selectloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

type (
	// Callback is invoked by the loop when a descriptor is ready, or has
	// pending data. The arg and val are the opaque values provided at
	// registration. A callback must perform at most one quantum of work, and
	// must not block, nor call Run.
	Callback func(l *Loop, fd int, arg any, val int) Status

	// Status is returned by a Callback.
	Status int

	// Op identifies a logical operation (read or write), as flags. Used to
	// record which operation is blocked, see Loop.SetBlocking.
	Op uint8

	// slot is a callback table entry, for one (fd, direction).
	slot struct {
		cb  Callback
		arg any
		val int
	}

	// Loop is the reactor context: a callback table, interest sets, and the
	// per-descriptor bookkeeping consulted by Run.
	// Instances must be initialized using the New factory.
	//
	// A Loop is owned by the goroutine calling Run, see the package docs.
	Loop struct { // betteralign:ignore
		// Prevent copying
		_ [0]func()

		poller     Poller
		clock      func() time.Time
		logger     *logiface.Logger[logiface.Event]
		logLimiter *catrate.Limiter

		// interest sets, mutated between (and during) Run calls
		readSet  unix.FdSet
		writeSet unix.FdSet
		// scratch sets, overwritten each iteration, then by select
		scratchRead  unix.FdSet
		scratchWrite unix.FdSet

		readSlots  []slot
		writeSlots []slot
		watermark  int

		wantRead  []bool
		wantWrite []bool
		blocking  []Op

		pending      []bool
		pendingCount int

		savedState []uint8
		isSaved    []bool

		// heartbeat
		epoch        time.Time
		frequency    time.Duration
		idleTimeout  time.Duration
		nextDeadline time.Time
		now          time.Time

		counters loopCounters
	}
)

const (
	// StatusOK indicates the callback completed, or made progress.
	StatusOK Status = iota
	// StatusCallAgain indicates the callback needs to be invoked again, for
	// the same logical operation. The loop does not re-arm interest in
	// response, it relies on the next readiness event.
	StatusCallAgain
)

const (
	// OpRead is the logical read operation.
	OpRead Op = 1 << iota
	// OpWrite is the logical write operation.
	OpWrite
)

// New constructs a Loop. The heartbeat epoch is the time of this call.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		poller:      cfg.poller,
		clock:       cfg.clock,
		logger:      cfg.logger,
		logLimiter:  newLogLimiter(cfg.logRates),
		readSlots:   make([]slot, MaxFDs),
		writeSlots:  make([]slot, MaxFDs),
		wantRead:    make([]bool, MaxFDs),
		wantWrite:   make([]bool, MaxFDs),
		blocking:    make([]Op, MaxFDs),
		pending:     make([]bool, MaxFDs),
		savedState:  make([]uint8, MaxFDs),
		isSaved:     make([]bool, MaxFDs),
		frequency:   cfg.frequency,
		idleTimeout: cfg.idleTimeout,
	}

	l.now = l.clock()
	l.epoch = l.now

	return l, nil
}

// Run blocks, polling and dispatching callbacks, until the heartbeat deadline
// has passed, returning nil. If heartbeats are disabled, Run only returns if
// select fails for a reason other than EINTR, in which case the error will be
// a *PollError.
func (l *Loop) Run() error {
	for {
		maxFD := l.watermark

		// deliver data buffered by the application, before asking the kernel
		if l.drainPending(maxFD) {
			continue
		}

		l.scratchRead = l.readSet
		l.scratchWrite = l.writeSet

		timeout := l.nextTimeout()

		n, err := l.poller.Select(maxFD+1, &l.scratchRead, &l.scratchWrite, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				l.counters.interrupts.Add(1)
				l.logger.Trace().Log(`select interrupted`)
				continue
			}
			l.logger.Err().
				Err(err).
				Int(`max_fd`, maxFD).
				Log(`select failed`)
			return &PollError{Err: err}
		}
		l.counters.polls.Add(1)
		if n == 0 {
			l.counters.timeouts.Add(1)
		}

		l.now = l.clock()

		l.dispatch(maxFD, n)

		if l.frequency > 0 && !l.now.Before(l.nextDeadline) {
			l.counters.ticks.Add(1)
			l.logger.Trace().
				Time(`deadline`, l.nextDeadline).
				Log(`heartbeat`)
			return nil
		}
	}
}

// Serve calls Run until ctx is canceled, or an error occurs, calling onTick
// (if non-nil) after each heartbeat. The ctx is only checked at heartbeat
// boundaries, so Serve requires a heartbeat to be configured, see
// WithHeartbeat.
func (l *Loop) Serve(ctx context.Context, onTick func(now time.Time) error) error {
	if l.frequency <= 0 {
		return ErrHeartbeatRequired
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Run(); err != nil {
			return err
		}
		if onTick != nil {
			if err := onTick(l.now); err != nil {
				return err
			}
		}
	}
}

// nextTimeout calculates the select timeout, updating nextDeadline, if
// heartbeats are enabled. Deadlines are aligned to multiples of the
// frequency, from the epoch, regardless of how long each iteration took.
func (l *Loop) nextTimeout() time.Duration {
	if l.frequency <= 0 {
		return l.idleTimeout
	}
	l.now = l.clock()
	elapsed := l.now.Sub(l.epoch)
	if elapsed < 0 {
		elapsed = 0
	}
	skip := elapsed / l.frequency
	l.nextDeadline = l.epoch.Add((skip + 1) * l.frequency)
	return l.nextDeadline.Sub(l.now)
}

// drainPending invokes the read callback of every descriptor with pending
// data, that is still in the read interest set. Returns true if any were
// invoked.
func (l *Loop) drainPending(maxFD int) bool {
	var serviced bool
	for fd := 0; fd <= maxFD && l.pendingCount > 0; fd++ {
		if !l.pending[fd] || !l.readSet.IsSet(fd) {
			continue
		}
		l.pending[fd] = false
		l.pendingCount--
		serviced = true
		l.counters.pendingDrained.Add(1)
		l.call(&l.readSlots[fd], fd, 'r')
	}
	return serviced
}

// dispatch invokes callbacks for the descriptors select reported as ready.
// The counter n is not exact, it only allows an early exit.
func (l *Loop) dispatch(maxFD, n int) {
	for fd := 0; fd <= maxFD && n > 0; fd++ {
		// the interest sets are checked in case a callback cleared them
		if l.scratchRead.IsSet(fd) && l.readSet.IsSet(fd) {
			s, c := &l.readSlots[fd], byte('r')
			if l.wantRead[fd] && l.blocking[fd]&OpWrite != 0 {
				// the write operation is waiting on this read
				s, c = &l.writeSlots[fd], 'W'
				l.counters.redirects.Add(1)
			}
			l.counters.dispatches.Add(1)
			l.call(s, fd, c)
			n--
		}

		if l.scratchWrite.IsSet(fd) && l.writeSet.IsSet(fd) {
			s, c := &l.writeSlots[fd], byte('w')
			if l.wantWrite[fd] && l.blocking[fd]&OpRead != 0 {
				// the read operation is waiting on this write
				s, c = &l.readSlots[fd], 'R'
				l.counters.redirects.Add(1)
			}
			l.counters.dispatches.Add(1)
			l.call(s, fd, c)
			n--
		}
	}
}

// call invokes the callback in s. The c identifies the slot, for diagnostics:
// lowercase for the natural direction, uppercase if redirected.
func (l *Loop) call(s *slot, fd int, c byte) {
	if s.cb == nil {
		panic(fmt.Errorf(`selectloop: %c fd=%d has no callback`, c, fd))
	}

	status := s.cb(l, fd, s.arg, s.val)

	if status == StatusCallAgain && !l.wantRead[fd] && !l.wantWrite[fd] {
		// no re-arm: the next readiness event is relied upon
		l.counters.callAgain.Add(1)
		if b := l.logger.Trace(); l.allowLog(b.Enabled(), logKindCallAgain, fd) {
			b.Int(`fd`, fd).
				Str(`slot`, string(c)).
				Log(`callback wants to be called again`)
		} else {
			b.Release()
		}
	}
}

// Epoch returns the time the loop was created, which anchors the heartbeat.
func (l *Loop) Epoch() time.Time { return l.epoch }

// Frequency returns the heartbeat frequency, or 0 if disabled.
func (l *Loop) Frequency() time.Duration { return l.frequency }

// NextDeadline returns the most recently calculated heartbeat deadline.
func (l *Loop) NextDeadline() time.Time { return l.nextDeadline }

// Now returns the time recorded by the loop, after the most recent select.
// Callbacks may use it in place of reading the clock.
func (l *Loop) Now() time.Time { return l.now }
