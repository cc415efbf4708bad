//go:build linux || darwin

package selectloop

import (
	"fmt"
)

// AddReadCallback sets the read callback for fd, replacing any existing.
// Interest must be enabled separately, see SetRead.
func (l *Loop) AddReadCallback(fd int, cb Callback, arg any, val int) {
	mustFD(fd)
	l.readSlots[fd] = slot{cb: cb, arg: arg, val: val}
	l.raiseWatermark(fd)
}

// AddWriteCallback sets the write callback for fd, replacing any existing.
// Interest must be enabled separately, see SetWrite.
func (l *Loop) AddWriteCallback(fd int, cb Callback, arg any, val int) {
	mustFD(fd)
	l.writeSlots[fd] = slot{cb: cb, arg: arg, val: val}
	l.raiseWatermark(fd)
}

// AddCallbacks sets both the read and write callbacks for fd, sharing the
// same arg and val.
func (l *Loop) AddCallbacks(fd int, readCb, writeCb Callback, arg any, val int) {
	l.AddReadCallback(fd, readCb, arg, val)
	l.AddWriteCallback(fd, writeCb, arg, val)
}

// RemoveCallbacks clears both callbacks for fd, removes fd from both interest
// sets, and discards any want, blocking, pending, or saved state. The
// watermark is recalculated.
//
// It is safe to call from a callback, including for the fd being dispatched.
func (l *Loop) RemoveCallbacks(fd int) {
	mustFD(fd)

	l.readSlots[fd] = slot{}
	l.writeSlots[fd] = slot{}
	l.readSet.Clear(fd)
	l.writeSet.Clear(fd)

	l.wantRead[fd] = false
	l.wantWrite[fd] = false
	l.blocking[fd] = 0
	if l.pending[fd] {
		l.pending[fd] = false
		l.pendingCount--
	}
	l.savedState[fd] = 0
	l.isSaved[fd] = false

	// linear scan: removals are rare, relative to polling
	var watermark int
	for i := 0; i <= l.watermark; i++ {
		if l.readSlots[i].cb != nil || l.writeSlots[i].cb != nil {
			watermark = i
		}
	}
	l.watermark = watermark

	l.logger.Debug().
		Int(`fd`, fd).
		Int(`watermark`, watermark).
		Log(`removed callbacks`)
}

// Watermark returns the highest descriptor with a registered callback, or 0.
func (l *Loop) Watermark() int { return l.watermark }

func (l *Loop) raiseWatermark(fd int) {
	if fd > l.watermark {
		l.watermark = fd
	}
}

func mustFD(fd int) {
	if fd < 0 || fd >= MaxFDs {
		panic(fmt.Errorf(`%w: %d`, ErrFDOutOfRange, fd))
	}
}
