//go:build linux || darwin

package selectloop

import (
	"strings"
)

// saved state bits
const (
	savedRead uint8 = 1 << iota
	savedWrite
)

// SetRead adds fd to the read interest set.
func (l *Loop) SetRead(fd int) {
	mustFD(fd)
	l.readSet.Set(fd)
}

// ClearRead removes fd from the read interest set.
func (l *Loop) ClearRead(fd int) {
	mustFD(fd)
	l.readSet.Clear(fd)
}

// IsRead reports whether fd is in the read interest set.
func (l *Loop) IsRead(fd int) bool {
	mustFD(fd)
	return l.readSet.IsSet(fd)
}

// SetWrite adds fd to the write interest set.
func (l *Loop) SetWrite(fd int) {
	mustFD(fd)
	l.writeSet.Set(fd)
}

// ClearWrite removes fd from the write interest set.
func (l *Loop) ClearWrite(fd int) {
	mustFD(fd)
	l.writeSet.Clear(fd)
}

// IsWrite reports whether fd is in the write interest set.
func (l *Loop) IsWrite(fd int) bool {
	mustFD(fd)
	return l.writeSet.IsSet(fd)
}

// SetWantRead marks (or unmarks) fd as having a logical operation blocked on
// read readiness. Combined with SetBlocking(fd, OpWrite), read readiness will
// dispatch to the write callback.
func (l *Loop) SetWantRead(fd int, want bool) {
	mustFD(fd)
	l.wantRead[fd] = want
}

// SetWantWrite marks (or unmarks) fd as having a logical operation blocked on
// write readiness. Combined with SetBlocking(fd, OpRead), write readiness
// will dispatch to the read callback.
func (l *Loop) SetWantWrite(fd int, want bool) {
	mustFD(fd)
	l.wantWrite[fd] = want
}

// SetBlocking records which logical operation(s) are currently blocked, for
// fd. Use 0 to clear.
func (l *Loop) SetBlocking(fd int, op Op) {
	mustFD(fd)
	l.blocking[fd] = op
}

// WantRead returns the value set by SetWantRead.
func (l *Loop) WantRead(fd int) bool {
	mustFD(fd)
	return l.wantRead[fd]
}

// WantWrite returns the value set by SetWantWrite.
func (l *Loop) WantWrite(fd int) bool {
	mustFD(fd)
	return l.wantWrite[fd]
}

// Blocking returns the value set by SetBlocking.
func (l *Loop) Blocking(fd int) Op {
	mustFD(fd)
	return l.blocking[fd]
}

// MarkPending indicates fd has decoded data available, that must be delivered
// (via the read callback) before the next poll. Calling it again before the
// data is drained has no effect. The flag is cleared just prior to invoking
// the callback.
func (l *Loop) MarkPending(fd int) {
	mustFD(fd)
	if l.pending[fd] {
		return
	}
	l.pending[fd] = true
	l.pendingCount++
}

// IsPending reports whether fd is marked as having pending data.
func (l *Loop) IsPending(fd int) bool {
	mustFD(fd)
	return l.pending[fd]
}

// PendingCount returns the number of descriptors marked as having pending
// data.
func (l *Loop) PendingCount() int { return l.pendingCount }

// SaveState captures the read and write interest of fd, to be reapplied by
// RestoreState. If state is already saved for fd, this is a no-op. The id is
// only used for logging.
func (l *Loop) SaveState(fd int, id string) {
	mustFD(fd)

	if l.isSaved[fd] {
		if b := l.logger.Debug(); l.allowLog(b.Enabled(), logKindSaveSkipped, fd) {
			b.Int(`fd`, fd).
				Str(`id`, id).
				Log(`state already saved, skipping`)
		} else {
			b.Release()
		}
		return
	}

	var state uint8
	if l.readSet.IsSet(fd) {
		state |= savedRead
	}
	if l.writeSet.IsSet(fd) {
		state |= savedWrite
	}
	l.savedState[fd] = state
	l.isSaved[fd] = true

	l.logger.Debug().
		Int(`fd`, fd).
		Str(`id`, id).
		Str(`state`, formatState(state)).
		Log(`saved state`)
}

// RestoreState reapplies the interest captured by SaveState, replacing the
// current interest of fd. If nothing was saved, this is a no-op.
func (l *Loop) RestoreState(fd int, id string) {
	mustFD(fd)

	if !l.isSaved[fd] {
		return
	}

	state := l.savedState[fd]
	if state == 0 {
		// e.g. reading stopped after a shutdown, and a would-block write
		// saved then restored an empty state
		if b := l.logger.Debug(); l.allowLog(b.Enabled(), logKindRestoreEmpty, fd) {
			b.Int(`fd`, fd).
				Str(`id`, id).
				Log(`restoring empty state`)
		} else {
			b.Release()
		}
	}

	l.isSaved[fd] = false
	l.savedState[fd] = 0

	l.readSet.Clear(fd)
	l.writeSet.Clear(fd)
	if state&savedRead != 0 {
		l.readSet.Set(fd)
	}
	if state&savedWrite != 0 {
		l.writeSet.Set(fd)
	}

	l.logger.Debug().
		Int(`fd`, fd).
		Str(`id`, id).
		Str(`state`, formatState(state)).
		Log(`restored state`)
}

// IsSaved reports whether fd has state saved by SaveState.
func (l *Loop) IsSaved(fd int) bool {
	mustFD(fd)
	return l.isSaved[fd]
}

func formatState(state uint8) string {
	var b strings.Builder
	b.Grow(2)
	if state&savedRead != 0 {
		b.WriteByte('r')
	} else {
		b.WriteByte('-')
	}
	if state&savedWrite != 0 {
		b.WriteByte('w')
	} else {
		b.WriteByte('-')
	}
	return b.String()
}
