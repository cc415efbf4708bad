//go:build linux || darwin

package selectloop

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// logKind identifies a rate limited log message.
type logKind uint8

const (
	logKindSaveSkipped logKind = iota + 1
	logKindCallAgain
	logKindRestoreEmpty
)

// logCategory is the catrate category for rate limited logs.
type logCategory struct {
	kind logKind
	fd   int
}

func newLogLimiter(rates map[time.Duration]int) *catrate.Limiter {
	if len(rates) == 0 {
		return nil
	}
	return catrate.NewLimiter(rates)
}

// allowLog reports whether a rate limited log for fd may be written.
// The limiter is only consulted if the message would actually be logged.
func (l *Loop) allowLog(enabled bool, kind logKind, fd int) bool {
	if !enabled {
		return false
	}
	if l.logLimiter == nil {
		return true
	}
	_, ok := l.logLimiter.Allow(logCategory{kind: kind, fd: fd})
	return ok
}
