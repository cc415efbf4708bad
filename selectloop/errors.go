package selectloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrFDOutOfRange is the panic value (wrapped) used when a descriptor
	// falls outside of [0, MaxFDs).
	ErrFDOutOfRange = errors.New("selectloop: fd out of range")

	// ErrInvalidHeartbeat is returned by New if the heartbeat frequency is
	// negative, or positive but below one microsecond.
	ErrInvalidHeartbeat = errors.New("selectloop: invalid heartbeat frequency")

	// ErrInvalidIdleTimeout is returned by New if the idle timeout is not
	// positive.
	ErrInvalidIdleTimeout = errors.New("selectloop: idle timeout must be positive")

	// ErrHeartbeatRequired is returned by Loop.Serve if heartbeats are
	// disabled, as Run would never return control.
	ErrHeartbeatRequired = errors.New("selectloop: serve requires a heartbeat")
)

// PollError is returned by [Loop.Run] when the readiness-polling call fails
// for any reason other than interruption by a signal. The loop does not
// attempt recovery.
type PollError struct {
	Err error
}

// Error implements the error interface.
func (e *PollError) Error() string {
	return fmt.Sprintf("selectloop: select: %v", e.Err)
}

// Unwrap returns the underlying OS error, e.g. a unix.Errno.
func (e *PollError) Unwrap() error {
	return e.Err
}
