//go:build linux || darwin

package selectloop

import (
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultIdleTimeout is the select timeout used when heartbeats are disabled.
// It exists only to keep the loop periodically alive.
const DefaultIdleTimeout = 10 * time.Second

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger      *logiface.Logger[logiface.Event]
	logRates    map[time.Duration]int
	poller      Poller
	clock       func() time.Time
	frequency   time.Duration
	idleTimeout time.Duration
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithHeartbeat sets the heartbeat frequency. Run returns each time a
// multiple of freq has elapsed since the loop was created.
// A frequency of 0 (the default) disables heartbeats, in which case Run only
// returns on error. The frequency has microsecond granularity.
func WithHeartbeat(freq time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if freq < 0 || (freq > 0 && freq < time.Microsecond) {
			return ErrInvalidHeartbeat
		}
		opts.frequency = freq.Truncate(time.Microsecond)
		return nil
	}}
}

// WithIdleTimeout sets the select timeout used while heartbeats are
// disabled. Defaults to [DefaultIdleTimeout].
func WithIdleTimeout(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return ErrInvalidIdleTimeout
		}
		opts.idleTimeout = d
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRateLimit rate limits the noisier debug logs (e.g. repeated saves,
// callbacks asking to be called again), per kind of log and descriptor.
// The rates are as accepted by catrate.NewLimiter, and a nil or empty map
// disables limiting.
func WithLogRateLimit(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logRates = rates
		return nil
	}}
}

// WithPoller replaces the select(2) based [Poller], e.g. for testing.
func WithPoller(poller Poller) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.poller = poller
		return nil
	}}
}

// WithClock replaces time.Now, as the source of the current time.
func WithClock(clock func() time.Time) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.clock = clock
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.poller == nil {
		cfg.poller = selectPoller{}
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	return cfg, nil
}
