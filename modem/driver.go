package modem

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is the delay between steps when a Driver has none.
const DefaultPollInterval = 100 * time.Millisecond

// Driver runs a Machine either to completion or for a single step. It is
// the only place where waiting happens.
type Driver struct {
	// Interval is the delay between two steps in Blocking mode.
	Interval time.Duration
	// Timeout bounds Blocking mode. Zero means unbounded.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Run drives m according to mode.
//
// In Blocking mode, when the budget is spent or ctx is done, m is forced
// into its error state through Fail and Run returns Failed.
func (d Driver) Run(ctx context.Context, m Machine, mode Mode) Result {
	if mode == NonBlocking {
		return m.Step(ctx)
	}

	interval := d.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var deadline time.Time
	if d.Timeout > 0 {
		deadline = time.Now().Add(d.Timeout)
	}

	timer := time.NewTimer(interval)
	timer.Stop()
	defer timer.Stop()

	for {
		if r := m.Step(ctx); r != Pending {
			return r
		}

		wait := interval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				d.Log().Debug("step budget exhausted", "timeout", d.Timeout)
				m.Fail(ErrTimeout)
				return Failed
			}
			wait = min(wait, left)
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			m.Fail(ctx.Err())
			return Failed
		case <-timer.C:
		}
	}
}

// Log returns the driver logger, discarding output when none is set.
func (d Driver) Log() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}
