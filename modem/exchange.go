package modem

import (
	"context"
	"time"

	"i4.energy/across/cellular/at"
)

// Exchange owns the response of the last command a machine issued. The
// response belongs to the machine until it issues the next command.
type Exchange struct {
	ch   Channel
	last at.Response
}

func NewExchange(ch Channel) *Exchange {
	return &Exchange{ch: ch}
}

// Channel returns the underlying channel.
func (x *Exchange) Channel() Channel {
	return x.ch
}

// Ready reports whether the channel can accept a command.
func (x *Exchange) Ready() bool {
	return !x.ch.Busy()
}

// Issue sends cmd and keeps its response.
func (x *Exchange) Issue(ctx context.Context, cmd at.Command) at.Outcome {
	x.last = x.ch.Issue(ctx, cmd)
	return x.last.Outcome
}

// Response returns the response of the last issued command, resolving it
// through the channel if it was still executing when issued.
func (x *Exchange) Response() at.Response {
	if x.last.Busy() {
		x.last = x.ch.Result(x.last.ID)
	}
	return x.last
}

// Reset forgets the last response.
func (x *Exchange) Reset() {
	x.last = at.Response{}
}

// execPoll is the polling interval used by Exec.
const execPoll = 10 * time.Millisecond

// Exec issues cmd on ch and waits for its completion. It first waits for
// any command already in flight. It returns the response and, for an
// Error outcome, its cause.
func Exec(ctx context.Context, ch Channel, cmd at.Command) (at.Response, error) {
	for ch.Busy() {
		if err := sleep(ctx, execPoll); err != nil {
			return at.Failure(0, cmd.Text, err), err
		}
	}

	r := ch.Issue(ctx, cmd)
	for r.Busy() {
		if err := sleep(ctx, execPoll); err != nil {
			return r, err
		}
		r = ch.Result(r.ID)
	}
	if r.Outcome == at.Error {
		return r, r.Err
	}
	return r, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
