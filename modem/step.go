package modem

import (
	"context"

	"i4.energy/across/cellular/at"
)

// Channel is the serialized AT command channel shared by every feature
// state machine. At most one command is in flight at any time.
type Channel interface {
	// Issue sends cmd and waits briefly for its final result code. It
	// returns a Continue response while the command is still executing,
	// and an Error response with ErrBusy, without sending anything, when
	// another command is in flight.
	Issue(ctx context.Context, cmd at.Command) at.Response
	// Busy reports whether a command is in flight.
	Busy() bool
	// Result returns the current snapshot of the command with the given id.
	Result(id uint64) at.Response
}

// Result is the outcome of a single Step.
type Result int

const (
	Pending Result = iota
	Success
	Failed
)

// Code returns the numeric form of r: 0 pending, 1 success, 2 failed.
func (r Result) Code() int {
	return int(r)
}

func (r Result) String() string {
	switch r {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Machine is a cooperative, resumable feature state machine.
//
// Step may be called at any time. When the channel is busy it returns
// Pending without changing state. Otherwise it performs exactly one
// transition: it interprets at most one prior response and issues at most
// one new command.
type Machine interface {
	Step(ctx context.Context) Result
	// Fail forces the machine into its terminal error state.
	Fail(err error)
}

// Mode selects how a Driver runs a Machine.
type Mode int

const (
	// Blocking steps the machine until it finishes or the time budget is
	// spent.
	Blocking Mode = iota
	// NonBlocking performs a single step.
	NonBlocking
)

func (m Mode) String() string {
	if m == NonBlocking {
		return "non-blocking"
	}
	return "blocking"
}
