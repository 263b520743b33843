package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
)

// AttachState is the state of the packet service attach machine.
type AttachState int

const (
	AttachIdle AttachState = iota
	Attach
	WaitAttachResponse
	CheckAttached
	WaitCheckAttachedResponse
	Detach
	WaitDetachResponse
)

func (s AttachState) String() string {
	switch s {
	case AttachIdle:
		return "idle"
	case Attach:
		return "attach"
	case WaitAttachResponse:
		return "wait-attach-response"
	case CheckAttached:
		return "check-attached"
	case WaitCheckAttachedResponse:
		return "wait-check-attached-response"
	case Detach:
		return "detach"
	case WaitDetachResponse:
		return "wait-detach-response"
	default:
		return "unknown"
	}
}

const (
	cmdAttach      = "AT+CGATT=1"
	cmdDetach      = "AT+CGATT=0"
	cmdAttachState = "AT+CGATT?"
	cmdPDPAddress  = "AT+CGPADDR=1"

	prefixAttachState = "+CGATT:"
	prefixPDPAddress  = "+CGPADDR: 1,"
)

// Attacher attaches to and detaches from the packet domain service.
//
// Attaching polls the attach state until the modem reports it attached.
// There is no retry cap: a blocking call is bounded by the driver timeout.
//
// An Attacher is not safe for concurrent use.
type Attacher struct {
	x      *modem.Exchange
	driver modem.Driver
	log    *slog.Logger

	state  AttachState
	status Status
	err    error
}

func NewAttacher(ch modem.Channel, d modem.Driver) *Attacher {
	return &Attacher{
		x:      modem.NewExchange(ch),
		driver: d,
		log:    d.Log().With("component", "attach"),
		status: StatusIdle,
	}
}

// Attach starts attaching and, in Blocking mode, waits for the result. It
// returns the network status.
func (a *Attacher) Attach(ctx context.Context, mode modem.Mode) Status {
	a.reset(Attach)
	a.status = StatusConnecting
	a.driver.Run(ctx, a, mode)
	return a.status
}

// Detach starts detaching and, in Blocking mode, waits for the result.
func (a *Attacher) Detach(ctx context.Context, mode modem.Mode) Status {
	a.reset(Detach)
	a.driver.Run(ctx, a, mode)
	return a.status
}

func (a *Attacher) reset(s AttachState) {
	a.x.Reset()
	a.err = nil
	a.state = s
}

// Step performs at most one transition. See modem.Machine.
func (a *Attacher) Step(ctx context.Context) modem.Result {
	if !a.x.Ready() {
		return modem.Pending
	}

	switch a.state {
	case AttachIdle:
		if a.err != nil {
			return modem.Failed
		}
		return modem.Success

	case Attach:
		a.issue(ctx, cmdAttach, WaitAttachResponse)

	case WaitAttachResponse:
		if r := a.x.Response(); !a.ok(r) {
			return modem.Failed
		}
		a.transition(CheckAttached)

	case CheckAttached:
		a.issue(ctx, cmdAttachState, WaitCheckAttachedResponse)

	case WaitCheckAttachedResponse:
		r := a.x.Response()
		if !a.ok(r) {
			return modem.Failed
		}
		if v, _ := r.LastField(prefixAttachState); v == "1" {
			a.transition(AttachIdle)
			a.status = StatusGprsReady
			a.log.Info("packet service attached")
			return modem.Success
		}
		// Not attached yet. Checking again goes through the wait state
		// so that every poll costs one transition.
		a.transition(WaitAttachResponse)

	case Detach:
		a.issue(ctx, cmdDetach, WaitDetachResponse)

	case WaitDetachResponse:
		if r := a.x.Response(); !a.ok(r) {
			return modem.Failed
		}
		a.transition(AttachIdle)
		a.status = StatusIdle
		a.log.Info("packet service detached")
		return modem.Success
	}
	return modem.Pending
}

// Fail puts the machine in its terminal error state.
func (a *Attacher) Fail(err error) {
	a.state = AttachIdle
	a.status = StatusError
	a.err = err
	a.log.Warn("attach failed", "error", err)
}

func (a *Attacher) issue(ctx context.Context, cmd string, next AttachState) {
	a.x.Issue(ctx, at.Cmd("%s", cmd))
	a.transition(next)
}

// ok fails the machine when r is an error response.
func (a *Attacher) ok(r at.Response) bool {
	if r.Outcome == at.Error {
		a.Fail(r.Err)
		return false
	}
	return true
}

func (a *Attacher) transition(next AttachState) {
	a.log.Debug("transition", "from", a.state.String(), "to", next.String())
	a.state = next
}

func (a *Attacher) Status() Status {
	return a.status
}

func (a *Attacher) State() AttachState {
	return a.state
}

// Err returns the cause of the last failure.
func (a *Attacher) Err() error {
	return a.err
}

// IPAddress returns the address of the first PDP context.
func (a *Attacher) IPAddress(ctx context.Context) (netip.Addr, error) {
	r, err := modem.Exec(ctx, a.x.Channel(), at.Cmd(cmdPDPAddress))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("read PDP address: %w", err)
	}
	line, ok := r.Find(prefixPDPAddress)
	if !ok {
		return netip.Addr{}, ErrNoAddress
	}
	raw := strings.Trim(strings.TrimPrefix(line, prefixPDPAddress), `" `)
	if raw == "" {
		return netip.Addr{}, ErrNoAddress
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse PDP address %q: %w", line, err)
	}
	if addr.IsUnspecified() {
		return netip.Addr{}, ErrNoAddress
	}
	return addr, nil
}

var _ modem.Machine = (*Attacher)(nil)
