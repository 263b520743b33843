package network

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
)

// ReadyState is the state of the bring-up sequence.
type ReadyState int

const (
	ReadyIdle ReadyState = iota
	ReadySetErrorReporting
	ReadyWaitSetErrorReporting
	ReadySetMinimumFunctionality
	ReadyWaitMinimumFunctionalityQuery
	ReadyWaitSetMinimumFunctionality
	ReadyCheckSIM
	ReadyWaitCheckSIM
	ReadyUnlockSIM
	ReadyWaitUnlockSIM
	ReadyDetachData
	ReadyWaitDetachData
	ReadySetMessageFormat
	ReadyWaitSetMessageFormat
	ReadySetTimeZoneUpdate
	ReadyWaitSetTimeZoneUpdate
	ReadySetAPN
	ReadyWaitSetAPN
	ReadySetAPNAuth
	ReadyWaitSetAPNAuth
	ReadySetFullFunctionality
	ReadyWaitFullFunctionalityQuery
	ReadyWaitSetFullFunctionality
	ReadyCheckRegistration
	ReadyWaitOperator
	ReadyWaitPacketRegistration
	ReadyWaitEPSRegistration
	ReadyActivateContext
	ReadyWaitActivateContext
	ReadyDone
)

var readyStateNames = [...]string{
	ReadyIdle:                          "idle",
	ReadySetErrorReporting:             "set-error-reporting",
	ReadyWaitSetErrorReporting:         "wait-set-error-reporting",
	ReadySetMinimumFunctionality:       "set-minimum-functionality",
	ReadyWaitMinimumFunctionalityQuery: "wait-minimum-functionality-query",
	ReadyWaitSetMinimumFunctionality:   "wait-set-minimum-functionality",
	ReadyCheckSIM:                      "check-sim",
	ReadyWaitCheckSIM:                  "wait-check-sim",
	ReadyUnlockSIM:                     "unlock-sim",
	ReadyWaitUnlockSIM:                 "wait-unlock-sim",
	ReadyDetachData:                    "detach-data",
	ReadyWaitDetachData:                "wait-detach-data",
	ReadySetMessageFormat:              "set-message-format",
	ReadyWaitSetMessageFormat:          "wait-set-message-format",
	ReadySetTimeZoneUpdate:             "set-time-zone-update",
	ReadyWaitSetTimeZoneUpdate:         "wait-set-time-zone-update",
	ReadySetAPN:                        "set-apn",
	ReadyWaitSetAPN:                    "wait-set-apn",
	ReadySetAPNAuth:                    "set-apn-auth",
	ReadyWaitSetAPNAuth:                "wait-set-apn-auth",
	ReadySetFullFunctionality:          "set-full-functionality",
	ReadyWaitFullFunctionalityQuery:    "wait-full-functionality-query",
	ReadyWaitSetFullFunctionality:      "wait-set-full-functionality",
	ReadyCheckRegistration:             "check-registration",
	ReadyWaitOperator:                  "wait-operator",
	ReadyWaitPacketRegistration:        "wait-packet-registration",
	ReadyWaitEPSRegistration:           "wait-eps-registration",
	ReadyActivateContext:               "activate-context",
	ReadyWaitActivateContext:           "wait-activate-context",
	ReadyDone:                          "done",
}

func (s ReadyState) String() string {
	if s < 0 || int(s) >= len(readyStateNames) {
		return "unknown"
	}
	return readyStateNames[s]
}

const (
	cmdQueryFunctionality   = "AT+CFUN?"
	cmdMinimumFunctionality = "AT+CFUN=0"
	cmdFullFunctionality    = "AT+CFUN=1"
	cmdTimeZoneUpdate       = "AT+CTZU=1"
	cmdOperator             = "AT+COPS?"
	cmdPacketRegistration   = "AT+CGREG?"
	cmdEPSRegistration      = "AT+CEREG?"
	cmdActivateContext      = "AT#SGACT=1,1"
	cmdCircuitRegistration  = "AT+CREG?"

	prefixFunctionality = "+CFUN: "
	prefixOperator      = "+COPS:"

	// CFUN changes take seconds on Telit modules.
	functionalityTimeout = 15 * time.Second
	// Context activation waits for the network.
	activationTimeout = 150 * time.Second
)

// DefaultRestartDelay is the time a modem needs after AT#REBOOT before it
// accepts commands again.
const DefaultRestartDelay = 6 * time.Second

// Options configure the bring-up sequence.
type Options struct {
	// PIN unlocks the SIM when it asks for one.
	PIN string
	// Protocol is the PDP type, "IP" when empty.
	Protocol string
	APN      string
	Username string
	Password string
	// Restart reboots the modem before the sequence starts.
	Restart      bool
	RestartDelay time.Duration
	// Sync waits for the sequence to finish. Otherwise Begin performs one
	// step and the caller keeps stepping.
	Sync bool
}

func (o Options) protocol() string {
	if o.Protocol == "" {
		return "IP"
	}
	return o.Protocol
}

// Provisioner brings the modem from power-on to an activated packet data
// context: error reporting, SIM unlock, PDP context definition,
// registration and context activation.
//
// A Provisioner is not safe for concurrent use.
type Provisioner struct {
	x      *modem.Exchange
	driver modem.Driver
	log    *slog.Logger

	opts   Options
	state  ReadyState
	status Status
	err    error
}

func NewProvisioner(ch modem.Channel, d modem.Driver) *Provisioner {
	return &Provisioner{
		x:      modem.NewExchange(ch),
		driver: d,
		log:    d.Log().With("component", "provision"),
		status: StatusIdle,
	}
}

// Begin (re)starts the sequence from its first state and returns the
// network status: the final one in Sync mode, the current one otherwise.
func (p *Provisioner) Begin(ctx context.Context, opts Options) Status {
	p.opts = opts
	p.x.Reset()
	p.err = nil

	if opts.Restart {
		if err := p.restart(ctx); err != nil {
			p.Fail(err)
			return p.status
		}
	}

	p.status = StatusIdle
	p.state = ReadySetErrorReporting
	p.log.Info("bring-up started", "apn", opts.APN, "protocol", opts.protocol())

	mode := modem.NonBlocking
	if opts.Sync {
		mode = modem.Blocking
	}
	p.driver.Run(ctx, p, mode)
	return p.status
}

func (p *Provisioner) restart(ctx context.Context) error {
	if _, err := modem.Exec(ctx, p.x.Channel(), at.Cmd(at.CmdReboot)); err != nil {
		return fmt.Errorf("reboot modem: %w", err)
	}
	delay := p.opts.RestartDelay
	if delay == 0 {
		delay = DefaultRestartDelay
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Step performs at most one transition. See modem.Machine.
func (p *Provisioner) Step(ctx context.Context) modem.Result {
	if p.status == StatusError {
		return modem.Failed
	}
	if !p.x.Ready() {
		return modem.Pending
	}

	switch p.state {
	case ReadyIdle:
		p.Fail(ErrNotStarted)
		return modem.Failed

	case ReadySetErrorReporting:
		p.issue(ctx, at.Cmd(at.CmdVerboseErrors), ReadyWaitSetErrorReporting)

	case ReadyWaitSetErrorReporting:
		return p.expect(ReadySetMinimumFunctionality)

	case ReadySetMinimumFunctionality:
		p.issue(ctx, at.Cmd(cmdQueryFunctionality), ReadyWaitMinimumFunctionalityQuery)

	case ReadyWaitMinimumFunctionalityQuery:
		if functionality(p.x.Response()) == "0" {
			p.transition(ReadyCheckSIM)
			break
		}
		p.issue(ctx, at.Cmd(cmdMinimumFunctionality).WithTimeout(functionalityTimeout), ReadyWaitSetMinimumFunctionality)

	case ReadyWaitSetMinimumFunctionality:
		return p.expect(ReadyCheckSIM)

	case ReadyCheckSIM:
		p.issue(ctx, at.Cmd(at.CmdSimStatus), ReadyWaitCheckSIM)

	case ReadyWaitCheckSIM:
		r := p.x.Response()
		if r.Outcome == at.Error {
			// The SIM may not be readable right after CFUN changes.
			p.transition(ReadyCheckSIM)
			break
		}
		switch sim, _ := r.LastField("+CPIN:"); sim {
		case at.SimReady:
			p.transition(ReadySetMessageFormat)
		case at.SimPin:
			p.transition(ReadyUnlockSIM)
		default:
			p.Fail(fmt.Errorf("%w: %q", ErrSIMState, sim))
			return modem.Failed
		}

	case ReadyUnlockSIM:
		if p.opts.PIN == "" {
			p.Fail(ErrSIMPinRequired)
			return modem.Failed
		}
		p.issue(ctx, at.Cmd("AT+CPIN=%s", p.opts.PIN), ReadyWaitUnlockSIM)

	case ReadyWaitUnlockSIM:
		return p.expect(ReadyDetachData)

	case ReadyDetachData:
		p.issue(ctx, at.Cmd(cmdDetach), ReadyWaitDetachData)

	case ReadyWaitDetachData:
		return p.expect(ReadySetMessageFormat)

	case ReadySetMessageFormat:
		p.issue(ctx, at.Cmd(at.CmdSetTextMode), ReadyWaitSetMessageFormat)

	case ReadyWaitSetMessageFormat:
		return p.expect(ReadySetTimeZoneUpdate)

	case ReadySetTimeZoneUpdate:
		p.issue(ctx, at.Cmd(cmdTimeZoneUpdate), ReadyWaitSetTimeZoneUpdate)

	case ReadyWaitSetTimeZoneUpdate:
		return p.expect(ReadySetAPN)

	case ReadySetAPN:
		p.issue(ctx, at.Cmd(`AT+CGDCONT=1,"%s","%s"`, p.opts.protocol(), p.opts.APN), ReadyWaitSetAPN)

	case ReadyWaitSetAPN:
		return p.expect(ReadySetAPNAuth)

	case ReadySetAPNAuth:
		cmd := at.Cmd("AT#PDPAUTH=1,0")
		if p.opts.Username != "" || p.opts.Password != "" {
			cmd = at.Cmd(`AT#PDPAUTH=1,2,"%s","%s"`, p.opts.Username, p.opts.Password)
		}
		p.issue(ctx, cmd, ReadyWaitSetAPNAuth)

	case ReadyWaitSetAPNAuth:
		return p.expect(ReadySetFullFunctionality)

	case ReadySetFullFunctionality:
		p.issue(ctx, at.Cmd(cmdQueryFunctionality), ReadyWaitFullFunctionalityQuery)

	case ReadyWaitFullFunctionalityQuery:
		if functionality(p.x.Response()) == "1" {
			p.transition(ReadyCheckRegistration)
			break
		}
		p.issue(ctx, at.Cmd(cmdFullFunctionality).WithTimeout(functionalityTimeout), ReadyWaitSetFullFunctionality)

	case ReadyWaitSetFullFunctionality:
		return p.expect(ReadyCheckRegistration)

	case ReadyCheckRegistration:
		p.issue(ctx, at.Cmd(cmdOperator), ReadyWaitOperator)

	case ReadyWaitOperator:
		r := p.x.Response()
		if r.Outcome == at.Error {
			p.Fail(r.Err)
			return modem.Failed
		}
		switch act, _ := r.LastField(prefixOperator); act {
		case "0":
			p.issue(ctx, at.Cmd(cmdPacketRegistration), ReadyWaitPacketRegistration)
		case "8", "9":
			p.issue(ctx, at.Cmd(cmdEPSRegistration), ReadyWaitEPSRegistration)
		default:
			p.transition(ReadyCheckRegistration)
		}

	case ReadyWaitPacketRegistration, ReadyWaitEPSRegistration:
		return p.registration(p.x.Response())

	case ReadyActivateContext:
		p.issue(ctx, at.Cmd(cmdActivateContext).WithTimeout(activationTimeout), ReadyWaitActivateContext)

	case ReadyWaitActivateContext:
		if r := p.x.Response(); r.Outcome == at.Error {
			p.Fail(r.Err)
			return modem.Failed
		}
		p.transition(ReadyDone)
		p.status = StatusReady
		p.log.Info("modem ready")
		return modem.Success

	case ReadyDone:
		return modem.Success
	}
	return modem.Pending
}

// registration interprets a +CGREG or +CEREG answer.
func (p *Provisioner) registration(r at.Response) modem.Result {
	if r.Outcome == at.Error {
		p.transition(ReadyCheckRegistration)
		return modem.Pending
	}
	eps := p.state == ReadyWaitEPSRegistration
	prefix := "+CGREG:"
	if eps {
		prefix = "+CEREG:"
	}
	line, _ := r.Find(prefix)

	switch stat := registrationStat(line); {
	case stat == "1" || stat == "5" || (eps && stat == "8"):
		p.transition(ReadyActivateContext)
	case stat == "2":
		p.status = StatusConnecting
		p.transition(ReadyCheckRegistration)
	case stat == "3":
		p.Fail(ErrRegistrationDenied)
		return modem.Failed
	default:
		p.transition(ReadyCheckRegistration)
	}
	return modem.Pending
}

// registrationStat returns the <stat> field of a registration line in
// either of its formats: "+CGREG: <n>,<stat>[,...]" for read commands and
// "+CGREG: <stat>" for unsolicited reports.
func registrationStat(line string) string {
	_, rest, ok := strings.Cut(line, ":")
	if !ok {
		return ""
	}
	fields := strings.Split(rest, ",")
	stat := fields[0]
	if len(fields) > 1 {
		stat = fields[1]
	}
	return strings.Trim(strings.TrimSpace(stat), `"`)
}

// functionality returns the level reported by AT+CFUN?, or "" when the
// query failed.
func functionality(r at.Response) string {
	line, ok := r.Find(prefixFunctionality)
	if !ok {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(line, prefixFunctionality))
}

func (p *Provisioner) issue(ctx context.Context, cmd at.Command, next ReadyState) {
	p.x.Issue(ctx, cmd)
	p.transition(next)
}

// expect moves to next unless the last command failed, which is fatal.
func (p *Provisioner) expect(next ReadyState) modem.Result {
	if r := p.x.Response(); r.Outcome == at.Error {
		p.Fail(r.Err)
		return modem.Failed
	}
	p.transition(next)
	return modem.Pending
}

func (p *Provisioner) transition(next ReadyState) {
	p.log.Debug("transition", "from", p.state.String(), "to", next.String())
	p.state = next
}

// Fail puts the machine in its terminal error state. Only Begin leaves it.
func (p *Provisioner) Fail(err error) {
	p.status = StatusError
	p.err = err
	p.log.Warn("bring-up failed", "state", p.state.String(), "error", err)
}

func (p *Provisioner) Status() Status {
	return p.status
}

func (p *Provisioner) State() ReadyState {
	return p.state
}

// Err returns the cause of the last failure.
func (p *Provisioner) Err() error {
	return p.err
}

// Shutdown powers the modem off.
func (p *Provisioner) Shutdown(ctx context.Context) error {
	if _, err := modem.Exec(ctx, p.x.Channel(), at.Cmd(at.CmdShutdown)); err != nil {
		return fmt.Errorf("shutdown modem: %w", err)
	}
	p.status = StatusOff
	p.log.Info("modem powered off")
	return nil
}

// IsAccessAlive reports whether the modem is registered to its home
// network or roaming.
func (p *Provisioner) IsAccessAlive(ctx context.Context) bool {
	r, err := modem.Exec(ctx, p.x.Channel(), at.Cmd(cmdCircuitRegistration))
	if err != nil {
		return false
	}
	line, ok := r.Find("+CREG:")
	if !ok {
		return false
	}
	stat := registrationStat(line)
	return stat == "1" || stat == "5"
}

var _ modem.Machine = (*Provisioner)(nil)
