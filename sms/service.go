package sms

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
)

// ListState is the state of the message listing machine.
type ListState int

const (
	ListIdle ListState = iota
	ListMessages
	WaitListMessagesResponse
)

func (s ListState) String() string {
	switch s {
	case ListIdle:
		return "idle"
	case ListMessages:
		return "list-messages"
	case WaitListMessagesResponse:
		return "wait-list-messages-response"
	default:
		return "unknown"
	}
}

const (
	cmdListUnread = `AT+CMGL="REC UNREAD"`

	prefixSend = "+CMGS:"

	// SendTimeout bounds the network acknowledgement of a sent message.
	SendTimeout = 60 * time.Second
)

// Delete flags of AT+CMGD, selecting which stored messages are removed
// in addition to the given index.
const (
	DeleteRead           = 1
	DeleteReadSent       = 2
	DeleteReadSentUnsent = 3
	DeleteAll            = 4
)

// Service sends, lists and deletes text messages.
//
// Listing runs as a machine: the wait state always returns to idle, and
// whether the captured response is usable is decided by parsing it.
//
// A Service is not safe for concurrent use.
type Service struct {
	x      *modem.Exchange
	driver modem.Driver
	log    *slog.Logger

	state ListState
	raw   at.Response
	err   error

	to    string
	draft *bytes.Buffer
}

func NewService(ch modem.Channel, d modem.Driver) *Service {
	return &Service{
		x:      modem.NewExchange(ch),
		driver: d,
		log:    d.Log().With("component", "sms"),
	}
}

// List reads the unread messages. A non-blocking call returns
// ErrInProgress until the listing completes; calling again continues the
// same listing.
func (s *Service) List(ctx context.Context, mode modem.Mode) ([]SMS, error) {
	if s.state == ListIdle {
		s.x.Reset()
		s.err = nil
		s.raw = at.Response{}
		s.transition(ListMessages)
	}

	switch s.driver.Run(ctx, s, mode) {
	case modem.Pending:
		return nil, ErrInProgress
	case modem.Failed:
		return nil, s.err
	}
	return s.Messages()
}

// Messages parses the response captured by the last listing.
func (s *Service) Messages() ([]SMS, error) {
	if s.raw.Outcome == at.Error {
		return nil, at.Wrap(s.raw.Err, cmdListUnread)
	}
	return parseList(s.raw.Data()), nil
}

// Raw returns the unparsed response of the last listing.
func (s *Service) Raw() string {
	return s.raw.Raw()
}

// Step performs at most one transition. See modem.Machine.
func (s *Service) Step(ctx context.Context) modem.Result {
	if !s.x.Ready() {
		return modem.Pending
	}

	switch s.state {
	case ListIdle:
		if s.err != nil {
			return modem.Failed
		}
		return modem.Success

	case ListMessages:
		s.x.Issue(ctx, at.Cmd(cmdListUnread))
		s.transition(WaitListMessagesResponse)

	case WaitListMessagesResponse:
		s.raw = s.x.Response()
		s.transition(ListIdle)
		return modem.Success
	}
	return modem.Pending
}

// Fail puts the machine in its terminal error state.
func (s *Service) Fail(err error) {
	s.state = ListIdle
	s.err = err
	s.log.Warn("listing failed", "error", err)
}

func (s *Service) transition(next ListState) {
	s.log.Debug("transition", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *Service) State() ListState {
	return s.state
}

// Send sends a text message in text mode and returns the message
// reference assigned by the network. The recipient should be in
// international format (e.g. "+1234567890").
//
// Send blocks until the network accepts the message. Delivery to the
// recipient happens asynchronously.
func (s *Service) Send(ctx context.Context, to, text string) (int, error) {
	if to == "" {
		return 0, ErrNoRecipient
	}
	cmd := at.Cmd(`AT+CMGS="%s",145`, to).
		WithPayload([]byte(text + at.CtrlZ)).
		WithTimeout(SendTimeout)
	r, err := modem.Exec(ctx, s.x.Channel(), cmd)
	if err != nil {
		return 0, fmt.Errorf("send to %s: %w", to, err)
	}

	line, ok := r.Find(prefixSend)
	if !ok {
		return 0, ErrNoReference
	}
	ref, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, prefixSend)))
	if err != nil {
		return 0, fmt.Errorf("parse message reference %q: %w", line, err)
	}
	s.log.Info("message sent", "to", to, "reference", ref)
	return ref, nil
}

// Delete removes the message stored at index.
func (s *Service) Delete(ctx context.Context, index int) error {
	if _, err := modem.Exec(ctx, s.x.Channel(), at.Cmd("AT+CMGD=%d", index)); err != nil {
		return fmt.Errorf("delete message %d: %w", index, err)
	}
	return nil
}

// Clean removes stored messages according to flag, one of the Delete
// constants. Any other value means DeleteReadSent.
func (s *Service) Clean(ctx context.Context, flag int) error {
	if flag < DeleteRead || flag > DeleteAll {
		flag = DeleteReadSent
	}
	if _, err := modem.Exec(ctx, s.x.Channel(), at.Cmd("AT+CMGD=1,%d", flag)); err != nil {
		return fmt.Errorf("clean messages: %w", err)
	}
	return nil
}

// SetMessageFormat selects text mode.
func (s *Service) SetMessageFormat(ctx context.Context) error {
	_, err := modem.Exec(ctx, s.x.Channel(), at.Cmd(at.CmdSetTextMode))
	return err
}

// BeginSMS starts a message to be filled with Write and sent by EndSMS.
func (s *Service) BeginSMS(to string) {
	s.to = to
	s.draft = new(bytes.Buffer)
}

// Write appends p to the started message.
func (s *Service) Write(p []byte) (int, error) {
	if s.draft == nil {
		return 0, ErrNoDraft
	}
	return s.draft.Write(p)
}

// EndSMS sends the started message.
func (s *Service) EndSMS(ctx context.Context) (int, error) {
	if s.draft == nil {
		return 0, ErrNoDraft
	}
	to, text := s.to, s.draft.String()
	s.to, s.draft = "", nil
	return s.Send(ctx, to, text)
}

var _ modem.Machine = (*Service)(nil)
