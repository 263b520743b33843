// Package modemtest provides a scripted modem.Channel for testing state
// machines without a modem.
package modemtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
)

// ErrUnexpected completes a command that was not scripted.
var ErrUnexpected = errors.New("unexpected command")

// Reply is a scripted answer to one command.
type Reply struct {
	match   string
	prefix  bool
	lines   []string
	outcome at.Outcome
	err     error
	polls   int
	times   int
}

// After keeps the command in flight for n polls of Busy before it
// completes. Issue then answers Continue.
func (r *Reply) After(n int) *Reply {
	r.polls = n
	return r
}

// Times repeats the reply for n consecutive matching commands.
func (r *Reply) Times(n int) *Reply {
	r.times = n
	return r
}

func (r *Reply) matches(cmd string) bool {
	if r.prefix {
		return strings.HasPrefix(cmd, r.match)
	}
	return cmd == r.match
}

type call struct {
	id    uint64
	cmd   string
	reply *Reply
	polls int
}

// Channel is a modem.Channel answering commands from a script, in order.
// It records every command it receives and flags any command issued while
// another one is in flight.
type Channel struct {
	mu         sync.Mutex
	script     []*Reply
	issued     []at.Command
	results    map[uint64]at.Response
	current    *call
	nextID     uint64
	alwaysBusy bool
	violations []string
}

func NewChannel() *Channel {
	return &Channel{results: make(map[uint64]at.Response)}
}

// Expect scripts cmd to succeed with the given information lines. A cmd
// ending in "*" matches any command with that prefix. "OK" is appended
// unless the last line already is a final result code.
func (c *Channel) Expect(cmd string, lines ...string) *Reply {
	if n := len(lines); n == 0 || at.Classify(lines[n-1]) != at.TypeFinal {
		lines = append(lines, at.OK)
	}
	return c.add(cmd, lines, at.Valid, nil)
}

// ExpectError scripts cmd to fail with the final result line, e.g.
// "ERROR" or "+CME ERROR: 3". Information lines may precede it.
func (c *Channel) ExpectError(cmd string, lines ...string) *Reply {
	if len(lines) == 0 {
		lines = []string{at.ERROR}
	}
	err := at.ParseResult(lines[len(lines)-1])
	if err == nil {
		err = at.ErrCommandFailed
	}
	return c.add(cmd, lines, at.Error, err)
}

// ExpectEmpty scripts cmd to complete without any response line.
func (c *Channel) ExpectEmpty(cmd string) *Reply {
	return c.add(cmd, nil, at.Valid, nil)
}

// ExpectFailure scripts cmd to fail without any response line, like a
// transport failure.
func (c *Channel) ExpectFailure(cmd string, err error) *Reply {
	return c.add(cmd, nil, at.Error, err)
}

func (c *Channel) add(cmd string, lines []string, outcome at.Outcome, err error) *Reply {
	r := &Reply{match: cmd, lines: lines, outcome: outcome, err: err, times: 1}
	if strings.HasSuffix(cmd, "*") {
		r.match, r.prefix = strings.TrimSuffix(cmd, "*"), true
	}
	c.mu.Lock()
	c.script = append(c.script, r)
	c.mu.Unlock()
	return r
}

// AlwaysBusy makes the channel report a command in flight forever.
func (c *Channel) AlwaysBusy() *Channel {
	c.mu.Lock()
	c.alwaysBusy = true
	c.mu.Unlock()
	return c
}

func (c *Channel) Issue(_ context.Context, cmd at.Command) at.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.alwaysBusy || c.current != nil {
		c.violations = append(c.violations, fmt.Sprintf("%q issued while busy", cmd.Text))
		return at.Failure(0, cmd.Text, modem.ErrBusy)
	}
	c.issued = append(c.issued, cmd)
	c.nextID++
	id := c.nextID

	if len(c.script) == 0 || !c.script[0].matches(cmd.Text) {
		want := "nothing"
		if len(c.script) > 0 {
			want = fmt.Sprintf("%q", c.script[0].match)
		}
		c.violations = append(c.violations, fmt.Sprintf("%q issued, expected %s", cmd.Text, want))
		r := at.Failure(id, cmd.Text, fmt.Errorf("%w: %s", ErrUnexpected, cmd.Text))
		c.results[id] = r
		return r
	}

	reply := c.script[0]
	if reply.times--; reply.times <= 0 {
		c.script = c.script[1:]
	}

	if reply.polls > 0 {
		c.current = &call{id: id, cmd: cmd.Text, reply: reply, polls: reply.polls}
		return at.Pending(id, cmd.Text)
	}
	return c.completeLocked(id, cmd.Text, reply)
}

func (c *Channel) completeLocked(id uint64, cmd string, reply *Reply) at.Response {
	var err error
	if reply.err != nil {
		err = at.Wrap(reply.err, cmd)
	}
	r := at.NewResponse(id, cmd, reply.outcome, reply.lines, err)
	c.results[id] = r
	return r
}

// Busy counts as one poll of the command in flight.
func (c *Channel) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alwaysBusy {
		return true
	}
	if c.current == nil {
		return false
	}
	c.current.polls--
	if c.current.polls > 0 {
		return true
	}
	cur := c.current
	c.current = nil
	c.completeLocked(cur.id, cur.cmd, cur.reply)
	return false
}

func (c *Channel) Result(id uint64) at.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.id == id {
		return at.Pending(id, c.current.cmd)
	}
	if r, ok := c.results[id]; ok {
		return r
	}
	return at.Failure(id, "", modem.ErrUnknownResult)
}

// Issued returns the text of every command received, in order.
func (c *Channel) Issued() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.issued))
	for i, cmd := range c.issued {
		out[i] = cmd.Text
	}
	return out
}

// Payloads returns the payloads of the commands received, in order.
func (c *Channel) Payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, cmd := range c.issued {
		if len(cmd.Payload) > 0 {
			out = append(out, cmd.Payload)
		}
	}
	return out
}

// Count returns how many received commands start with prefix.
func (c *Channel) Count(prefix string) int {
	n := 0
	for _, cmd := range c.Issued() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// Remaining returns how many scripted replies were not consumed.
func (c *Channel) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.script)
}

// AssertDone fails t if a scripted reply was not consumed or a command was
// unexpected or issued while busy.
func (c *Channel) AssertDone(t testing.TB) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.violations {
		t.Errorf("modemtest: %s", v)
	}
	for _, r := range c.script {
		t.Errorf("modemtest: expected command %q was not issued", r.match)
	}
}

var _ modem.Channel = (*Channel)(nil)
