package at

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Outcome is the coarse result of issuing a command on the channel.
type Outcome int

const (
	// Valid means the command completed with a success result code.
	Valid Outcome = iota
	// Continue means the command is still executing.
	Continue
	// Error means the command completed with an error result code or
	// could not be executed at all.
	Error
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Continue:
		return "continue"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Command is a single AT request.
type Command struct {
	// Text is the command line without the trailing carriage return.
	Text string
	// Payload is written after the modem answers with the input prompt.
	// It must carry its own terminator (Ctrl-Z for text mode bodies).
	Payload []byte
	// Timeout bounds how long the command may stay in flight. Zero uses
	// the channel default.
	Timeout time.Duration
}

// Cmd builds a Command from a format string.
func Cmd(format string, args ...any) Command {
	if len(args) == 0 {
		return Command{Text: format}
	}
	return Command{Text: fmt.Sprintf(format, args...)}
}

// WithPayload returns a copy of c that sends p at the input prompt.
func (c Command) WithPayload(p []byte) Command {
	c.Payload = slices.Clone(p)
	return c
}

// WithTimeout returns a copy of c with a specific in-flight timeout.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

func (c Command) String() string {
	return c.Text
}

// Response is an immutable snapshot of one command exchange. It replaces
// the shared line buffer of the modem: every issued command yields its own
// Response, which is passed to whoever interprets it.
type Response struct {
	// ID identifies the exchange on its channel. Zero means the command
	// was never sent.
	ID uint64
	// Command is the command text that produced this response.
	Command string
	// Outcome is the completion state of the command.
	Outcome Outcome
	// Err carries the cause when Outcome is Error.
	Err error

	lines []string
}

// NewResponse builds a Response owning a private copy of lines.
func NewResponse(id uint64, cmd string, outcome Outcome, lines []string, err error) Response {
	return Response{
		ID:      id,
		Command: cmd,
		Outcome: outcome,
		Err:     err,
		lines:   slices.Clone(lines),
	}
}

// Pending returns a response for a command that is still executing.
func Pending(id uint64, cmd string) Response {
	return Response{ID: id, Command: cmd, Outcome: Continue}
}

// Failure returns a response for a command that could not complete.
func Failure(id uint64, cmd string, err error) Response {
	return Response{ID: id, Command: cmd, Outcome: Error, Err: err}
}

// Len returns the number of response lines, including the final result code.
func (r Response) Len() int {
	return len(r.lines)
}

// Line returns the i-th response line. The boolean is false past the end,
// mirroring the end marker of the modem line buffer.
func (r Response) Line(i int) (string, bool) {
	if i < 0 || i >= len(r.lines) {
		return "", false
	}
	return r.lines[i], true
}

// Lines returns a copy of all response lines.
func (r Response) Lines() []string {
	return slices.Clone(r.lines)
}

// Data returns the information lines, i.e. everything but a trailing final
// result code.
func (r Response) Data() []string {
	n := len(r.lines)
	if n > 0 && Classify(r.lines[n-1]) == TypeFinal {
		n--
	}
	return slices.Clone(r.lines[:n])
}

// First returns the first information line, or "" if there is none.
func (r Response) First() string {
	data := r.Data()
	if len(data) == 0 {
		return ""
	}
	return data[0]
}

// Final returns the final result code line, or "" if there is none.
func (r Response) Final() string {
	if n := len(r.lines); n > 0 && Classify(r.lines[n-1]) == TypeFinal {
		return r.lines[n-1]
	}
	return ""
}

// Find returns the first line starting with prefix.
func (r Response) Find(prefix string) (string, bool) {
	for _, l := range r.lines {
		if strings.HasPrefix(l, prefix) {
			return l, true
		}
	}
	return "", false
}

// Contains reports whether any line contains sub.
func (r Response) Contains(sub string) bool {
	for _, l := range r.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

// Raw returns the unsplit response text as the modem sent it, each line
// terminated by CRLF.
func (r Response) Raw() string {
	if len(r.lines) == 0 {
		return ""
	}
	var b strings.Builder
	for _, l := range r.lines {
		b.WriteString(l)
		if l != Prompt {
			b.WriteString(CRLF)
		}
	}
	return b.String()
}

// Valid reports whether the command completed successfully.
func (r Response) Valid() bool {
	return r.Outcome == Valid
}

// Busy reports whether the command is still executing.
func (r Response) Busy() bool {
	return r.Outcome == Continue
}

// LastField returns the last comma separated field of the first line
// carrying prefix, trimmed of spaces and quotes.
func (r Response) LastField(prefix string) (string, bool) {
	line, ok := r.Find(prefix)
	if !ok {
		return "", false
	}
	return LastField(line), true
}

// LastField returns the last comma separated field of line, trimmed of
// spaces and quotes.
func LastField(line string) string {
	if i := strings.LastIndexByte(line, ','); i >= 0 {
		line = line[i+1:]
	} else if i := strings.IndexByte(line, ':'); i >= 0 {
		line = line[i+1:]
	}
	return strings.Trim(strings.TrimSpace(line), `"`)
}
