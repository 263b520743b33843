package at

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrCommandFailed is the cause of a plain "ERROR" result code.
	ErrCommandFailed = errors.New("at: command failed")

	// ErrNoCarrier is the cause of a "NO CARRIER" result code.
	ErrNoCarrier = errors.New("at: no carrier")
)

// ResultError is a failure result code reported by the modem, such as
// "+CME ERROR: 10" or "+CMS ERROR: 500".
type ResultError struct {
	// Kind is "CME", "CMS" or empty for plain result codes.
	Kind string
	// Code is the numeric error code, or -1 when the modem reported text
	// (verbose mode, AT+CMEE=2).
	Code int
	// Message is the text reported in verbose mode.
	Message string
	// Line is the original result code line.
	Line string
}

func (e *ResultError) Error() string {
	switch {
	case e.Kind == "":
		return "at: " + e.Line
	case e.Code >= 0:
		return fmt.Sprintf("at: %s error %d", e.Kind, e.Code)
	default:
		return fmt.Sprintf("at: %s error: %s", e.Kind, e.Message)
	}
}

// ParseResult converts a final result line into an error. It returns nil
// for "OK".
func ParseResult(line string) error {
	switch {
	case line == OK:
		return nil
	case line == ERROR:
		return errors.WithStack(ErrCommandFailed)
	case line == NoCarrier:
		return errors.WithStack(ErrNoCarrier)
	case strings.HasPrefix(line, CmeError):
		return errors.WithStack(newResultError("CME", strings.TrimPrefix(line, CmeError), line))
	case strings.HasPrefix(line, CmsError):
		return errors.WithStack(newResultError("CMS", strings.TrimPrefix(line, CmsError), line))
	default:
		return errors.WithStack(&ResultError{Code: -1, Line: line})
	}
}

func newResultError(kind, detail, line string) *ResultError {
	detail = strings.TrimSpace(detail)
	e := &ResultError{Kind: kind, Code: -1, Line: line}
	if code, err := strconv.Atoi(detail); err == nil {
		e.Code = code
	} else {
		e.Message = detail
	}
	return e
}

// IsOperationNotAllowed reports whether err is the CME "operation not
// allowed" failure (code 3), which Telit modems return for commands on a
// socket that is no longer connected.
func IsOperationNotAllowed(err error) bool {
	var re *ResultError
	if !errors.As(err, &re) {
		return false
	}
	return re.Code == 3 || strings.EqualFold(re.Message, "operation not allowed")
}

// Wrap annotates err with the command that produced it.
func Wrap(err error, cmd string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "%s", cmd)
}
