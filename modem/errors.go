package modem

import "errors"

var (
	// ErrNoDialer is returned when a Conn is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNilContext is returned by the dialers when given a nil context.
	ErrNilContext = errors.New("context is nil")

	// ErrNoPortName is returned by SerialDialer without a PortName.
	ErrNoPortName = errors.New("serial port name is required")

	// ErrNoAddress is returned by NetDialer without an Address.
	ErrNoAddress = errors.New("network address is required")

	// ErrNotInitialized is returned when an operation is attempted on a Conn
	// that has not been successfully initialized.
	//
	// This can occur if initialization failed or if the dialer returned no
	// transport.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Conn that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is called while another Loop is
	// still running on the same Conn.
	ErrLoopRunning = errors.New("modem loop already running")

	// ErrLoopStopped is returned by Issue when no Loop is reading from the
	// transport, so a command could never complete.
	ErrLoopStopped = errors.New("modem loop not running")

	// ErrBusy is returned when a command is issued while another one is
	// still in flight. Nothing is sent to the modem.
	ErrBusy = errors.New("command already in flight")

	// ErrCommandTimeout completes a command whose final result code did not
	// arrive within its timeout.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrUnknownResult is returned by Result for an id that is neither in
	// flight nor in the recent history.
	ErrUnknownResult = errors.New("unknown command result")

	// ErrTimeout is the failure a blocking Driver forces on a machine whose
	// time budget is exhausted.
	ErrTimeout = errors.New("operation timed out")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")
)
