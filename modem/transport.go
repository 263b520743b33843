package modem

//go:generate go tool mockgen -source=transport.go -destination=mock_transport.go -package=modem

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a cellular modem.
//
// A Transport is assumed to be already connected and ready for use. It provides
// the low-level I/O primitives required to send AT commands and receive responses.
// Typical implementations include serial ports, TCP connections to emulators,
// or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a cellular modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port, TCP-based emulator, or test double) and is intended to be used
// during modem construction only. Once a Transport is obtained, the Dialer is
// no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// DefaultSerialMode is used by SerialDialer when no Mode is given.
var DefaultSerialMode = serial.Mode{
	BaudRate: 115200,
	Parity:   serial.NoParity,
	DataBits: 8,
	StopBits: serial.OneStopBit,
}

// SerialDialer opens a modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyUSB0".
	PortName string
	// Mode holds the line settings. Nil means DefaultSerialMode.
	Mode *serial.Mode
}

// Dial opens the serial port. Opening a port cannot be interrupted, so a
// cancellation that arrives while the port is being opened abandons the
// attempt and closes the port once it is available.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if d.PortName == "" {
		return nil, ErrNoPortName
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		m := DefaultSerialMode
		mode = &m
	}

	type result struct {
		port serial.Port
		err  error
	}
	opened := make(chan result, 1)
	go func() {
		port, err := serial.Open(d.PortName, mode)
		opened <- result{port: port, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-opened; r.err == nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-opened:
		if r.err != nil {
			return nil, fmt.Errorf("open serial port %q: %w", d.PortName, r.err)
		}
		return r.port, nil
	}
}

// NetDialer reaches a modem exposed over TCP, such as a serial-to-network
// bridge or a modem emulator.
type NetDialer struct {
	// Address is the host:port of the bridge.
	Address string
	// Timeout bounds the connection attempt. Zero means no timeout beyond
	// the context deadline.
	Timeout time.Duration
}

func (d NetDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if d.Address == "" {
		return nil, ErrNoAddress
	}
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Address, err)
	}
	return conn, nil
}
