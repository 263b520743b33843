package modem

import (
	"context"
	"io"
	"strings"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport using channels.
// This is needed because the Loop's scanner goroutine continuously reads from the transport,
// and we need reads to block until data is available (like a real serial port would).
//
// Replies can be scripted per command with Reply; a Write of a scripted
// command queues its reply for reading, like a modem answering.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool
	replies  map[string][]string
	writes   []string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 64),
		replies:  make(map[string][]string),
	}
}

// Reply scripts the modem output for the next Write of cmd. Several
// replies for the same command are consumed in order.
func (t *TestTransport) Reply(cmd, output string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies[cmd] = append(t.replies[cmd], output)
	return t
}

// Writes returns everything written so far, one entry per Write call.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	t.writes = append(t.writes, string(p))

	cmd := strings.TrimSuffix(string(p), "\r")
	if queue := t.replies[cmd]; len(queue) > 0 {
		t.replies[cmd] = queue[1:]
		if queue[0] != "" {
			t.readChan <- []byte(queue[0])
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Dialer returns a Dialer handing out this transport.
func (t *TestTransport) Dialer() Dialer {
	return testDialer{t}
}

type testDialer struct {
	t *TestTransport
}

func (d testDialer) Dial(context.Context) (Transport, error) {
	return d.t, nil
}
