package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/cellular/at"
)

// Conn is the command channel to a cellular modem. It owns the transport
// and allows exactly one AT command in flight at a time. Completion of a
// command is observed by polling Busy and Result, which lets feature state
// machines share the channel from a single control loop.
//
// All transport reads happen in Loop.
type Conn struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the settings the Conn was created with
	config Config
	log    *slog.Logger

	closed      atomic.Bool
	loopRunning atomic.Bool

	// urcChan receives Unsolicited Result Codes and orphaned lines
	urcChan chan string
	// commands hands in-flight commands to the Loop for writing
	commands chan *inflight

	mu       sync.Mutex
	current  *inflight
	nextID   uint64
	results  map[uint64]at.Response
	order    []uint64
	handlers []urcHandler
	handlerN uint64

	loopCancel context.CancelFunc
	stats      counters
}

// inflight is a command handed to the modem and not yet completed.
type inflight struct {
	id       uint64
	cmd      at.Command
	deadline time.Time
	lines    []string
	written  bool
	prompted bool
	resp     at.Response
	done     chan struct{}
}

type urcHandler struct {
	id     uint64
	prefix string
	fn     func(line string)
}

// New creates a Conn with the given configuration. It dials the
// transport and performs the AT handshake directly on it, so Loop must
// only be started after New returns.
//
// Returns an error if the transport connection or the handshake fails.
func New(ctx context.Context, config Config) (*Conn, error) {
	if config.Dialer == nil {
		return nil, ErrNoDialer
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	c := &Conn{
		transport: transport,
		config:    config,
		log:       config.Logger.With("component", "modem"),
		urcChan:   make(chan string, config.URCBuffer),
		commands:  make(chan *inflight),
		results:   make(map[uint64]at.Response),
	}

	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := c.init(initCtx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return c, nil
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be called exactly once after New() and before any command is
// issued. The Loop:
//
//  1. Writes commands handed over by Issue to the transport
//  2. Reads and classifies lines from the transport
//  3. Completes the in-flight command on its final result code
//  4. Writes a command payload when the modem shows the input prompt
//  5. Dispatches URCs and orphaned lines to subscribers
//
// The Loop runs until the provided context is cancelled, Close is called
// or the transport fails. It's the ONLY goroutine that reads from the
// transport.
//
// Usage:
//
//	conn, err := New(ctx, config)
//	if err != nil { return err }
//
//	go conn.Loop(ctx)
//
//	resp, err := Exec(ctx, conn, at.Cmd("AT+CSQ"))
func (c *Conn) Loop(ctx context.Context) error {
	if !c.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer c.loopRunning.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.loopCancel = cancel
	c.mu.Unlock()

	scanner := bufio.NewScanner(c.transport)
	scanner.Buffer(make([]byte, 0, 4096), c.config.MaxLineLength)
	scanner.Split(at.Splitter)

	// Channels for tokens and errors from the scanner goroutine
	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token != "" {
				select {
				case tokens <- token:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				err = ErrLineTooLong
			}
			// scanErrs is buffered, so this never blocks and the error is
			// visible before tokens is closed.
			scanErrs <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.abort(ctx.Err())
			return ctx.Err()

		case req := <-c.commands:
			c.write(req)

		case token, ok := <-tokens:
			if !ok {
				select {
				case err := <-scanErrs:
					c.abort(fmt.Errorf("read error: %w", err))
					return fmt.Errorf("scanner error: %w", err)
				default:
				}
				c.abort(io.EOF)
				return io.EOF
			}
			c.handle(token)

		case err := <-scanErrs:
			c.abort(fmt.Errorf("read error: %w", err))
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// write puts a command on the wire.
func (c *Conn) write(req *inflight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != req {
		// Dropped by Issue before the Loop picked it up.
		return
	}
	wire := strings.TrimSpace(req.cmd.Text) + "\r"
	if _, err := c.transport.Write([]byte(wire)); err != nil {
		c.completeLocked(req, at.Error, fmt.Errorf("write command %q: %w", req.cmd.Text, err))
		return
	}
	req.written = true
	c.log.Debug("command sent", "id", req.id, "command", req.cmd.Text)
}

// handle routes a single token read from the transport.
func (c *Conn) handle(token string) {
	kind := at.Classify(token)

	c.mu.Lock()
	cur := c.current
	if cur == nil || !cur.written || kind == at.TypeURC {
		c.mu.Unlock()
		c.dispatch(token)
		return
	}

	switch kind {
	case at.TypePrompt:
		if len(cur.cmd.Payload) > 0 && !cur.prompted {
			cur.prompted = true
			if _, err := c.transport.Write(cur.cmd.Payload); err != nil {
				c.completeLocked(cur, at.Error, fmt.Errorf("write payload of %q: %w", cur.cmd.Text, err))
			}
			break
		}
		// Without a payload the prompt itself completes the command.
		cur.lines = append(cur.lines, token)
		c.completeLocked(cur, at.Valid, nil)

	case at.TypeFinal:
		cur.lines = append(cur.lines, token)
		if err := at.ParseResult(token); err != nil {
			c.completeLocked(cur, at.Error, err)
		} else {
			c.completeLocked(cur, at.Valid, nil)
		}

	case at.TypeData:
		if len(cur.lines) == 0 && token == strings.TrimSpace(cur.cmd.Text) {
			// command echo
			break
		}
		cur.lines = append(cur.lines, token)
	}

	c.expireLocked(time.Now())
	c.mu.Unlock()
}

// dispatch hands an unsolicited line to the URC channel and to the
// registered handlers. Handlers run on the Loop goroutine and must not
// block or issue commands.
func (c *Conn) dispatch(line string) {
	select {
	case c.urcChan <- line:
	default:
		c.stats.urcsDropped.Add(1)
		c.log.Warn("URC channel full, dropping line", "line", line)
	}

	c.mu.Lock()
	var fns []func(string)
	for _, h := range c.handlers {
		if strings.HasPrefix(line, h.prefix) {
			fns = append(fns, h.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(line)
	}
}

// abort completes the in-flight command when the Loop stops.
func (c *Conn) abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.completeLocked(c.current, at.Error, err)
	}
}

// completeLocked turns an in-flight command into an immutable response.
// c.mu must be held.
func (c *Conn) completeLocked(req *inflight, outcome at.Outcome, err error) {
	if err != nil {
		err = at.Wrap(err, req.cmd.Text)
	}
	req.resp = at.NewResponse(req.id, req.cmd.Text, outcome, req.lines, err)
	if c.current == req {
		c.current = nil
	}
	c.remember(req.resp)
	close(req.done)

	if outcome == at.Error {
		c.stats.commandErrors.Add(1)
		c.log.Debug("command failed", "id", req.id, "command", req.cmd.Text, "error", err)
		return
	}
	c.log.Debug("command completed", "id", req.id, "command", req.cmd.Text, "lines", len(req.lines))
}

// expireLocked completes the in-flight command once its deadline passed.
func (c *Conn) expireLocked(now time.Time) {
	cur := c.current
	if cur == nil || cur.deadline.IsZero() || now.Before(cur.deadline) {
		return
	}
	c.stats.commandTimeouts.Add(1)
	c.completeLocked(cur, at.Error, ErrCommandTimeout)
}

func (c *Conn) remember(r at.Response) {
	c.results[r.ID] = r
	c.order = append(c.order, r.ID)
	for len(c.order) > c.config.HistorySize {
		delete(c.results, c.order[0])
		c.order = c.order[1:]
	}
}

// Issue sends cmd to the modem and waits up to the configured response
// window for its final result code.
//
// The returned response is complete (Valid or Error) or, for a command
// still executing, has outcome Continue; the command then stays in flight
// until its final result code arrives or its timeout expires, and its
// outcome is obtained with Result. Issue never sends anything while
// another command is in flight and reports ErrBusy instead.
func (c *Conn) Issue(ctx context.Context, cmd at.Command) at.Response {
	if c.closed.Load() {
		return at.Failure(0, cmd.Text, ErrAlreadyClosed)
	}

	now := time.Now()
	c.mu.Lock()
	c.expireLocked(now)
	if c.current != nil {
		c.mu.Unlock()
		return at.Failure(0, cmd.Text, ErrBusy)
	}
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = c.config.ATTimeout
	}
	c.nextID++
	req := &inflight{
		id:   c.nextID,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	if timeout > 0 {
		req.deadline = now.Add(timeout)
	}
	c.current = req
	c.mu.Unlock()
	c.stats.commandsIssued.Add(1)

	window := time.NewTimer(c.config.ResponseWindow)
	defer window.Stop()

	select {
	case c.commands <- req:
	case <-ctx.Done():
		return c.drop(req, ctx.Err())
	case <-window.C:
		return c.drop(req, ErrLoopStopped)
	}

	select {
	case <-req.done:
		return req.resp
	case <-window.C:
	case <-ctx.Done():
	}
	return at.Pending(req.id, cmd.Text)
}

// drop completes a command that never reached the Loop.
func (c *Conn) drop(req *inflight, err error) at.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == req {
		c.completeLocked(req, at.Error, err)
	}
	return req.resp
}

// Busy reports whether a command is in flight.
func (c *Conn) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(time.Now())
	return c.current != nil
}

// Result returns the response of the command with the given id: a Continue
// response while it is in flight, the completed snapshot afterwards. Only
// the most recent results are kept.
func (c *Conn) Result(id uint64) at.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(time.Now())
	if c.current != nil && c.current.id == id {
		return at.Pending(id, c.current.cmd.Text)
	}
	if r, ok := c.results[id]; ok {
		return r
	}
	return at.Failure(id, "", ErrUnknownResult)
}

// URC returns a read-only channel that receives Unsolicited Result Codes
// and lines that arrived while no command was in flight. The channel is
// buffered, but may drop some URC if not consumed fast enough.
func (c *Conn) URC() <-chan string {
	return c.urcChan
}

// OnURC registers fn for unsolicited lines starting with prefix. The
// returned function removes the registration.
func (c *Conn) OnURC(prefix string, fn func(line string)) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerN++
	id := c.handlerN
	c.handlers = append(c.handlers, urcHandler{id: id, prefix: prefix, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// Close shuts down the modem and releases all resources.
// It stops the event loop, closes the transport connection, and marks
// the Conn as closed. After calling Close(), the Conn cannot be reused.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	c.mu.Lock()
	cancel := c.loopCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// init performs the initial handshake with the modem hardware.
// This method is called during New() and must complete successfully
// before the Conn can be used.
func (c *Conn) init(ctx context.Context) error {
	// Wake-up / sanity check
	if err := c.expectOkDirect(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if c.config.EchoOn {
		return nil
	}
	if err := c.expectOkDirect(ctx, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}
	return nil
}

// execDirect executes an AT command directly on the transport without
// using the Loop and handles the complete request-response cycle
// including timeout management. It is used during modem initialization
// when not yet accepting commands.
//
// WARNING: This method should only be used during initialization.
// Use Issue() for normal operations.
func (c *Conn) execDirect(ctx context.Context, cmd string) (string, error) {
	if c.closed.Load() {
		return "", ErrAlreadyClosed
	}
	if c.transport == nil {
		return "", ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok && c.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ATTimeout)
		defer cancel()
	}

	wire := strings.TrimSpace(cmd) + "\r"
	if _, err := c.transport.Write([]byte(wire)); err != nil {
		return "", fmt.Errorf("write command %q: %w", cmd, err)
	}

	scanner := bufio.NewScanner(c.transport)
	scanner.Split(at.Splitter)

	var lines []string

	for {
		select {
		case <-ctx.Done():
			return strings.Join(lines, "\n"), ctx.Err()
		default:
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return strings.Join(lines, "\n"), fmt.Errorf("read error: %w", err)
			}
			return strings.Join(lines, "\n"), io.EOF
		}

		token := scanner.Text()
		if token == "" {
			continue
		}

		switch at.Classify(token) {
		case at.TypeFinal:
			lines = append(lines, token)
			return strings.Join(lines, "\n"), at.ParseResult(token)

		case at.TypeData:
			lines = append(lines, token)

		case at.TypeURC:
			// Ignore URCs in direct exec
			continue

		case at.TypePrompt:
			lines = append(lines, token)
			return strings.Join(lines, "\n"), nil
		}
	}
}

// expectOkDirect executes an AT command and validates that the response
// contains "OK".
func (c *Conn) expectOkDirect(ctx context.Context, cmd string) error {
	resp, err := c.execDirect(ctx, cmd)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, at.OK) {
		return fmt.Errorf("unexpected response: %q", resp)
	}
	return nil
}

var _ Channel = (*Conn)(nil)
