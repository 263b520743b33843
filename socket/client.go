package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
)

// ClientState is the state of the socket connect machine.
type ClientState int

const (
	ClientIdle ClientState = iota
	CreateSocket
	WaitCreateSocket
	ConfigureSocket
	WaitConfigureSocket
	Connect
	WaitConnect
	CloseSocket
	WaitCloseSocket
	RetrieveError
	WaitRetrieveError
)

var clientStateNames = [...]string{
	ClientIdle:          "idle",
	CreateSocket:        "create-socket",
	WaitCreateSocket:    "wait-create-socket",
	ConfigureSocket:     "configure-socket",
	WaitConfigureSocket: "wait-configure-socket",
	Connect:             "connect",
	WaitConnect:         "wait-connect",
	CloseSocket:         "close-socket",
	WaitCloseSocket:     "wait-close-socket",
	RetrieveError:       "retrieve-error",
	WaitRetrieveError:   "wait-retrieve-error",
}

func (s ClientState) String() string {
	if s < 0 || int(s) >= len(clientStateNames) {
		return "unknown"
	}
	return clientStateNames[s]
}

const (
	// MaxWriteChunk is the largest payload of a single send command.
	MaxWriteChunk = 1500

	// ConnectTimeout bounds a single dial command on the modem.
	ConnectTimeout = 60 * time.Second

	tlsSocketID = TLSProfile

	noSocket = -1

	prefixSocketStatus = "#SS:"
	prefixTLSStatus    = "#SSLS:"
	prefixClosure      = "#SLASTCLOSURE:"
)

// Client is a TCP client on one modem socket. Connecting allocates a
// socket id, configures the socket and dials. A rejected dial closes the
// socket and queries the closure cause before failing.
//
// Client is not safe for concurrent use, except for HandleURC, which may
// be called from the connection loop.
type Client struct {
	x      *modem.Exchange
	driver modem.Driver
	log    *slog.Logger
	pool   *Pool
	bufs   *Buffers
	tls    bool

	lease     *Lease
	id        atomic.Int32
	connected atomic.Bool
	// stale marks a socket left open by a failed attempt. It keeps its
	// id until Stop shuts it down.
	stale bool

	state   ClientState
	host    string
	port    int
	closing int
	cause   string
	err     error
}

// NewClient returns a plain TCP client drawing ids from pool and receiving
// through bufs.
func NewClient(ch modem.Channel, d modem.Driver, pool *Pool, bufs *Buffers) *Client {
	return newClient(ch, d, pool, bufs, false)
}

func newClient(ch modem.Channel, d modem.Driver, pool *Pool, bufs *Buffers, tls bool) *Client {
	if bufs == nil {
		bufs = NewBuffers(ch, DefaultBufferSize, d.Logger)
	}
	c := &Client{
		x:      modem.NewExchange(ch),
		driver: d,
		log:    d.Log().With("component", "socket", "tls", tls),
		pool:   pool,
		bufs:   bufs,
		tls:    tls,
	}
	c.id.Store(noSocket)
	return c
}

// Connect dials host:port. In NonBlocking mode it performs the first step
// only and the caller keeps stepping the client.
func (c *Client) Connect(ctx context.Context, host string, port int, mode modem.Mode) error {
	if err := c.begin(ctx, host, port); err != nil {
		return err
	}
	return c.run(ctx, c, mode)
}

// ConnectAddr dials a numeric address, rendered in dotted-decimal form for
// IPv4.
func (c *Client) ConnectAddr(ctx context.Context, addr netip.Addr, port int, mode modem.Mode) error {
	return c.Connect(ctx, addr.Unmap().String(), port, mode)
}

// begin allocates a socket id and arms the machine.
func (c *Client) begin(ctx context.Context, host string, port int) error {
	if c.lease != nil {
		c.Stop(ctx)
	}
	c.x.Reset()
	c.err = nil
	c.cause = ""
	c.host = host
	c.port = port

	lease, err := c.allocate(ctx)
	if err != nil {
		c.Stop(ctx)
		c.err = err
		return err
	}
	c.lease = lease
	c.id.Store(int32(lease.ID()))
	c.log.Debug("socket allocated", "socket", lease.ID())
	c.transition(CreateSocket)
	return nil
}

func (c *Client) run(ctx context.Context, m modem.Machine, mode modem.Mode) error {
	if c.driver.Run(ctx, m, mode) == modem.Failed {
		return c.err
	}
	return nil
}

// allocate finds an id that both the modem and the pool report free.
func (c *Client) allocate(ctx context.Context) (*Lease, error) {
	if c.tls {
		r, err := modem.Exec(ctx, c.x.Channel(), at.Cmd("AT#SSLS=%d", tlsSocketID))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoSocket, err)
		}
		line, ok := r.Find(prefixTLSStatus)
		if !ok || !strings.HasSuffix(line, ",0") {
			return nil, ErrNoSocket
		}
		if lease := c.pool.Acquire(tlsSocketID); lease != nil {
			return lease, nil
		}
		return nil, ErrNoSocket
	}

	return acquire(ctx, c.x.Channel(), c.pool)
}

// acquire leases the first plain socket id that the modem reports closed.
func acquire(ctx context.Context, ch modem.Channel, pool *Pool) (*Lease, error) {
	r, err := modem.Exec(ctx, ch, at.Cmd("AT#SS"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSocket, err)
	}
	for _, line := range r.Data() {
		st, ok := parseSocketStatus(line)
		if !ok || st.state != 0 {
			continue
		}
		if lease := pool.Acquire(st.id); lease != nil {
			return lease, nil
		}
	}
	return nil, ErrNoSocket
}

// socketStatus is one #SS row.
type socketStatus struct {
	id     int
	state  int
	remote netip.AddrPort
}

// parseSocketStatus reads "#SS: <id>,<state>[,<lip>,<lport>,<rip>,<rport>]".
func parseSocketStatus(line string) (socketStatus, bool) {
	if !strings.HasPrefix(line, prefixSocketStatus) {
		return socketStatus{}, false
	}
	fields := strings.Split(strings.TrimSpace(strings.TrimPrefix(line, prefixSocketStatus)), ",")
	if len(fields) < 2 {
		return socketStatus{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return socketStatus{}, false
	}
	state, err := strconv.Atoi(fields[1])
	if err != nil {
		return socketStatus{}, false
	}
	st := socketStatus{id: id, state: state}
	if len(fields) >= 6 {
		addr, err1 := netip.ParseAddr(fields[4])
		port, err2 := strconv.ParseUint(fields[5], 10, 16)
		if err1 == nil && err2 == nil {
			st.remote = netip.AddrPortFrom(addr, uint16(port))
		}
	}
	return st, true
}

// Step performs at most one transition. See modem.Machine.
func (c *Client) Step(ctx context.Context) modem.Result {
	if !c.x.Ready() {
		return modem.Pending
	}

	id := c.ID()
	switch c.state {
	case ClientIdle:
		if c.err != nil {
			return modem.Failed
		}
		return modem.Success

	case CreateSocket:
		if c.tls {
			c.issue(ctx, at.Cmd("AT#SSLCFG=%d,1,0,90,100,50", tlsSocketID), WaitCreateSocket)
		} else {
			c.issue(ctx, at.Cmd("AT#SCFG=%d,1,0,0,600,50", id), WaitCreateSocket)
		}

	case WaitCreateSocket:
		if !c.ok(c.x.Response()) {
			break
		}
		if c.tls {
			c.transition(Connect)
		} else {
			c.transition(ConfigureSocket)
		}

	case ConfigureSocket:
		// Receive in hex so that binary payloads survive the line reader.
		c.issue(ctx, at.Cmd("AT#SCFGEXT=%d,0,1,0", id), WaitConfigureSocket)

	case WaitConfigureSocket:
		if c.ok(c.x.Response()) {
			c.transition(Connect)
		}

	case Connect:
		var cmd at.Command
		if c.tls {
			cmd = at.Cmd(`AT#SSLD=%d,%d,"%s",0,1`, tlsSocketID, c.port, c.host)
		} else {
			cmd = at.Cmd(`AT#SD=%d,0,%d,"%s",0,0,1`, id, c.port, c.host)
		}
		c.issue(ctx, cmd.WithTimeout(ConnectTimeout), WaitConnect)

	case WaitConnect:
		if !c.ok(c.x.Response()) {
			break
		}
		c.connected.Store(true)
		c.transition(ClientIdle)
		c.log.Info("socket connected", "socket", id, "host", c.host, "port", c.port)
		return modem.Success

	case CloseSocket:
		c.issue(ctx, c.closeCommand(id), WaitCloseSocket)

	case WaitCloseSocket:
		c.closing = id
		c.release()
		c.transition(RetrieveError)

	case RetrieveError:
		c.issue(ctx, at.Cmd("AT#SLASTCLOSURE=%d", c.closing), WaitRetrieveError)

	case WaitRetrieveError:
		if r := c.x.Response(); r.Valid() {
			c.cause, _ = r.LastField(prefixClosure)
		}
		c.transition(ClientIdle)
		c.log.Warn("socket connect failed", "socket", c.closing, "host", c.host, "cause", c.cause, "error", c.err)
		return modem.Failed
	}
	return modem.Pending
}

// ok routes an error response to the teardown path.
func (c *Client) ok(r at.Response) bool {
	if r.Outcome != at.Error {
		return true
	}
	c.err = fmt.Errorf("%w: %w", ErrConnectFailed, at.Wrap(r.Err, r.Command))
	c.transition(CloseSocket)
	return false
}

func (c *Client) issue(ctx context.Context, cmd at.Command, next ClientState) {
	c.x.Issue(ctx, cmd)
	c.transition(next)
}

func (c *Client) transition(next ClientState) {
	c.log.Debug("transition", "from", c.state.String(), "to", next.String())
	c.state = next
}

func (c *Client) closeCommand(id int) at.Command {
	if c.tls {
		return at.Cmd("AT#SSLH=%d", tlsSocketID)
	}
	return at.Cmd("AT#SH=%d", id)
}

// Fail puts the machine in its terminal error state. A socket the modem
// may still be configuring or dialing keeps its id, and Stop or the next
// Connect shuts it down; otherwise the id is given up.
func (c *Client) Fail(err error) {
	c.err = err
	if c.opened() {
		c.stale = true
		c.connected.Store(false)
		c.log.Warn("socket failed, shutdown pending", "socket", c.ID(), "error", err)
	} else {
		c.release()
		c.log.Warn("socket failed", "error", err)
	}
	c.state = ClientIdle
}

// opened reports whether the modem may hold the socket open.
func (c *Client) opened() bool {
	if c.lease == nil {
		return false
	}
	switch c.state {
	case WaitCreateSocket, ConfigureSocket, WaitConfigureSocket, Connect, WaitConnect, CloseSocket:
		return true
	case ClientIdle:
		return c.connected.Load()
	}
	return false
}

// release drops the receive buffer and returns the id to the pool.
func (c *Client) release() {
	c.connected.Store(false)
	id := c.ID()
	if id != noSocket {
		c.bufs.Close(id, c.tls)
	}
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
	c.id.Store(noSocket)
	c.stale = false
}

// Write sends p in chunks of at most MaxWriteChunk bytes. A socket the
// modem reports as gone is stopped.
func (c *Client) Write(ctx context.Context, p []byte) (int, error) {
	id := c.ID()
	if id == noSocket || !c.connected.Load() {
		return 0, ErrNotConnected
	}

	written := 0
	for len(p) > 0 {
		n := min(len(p), MaxWriteChunk)
		var cmd at.Command
		if c.tls {
			cmd = at.Cmd("AT#SSLSENDEXT=%d,%d", tlsSocketID, n)
		} else {
			cmd = at.Cmd("AT#SSENDEXT=%d,%d", id, n)
		}
		if _, err := modem.Exec(ctx, c.x.Channel(), cmd.WithPayload(p[:n])); err != nil {
			if at.IsOperationNotAllowed(err) {
				c.Stop(ctx)
				return written, fmt.Errorf("%w: %w", ErrNotConnected, err)
			}
			return written, at.Wrap(err, cmd.Text)
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Available returns the number of bytes ready to be read. A socket the
// modem no longer answers for is stopped.
func (c *Client) Available(ctx context.Context) int {
	id := c.ID()
	if id == noSocket || c.stale {
		return 0
	}
	n := c.bufs.Available(ctx, id, c.tls)
	if n < 0 {
		c.log.Debug("socket vanished", "socket", id)
		c.Stop(ctx)
		return 0
	}
	return n
}

// Read copies received bytes into p. It never blocks and returns 0 when
// nothing is available.
func (c *Client) Read(ctx context.Context, p []byte) int {
	if c.Available(ctx) <= 0 {
		return 0
	}
	return c.bufs.Read(ctx, c.ID(), p, c.tls)
}

// Peek returns the next received byte without consuming it, or -1.
func (c *Client) Peek(ctx context.Context) int {
	if c.Available(ctx) <= 0 {
		return -1
	}
	return c.bufs.Peek(ctx, c.ID(), c.tls)
}

// Connected reports whether the socket is up or still holds unread data.
func (c *Client) Connected(ctx context.Context) bool {
	if c.ID() == noSocket {
		return false
	}
	if c.Available(ctx) > 0 {
		return true
	}
	return c.connected.Load()
}

// Stop shuts the socket down and releases its id and buffer. A command
// still in flight is waited for first. Stopping an idle client is a no-op.
func (c *Client) Stop(ctx context.Context) {
	if id := c.ID(); id != noSocket {
		if _, err := modem.Exec(ctx, c.x.Channel(), c.closeCommand(id)); err != nil {
			c.log.Debug("socket shutdown failed", "socket", id, "error", err)
		}
		c.log.Info("socket stopped", "socket", id)
	}
	c.release()
	c.x.Reset()
	c.state = ClientIdle
}

// HandleURC updates the connection state from an unsolicited line. It
// reports whether the line concerned this client.
func (c *Client) HandleURC(line string) bool {
	id := c.ID()
	if id == noSocket {
		return false
	}
	ev := modem.ParseEvent(line)
	switch {
	case ev.Type == modem.EvSocketClosed && !c.tls && ev.Index == id:
	case ev.Type == modem.EvNoCarrier && c.tls:
	case ev.Type == modem.EvSocketRing && ev.Index == id:
		return true
	default:
		return false
	}
	if c.connected.CompareAndSwap(true, false) {
		c.log.Info("socket closed by peer", "socket", id)
	}
	return true
}

// ID returns the socket id, or -1 when no socket is held.
func (c *Client) ID() int {
	return int(c.id.Load())
}

func (c *Client) State() ClientState {
	return c.state
}

// Err returns the cause of the last failure.
func (c *Client) Err() error {
	return c.err
}

// Cause returns the closure cause reported by the modem after a failed
// connect.
func (c *Client) Cause() string {
	return c.cause
}

func (c *Client) TLS() bool {
	return c.tls
}

var _ modem.Machine = (*Client)(nil)
