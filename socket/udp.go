package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
)

// MaxPacketSize is the largest datagram UDP sends or receives.
const MaxPacketSize = MaxWriteChunk

// UDP is a datagram socket on one modem socket id. Begin configures the
// socket; the modem opens it with the first packet sent, which also fixes
// the peer that replies are received from. Sending to another peer
// reopens it.
//
// Received packets are read one at a time: ParsePacket fetches the next
// one and drops whatever was left unread of the previous one.
//
// UDP is not safe for concurrent use.
type UDP struct {
	ch   modem.Channel
	log  *slog.Logger
	pool *Pool
	bufs *Buffers

	lease     *Lease
	localPort int

	tx     []byte
	txHost string
	txPort int
	txOpen bool

	// peer is the destination the socket is open to.
	peer   string
	remote netip.AddrPort
}

// NewUDP returns a UDP socket drawing its id from pool and receiving
// through bufs.
func NewUDP(ch modem.Channel, d modem.Driver, pool *Pool, bufs *Buffers) *UDP {
	if bufs == nil {
		bufs = NewBuffers(ch, DefaultBufferSize, d.Logger)
	}
	return &UDP{
		ch:   ch,
		log:  d.Log().With("component", "socket", "udp", true),
		pool: pool,
		bufs: bufs,
	}
}

// Begin allocates a socket id and configures it for hex receive. Packets
// are sent from localPort; zero lets the modem pick one.
func (u *UDP) Begin(ctx context.Context, localPort int) error {
	u.Stop(ctx)

	lease, err := acquire(ctx, u.ch, u.pool)
	if err != nil {
		return err
	}
	id := lease.ID()
	for _, cmd := range []at.Command{
		at.Cmd("AT#SCFG=%d,1,0,0,600,50", id),
		at.Cmd("AT#SCFGEXT=%d,0,1,0", id),
	} {
		if _, err := modem.Exec(ctx, u.ch, cmd); err != nil {
			lease.Release()
			return fmt.Errorf("%w: %w", ErrConnectFailed, at.Wrap(err, cmd.Text))
		}
	}
	u.lease = lease
	u.localPort = localPort
	u.log.Debug("socket allocated", "socket", id, "local_port", localPort)
	return nil
}

// BeginPacket starts a packet to host:port.
func (u *UDP) BeginPacket(host string, port int) error {
	if u.lease == nil {
		return ErrNotConnected
	}
	u.tx = nil
	u.txHost = host
	u.txPort = port
	u.txOpen = true
	return nil
}

// BeginPacketAddr starts a packet to a numeric address.
func (u *UDP) BeginPacketAddr(addr netip.Addr, port int) error {
	return u.BeginPacket(addr.Unmap().String(), port)
}

// Write appends p to the current packet. Bytes beyond MaxPacketSize are
// dropped and the count written is returned.
func (u *UDP) Write(p []byte) (int, error) {
	if u.lease == nil || !u.txOpen {
		return 0, ErrNotConnected
	}
	n := min(len(p), MaxPacketSize-len(u.tx))
	u.tx = append(u.tx, p[:n]...)
	return n, nil
}

// EndPacket sends the current packet, opening the socket to its
// destination first if needed.
func (u *UDP) EndPacket(ctx context.Context) error {
	if u.lease == nil || !u.txOpen {
		return ErrNotConnected
	}
	u.txOpen = false
	id := u.lease.ID()

	peer := fmt.Sprintf("%s:%d", u.txHost, u.txPort)
	if u.peer == peer && !u.open(ctx) {
		u.peer = ""
	}
	if u.peer != peer {
		if err := u.dial(ctx, peer); err != nil {
			return err
		}
	}
	if len(u.tx) == 0 {
		return nil
	}

	cmd := at.Cmd("AT#SSENDEXT=%d,%d", id, len(u.tx)).WithPayload(u.tx)
	if _, err := modem.Exec(ctx, u.ch, cmd); err != nil {
		if at.IsOperationNotAllowed(err) {
			u.peer = ""
		}
		return at.Wrap(err, cmd.Text)
	}
	u.log.Debug("packet sent", "socket", id, "peer", peer, "size", len(u.tx))
	return nil
}

// dial opens the socket to peer, shutting down a socket open to another
// one.
func (u *UDP) dial(ctx context.Context, peer string) error {
	id := u.lease.ID()
	if u.peer != "" {
		u.shutdown(ctx, id)
	}
	cmd := at.Cmd(`AT#SD=%d,1,%d,"%s",0,%d,1`, id, u.txPort, u.txHost, u.localPort).WithTimeout(ConnectTimeout)
	if _, err := modem.Exec(ctx, u.ch, cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, at.Wrap(err, cmd.Text))
	}
	u.peer = peer
	u.log.Info("socket opened", "socket", id, "peer", peer, "local_port", u.localPort)
	return nil
}

// open reports whether the modem has the socket open.
func (u *UDP) open(ctx context.Context) bool {
	st, ok := u.status(ctx)
	return ok && st.state != 0
}

func (u *UDP) status(ctx context.Context) (socketStatus, bool) {
	id := u.lease.ID()
	r, err := modem.Exec(ctx, u.ch, at.Cmd("AT#SS=%d", id))
	if err != nil {
		return socketStatus{}, false
	}
	for _, line := range r.Data() {
		if st, ok := parseSocketStatus(line); ok && st.id == id {
			return st, true
		}
	}
	return socketStatus{}, false
}

// ParsePacket fetches the next received packet and returns its size, or 0
// when none is pending.
func (u *UDP) ParsePacket(ctx context.Context) int {
	if u.lease == nil || u.peer == "" {
		return 0
	}
	id := u.lease.ID()
	if u.bufs.Length(id, false) > 0 {
		u.bufs.Close(id, false)
	}

	st, ok := u.status(ctx)
	if !ok || st.state == 0 {
		return 0
	}
	if st.remote.IsValid() {
		u.remote = st.remote
	}
	return max(u.bufs.Available(ctx, id, false), 0)
}

// Available returns the unread size of the current packet.
func (u *UDP) Available() int {
	if u.lease == nil {
		return 0
	}
	return u.bufs.Length(u.lease.ID(), false)
}

// Read copies bytes of the current packet into p. It never fetches the
// next packet.
func (u *UDP) Read(ctx context.Context, p []byte) int {
	if u.Available() == 0 {
		return 0
	}
	return u.bufs.Read(ctx, u.lease.ID(), p, false)
}

// Peek returns the next byte of the current packet without consuming it,
// or -1.
func (u *UDP) Peek(ctx context.Context) int {
	if u.Available() == 0 {
		return -1
	}
	return u.bufs.Peek(ctx, u.lease.ID(), false)
}

// RemoteAddr returns the sender of the last packet fetched.
func (u *UDP) RemoteAddr() netip.AddrPort {
	return u.remote
}

func (u *UDP) RemoteIP() netip.Addr {
	return u.remote.Addr()
}

func (u *UDP) RemotePort() int {
	return int(u.remote.Port())
}

// Stop shuts the socket down and releases its id and buffer. Stopping an
// idle socket is a no-op.
func (u *UDP) Stop(ctx context.Context) {
	if u.lease == nil {
		return
	}
	id := u.lease.ID()
	if u.peer != "" {
		u.shutdown(ctx, id)
		u.log.Info("socket stopped", "socket", id)
	}
	u.bufs.Close(id, false)
	u.lease.Release()
	u.lease = nil
	u.tx = nil
	u.txOpen = false
	u.remote = netip.AddrPort{}
}

func (u *UDP) shutdown(ctx context.Context, id int) {
	if _, err := modem.Exec(ctx, u.ch, at.Cmd("AT#SH=%d", id)); err != nil {
		u.log.Debug("socket shutdown failed", "socket", id, "error", err)
	}
	u.peer = ""
}

// ID returns the socket id, or -1 when no socket is held.
func (u *UDP) ID() int {
	if u.lease == nil {
		return noSocket
	}
	return u.lease.ID()
}
