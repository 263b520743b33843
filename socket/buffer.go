package socket

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/smallnest/ringbuffer"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
)

// DefaultBufferSize is the receive buffer capacity per socket and the
// chunk size requested from the modem.
const DefaultBufferSize = 512

type bufferKey struct {
	id  int
	tls bool
}

// buffer holds received bytes of one socket. peeked is a byte already
// taken out of the ring by Peek, or -1.
type buffer struct {
	rb      *ringbuffer.RingBuffer
	peeked  int
	pending uint64
}

func (b *buffer) length() int {
	n := b.rb.Length()
	if b.peeked >= 0 {
		n++
	}
	return n
}

// Buffers manages the receive buffers of all sockets on a channel. A
// buffer is filled on demand with one receive command when it is empty.
//
// Buffers is not safe for concurrent use.
type Buffers struct {
	ch       modem.Channel
	capacity int
	log      *slog.Logger
	bufs     map[bufferKey]*buffer
}

func NewBuffers(ch modem.Channel, capacity int, logger *slog.Logger) *Buffers {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Buffers{
		ch:       ch,
		capacity: capacity,
		log:      logger.With("component", "socket-buffers"),
		bufs:     make(map[bufferKey]*buffer),
	}
}

// Capacity returns the size of every buffer.
func (b *Buffers) Capacity() int {
	return b.capacity
}

// Length returns the number of buffered bytes of a socket without
// touching the channel.
func (b *Buffers) Length(id int, tls bool) int {
	if buf, ok := b.bufs[bufferKey{id, tls}]; ok {
		return buf.length()
	}
	return 0
}

func (b *Buffers) get(id int, tls bool) *buffer {
	k := bufferKey{id, tls}
	buf, ok := b.bufs[k]
	if !ok {
		buf = &buffer{rb: ringbuffer.New(b.capacity), peeked: -1}
		b.bufs[k] = buf
	}
	return buf
}

// Available returns the number of bytes that can be read. An empty buffer
// is refilled from the modem first. It returns -1 when the modem gave no
// answer at all, which means the socket is gone, and 0 when no data is
// pending or the receive command is still executing.
func (b *Buffers) Available(ctx context.Context, id int, tls bool) int {
	buf := b.get(id, tls)
	if n := buf.length(); n > 0 {
		return n
	}

	var r at.Response
	switch {
	case b.ch.Busy():
		return 0
	case buf.pending != 0:
		r = b.ch.Result(buf.pending)
	default:
		r = b.ch.Issue(ctx, b.receive(id, tls))
	}
	if r.Busy() {
		buf.pending = r.ID
		return 0
	}
	buf.pending = 0

	if r.Len() == 0 {
		return -1
	}
	if r.Outcome == at.Error {
		return 0
	}

	data, err := b.payload(r, tls)
	if err != nil {
		b.log.Warn("discarding malformed receive payload", "socket", id, "error", err)
		return 0
	}
	if len(data) > buf.rb.Free() {
		data = data[:buf.rb.Free()]
	}
	if len(data) > 0 {
		if _, err := buf.rb.Write(data); err != nil {
			b.log.Warn("receive buffer write failed", "socket", id, "error", err)
		}
	}
	return buf.length()
}

func (b *Buffers) receive(id int, tls bool) at.Command {
	if tls {
		return at.Cmd("AT#SSLRECV=1,%d", b.capacity)
	}
	return at.Cmd("AT#SRECV=%d,%d", id, b.capacity)
}

// payload extracts the received bytes: the lines following the
// #SRECV/#SSLRECV header, hex encoded for plain sockets.
func (b *Buffers) payload(r at.Response, tls bool) ([]byte, error) {
	header := "#SRECV:"
	if tls {
		header = "#SSLRECV:"
	}
	data := r.Data()
	for i, line := range data {
		if !strings.HasPrefix(line, header) {
			continue
		}
		body := strings.Join(data[i+1:], "")
		if tls {
			return []byte(body), nil
		}
		return hex.DecodeString(body)
	}
	return nil, nil
}

// Read copies up to len(dst) buffered bytes into dst, refilling the buffer
// first when it is empty. It never returns more than the preceding
// Available and returns 0 when nothing is available.
func (b *Buffers) Read(ctx context.Context, id int, dst []byte, tls bool) int {
	avail := b.Available(ctx, id, tls)
	if avail <= 0 || len(dst) == 0 {
		return 0
	}
	dst = dst[:min(len(dst), avail)]

	buf := b.get(id, tls)
	n := 0
	if buf.peeked >= 0 {
		dst[0] = byte(buf.peeked)
		buf.peeked = -1
		n = 1
	}
	if n < len(dst) {
		m, _ := buf.rb.Read(dst[n:])
		n += m
	}
	return n
}

// Peek returns the next byte without consuming it, or -1 when nothing is
// available.
func (b *Buffers) Peek(ctx context.Context, id int, tls bool) int {
	if b.Available(ctx, id, tls) <= 0 {
		return -1
	}
	buf := b.get(id, tls)
	if buf.peeked < 0 {
		c, err := buf.rb.ReadByte()
		if err != nil {
			return -1
		}
		buf.peeked = int(c)
	}
	return buf.peeked
}

// Close drops the buffer of a socket. It must be called whenever the
// socket is torn down.
func (b *Buffers) Close(id int, tls bool) {
	k := bufferKey{id, tls}
	if buf, ok := b.bufs[k]; ok {
		buf.rb.Reset()
		delete(b.bufs, k)
	}
}
