package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"i4.energy/across/cellular/modem"
	"i4.energy/across/cellular/network"
	"i4.energy/across/cellular/sms"
	"i4.energy/across/cellular/socket"
)

var errQueueFull = errors.New("send queue full")

// SMSRequest is a message to send, received over HTTP or MQTT.
type SMSRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"` // optional caller-supplied id
}

// StatusReport describes the modem and its network attachment.
type StatusReport struct {
	Network    string `json:"network"`
	Packet     string `json:"packet"`
	Carrier    string `json:"carrier,omitempty"`
	Registered bool   `json:"registered"` // home network or roaming
	RSSI       int    `json:"rssi"`
	DBm        int    `json:"dbm,omitempty"`
	Address    string `json:"address,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ProbeRequest asks for a test connection through the modem.
type ProbeRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
	// UDP sends Payload as one datagram and reads at most one reply.
	UDP     bool   `json:"udp"`
	Payload string `json:"payload,omitempty"`
}

// ProbeResult is the outcome of a test connection.
type ProbeResult struct {
	Connected bool          `json:"connected"`
	Elapsed   time.Duration `json:"elapsed"`
	Cause     string        `json:"cause,omitempty"`
	Reply     string        `json:"reply,omitempty"`
	From      string        `json:"from,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Network    network.Options
	Certs      socket.CertList
	RatePerMin int
	MaxRetries int
	QueueSize  int
}

type job struct {
	req      SMSRequest
	attempts int
}

// Gateway owns the modem features. Every modem operation holds mu, so
// at most one feature uses the channel at any time.
type Gateway struct {
	log    *slog.Logger
	ch     modem.Channel
	driver modem.Driver
	opts   GatewayOptions

	mu      sync.Mutex
	prov    *network.Provisioner
	attach  *network.Attacher
	scanner *network.Scanner
	sms     *sms.Service
	plain   *socket.Pool
	secure  *socket.Pool
	bufs    *socket.Buffers

	queue chan job
	rate  *Rate
}

func NewGateway(ch modem.Channel, d modem.Driver, opts GatewayOptions) *Gateway {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.RatePerMin <= 0 {
		opts.RatePerMin = 30
	}
	return &Gateway{
		log:     d.Log().With("component", "gateway"),
		ch:      ch,
		driver:  d,
		opts:    opts,
		prov:    network.NewProvisioner(ch, d),
		attach:  network.NewAttacher(ch, d),
		scanner: network.NewScanner(ch),
		sms:     sms.NewService(ch, d),
		plain:   socket.NewPool(socket.DefaultPoolSize),
		secure:  socket.NewPool(1),
		bufs:    socket.NewBuffers(ch, socket.DefaultBufferSize, d.Logger),
		queue:   make(chan job, opts.QueueSize),
		rate:    NewRate(opts.RatePerMin),
	}
}

// Start brings the network up and attaches the packet service. With
// Network.Sync it returns once both completed, otherwise it returns at once
// and the bring-up continues in the background.
func (g *Gateway) Start(ctx context.Context) error {
	if g.opts.Network.Sync {
		return g.bringUp(ctx)
	}
	go func() {
		if err := g.bringUp(ctx); err != nil {
			g.log.Error("network bring-up failed", "error", err)
		}
	}()
	return nil
}

func (g *Gateway) bringUp(ctx context.Context) error {
	opts := g.opts.Network

	g.mu.Lock()
	status := g.prov.Begin(ctx, opts)
	g.mu.Unlock()

	// The asynchronous bring-up is stepped here, releasing the channel
	// between steps so that requests can interleave.
	for status != network.StatusReady {
		if status == network.StatusError {
			return fmt.Errorf("bring-up: %w", g.prov.Err())
		}
		if err := sleep(ctx, g.interval()); err != nil {
			g.mu.Lock()
			g.prov.Fail(err)
			g.mu.Unlock()
			return err
		}
		g.mu.Lock()
		g.prov.Step(ctx)
		status = g.prov.Status()
		g.mu.Unlock()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attach.Attach(ctx, modem.Blocking) != network.StatusGprsReady {
		return fmt.Errorf("attach: %w", g.attach.Err())
	}
	g.log.Info("network ready")
	return nil
}

func (g *Gateway) interval() time.Duration {
	if g.driver.Interval > 0 {
		return g.driver.Interval
	}
	return modem.DefaultPollInterval
}

// Send sends a message right away and returns its network reference.
func (g *Gateway) Send(ctx context.Context, to, text string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sms.Send(ctx, to, text)
}

// Enqueue schedules a message for the send worker and returns its id.
func (g *Gateway) Enqueue(r SMSRequest) (string, error) {
	if r.ID == "" {
		h := sha1.Sum(fmt.Appendf(nil, "%s|%s|%d", r.To, r.Message, time.Now().UnixNano()))
		r.ID = hex.EncodeToString(h[:8])
	}
	select {
	case g.queue <- job{req: r}:
		return r.ID, nil
	default:
		return "", errQueueFull
	}
}

// Run sends queued messages until ctx is done, with rate limiting and
// jittered retries.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-g.queue:
			g.process(ctx, j)
		}
	}
}

func (g *Gateway) process(ctx context.Context, j job) {
	log := g.log.With("id", j.req.ID, "to", j.req.To)
	for !g.rate.Allow() {
		if sleep(ctx, 2*time.Second) != nil {
			return
		}
	}

	ref, err := g.Send(ctx, j.req.To, j.req.Message)
	if err == nil {
		log.Info("queued message sent", "reference", ref)
		return
	}
	if j.attempts >= g.opts.MaxRetries {
		log.Error("queued message dropped", "attempts", j.attempts+1, "error", err)
		return
	}

	back := time.Duration(800+rand.IntN(600)) * time.Millisecond
	log.Warn("queued message failed, retrying", "error", err, "backoff", back)
	if sleep(ctx, back) != nil {
		return
	}
	j.attempts++
	select {
	case g.queue <- j:
	default:
		log.Error("queued message dropped", "error", errQueueFull)
	}
}

// Inbox returns the unread messages.
func (g *Gateway) Inbox(ctx context.Context) ([]sms.SMS, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sms.List(ctx, modem.Blocking)
}

// Delete removes a stored message.
func (g *Gateway) Delete(ctx context.Context, index int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sms.Delete(ctx, index)
}

// Status reports the network state. Query failures leave their fields
// empty.
func (g *Gateway) Status(ctx context.Context) StatusReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	rep := StatusReport{
		Network: g.prov.Status().String(),
		Packet:  g.attach.Status().String(),
	}
	if err := g.prov.Err(); err != nil {
		rep.Error = err.Error()
	}
	rep.Registered = g.prov.IsAccessAlive(ctx)
	if name, err := g.scanner.CurrentCarrier(ctx); err == nil {
		rep.Carrier = name
	}
	if sig, err := g.scanner.SignalStrength(ctx); err == nil {
		rep.RSSI = sig.RSSI
		if sig.Known() {
			rep.DBm = sig.DBm()
		}
	}
	if g.attach.Status() == network.StatusGprsReady {
		if addr, err := g.attach.IPAddress(ctx); err == nil {
			rep.Address = addr.String()
		}
	}
	return rep
}

// Networks scans for the operators in range. The scan takes minutes.
func (g *Gateway) Networks(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scanner.Networks(ctx)
}

// Probe opens a test connection and closes it again.
func (g *Gateway) Probe(ctx context.Context, req ProbeRequest) ProbeResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req.UDP {
		return g.probeUDP(ctx, req)
	}

	start := time.Now()
	var (
		c   *socket.Client
		err error
	)
	if req.TLS {
		t := socket.NewTLSClient(g.ch, g.driver, g.secure, g.bufs, socket.TLSOptions{Certs: g.opts.Certs})
		err = t.Connect(ctx, req.Host, req.Port, modem.Blocking)
		c = t.Client
	} else {
		c = socket.NewClient(g.ch, g.driver, g.plain, g.bufs)
		err = c.Connect(ctx, req.Host, req.Port, modem.Blocking)
	}

	res := ProbeResult{Elapsed: time.Since(start), Cause: c.Cause()}

	// A dial that timed out still holds the modem socket.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeStopTimeout)
	defer cancel()
	c.Stop(stopCtx)

	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Connected = true
	return res
}

func (g *Gateway) probeUDP(ctx context.Context, req ProbeRequest) ProbeResult {
	start := time.Now()
	u := socket.NewUDP(g.ch, g.driver, g.plain, g.bufs)
	defer u.Stop(context.WithoutCancel(ctx))

	err := u.Begin(ctx, 0)
	if err == nil {
		err = u.BeginPacket(req.Host, req.Port)
	}
	if err == nil {
		_, err = u.Write([]byte(req.Payload))
	}
	if err == nil {
		err = u.EndPacket(ctx)
	}
	res := ProbeResult{Elapsed: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Connected = true

	if n := u.ParsePacket(ctx); n > 0 {
		reply := make([]byte, n)
		reply = reply[:u.Read(ctx, reply)]
		res.Reply = string(reply)
		res.From = u.RemoteAddr().String()
	}
	return res
}

// probeStopTimeout bounds the shutdown of a probe socket, including the
// wait for a dial still executing on the modem.
const probeStopTimeout = socket.ConnectTimeout + 5*time.Second

// HandleURC logs unsolicited events.
func (g *Gateway) HandleURC(line string) {
	ev := modem.ParseEvent(line)
	switch ev.Type {
	case modem.EvNewMessage:
		g.log.Info("message received", "storage", ev.Storage, "index", ev.Index)
	case modem.EvUnknown:
		g.log.Debug("unsolicited line", "line", line)
	default:
		g.log.Debug("unsolicited event", "type", ev.Type.String(), "index", ev.Index, "value", ev.Value)
	}
}

// Shutdown powers the modem down.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prov.Shutdown(ctx)
}

// Rate is a sliding window limiter of events per minute.
type Rate struct {
	mu  sync.Mutex
	cap int
	win []time.Time
	now func() time.Time
}

func NewRate(nPerMin int) *Rate {
	return &Rate{cap: nPerMin, now: time.Now}
}

func (r *Rate) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cut := now.Add(-time.Minute)
	kept := r.win[:0]
	for _, t := range r.win {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	r.win = kept
	if len(r.win) >= r.cap {
		return false
	}
	r.win = append(r.win, now)
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
