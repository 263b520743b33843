package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"i4.energy/across/cellular/modem"
	"i4.energy/across/cellular/modem/modemtest"
	"i4.energy/across/cellular/network"
)

var fast = modem.Driver{Interval: time.Millisecond}

// expectBringUp scripts a bring-up on a GSM network with a ready SIM.
func expectBringUp(ch *modemtest.Channel) {
	ch.Expect("AT+CMEE=2")
	ch.Expect("AT+CFUN?", "+CFUN: 0")
	ch.Expect("AT+CPIN?", "+CPIN: READY")
	ch.Expect("AT+CMGF=1")
	ch.Expect("AT+CTZU=1")
	ch.Expect(`AT+CGDCONT=1,"IP","internet"`)
	ch.Expect("AT#PDPAUTH=1,0")
	ch.Expect("AT+CFUN?", "+CFUN: 1")
	ch.Expect("AT+COPS?", `+COPS: 0,0,"Operator",0`)
	ch.Expect("AT+CGREG?", "+CGREG: 0,1")
	ch.Expect("AT#SGACT=1,1", "#SGACT: 10.0.0.1")
	ch.Expect("AT+CGATT=1")
	ch.Expect("AT+CGATT?", "+CGATT: 1")
}

func TestGatewayStart(t *testing.T) {
	ctx := context.Background()

	t.Run("Sync", func(t *testing.T) {
		ch := modemtest.NewChannel()
		expectBringUp(ch)

		g := NewGateway(ch, fast, GatewayOptions{Network: network.Options{APN: "internet", Sync: true}})
		require.NoError(t, g.Start(ctx))
		require.Equal(t, network.StatusReady, g.prov.Status())
		require.Equal(t, network.StatusGprsReady, g.attach.Status())
		ch.AssertDone(t)
	})

	t.Run("Async", func(t *testing.T) {
		ch := modemtest.NewChannel()
		expectBringUp(ch)

		g := NewGateway(ch, fast, GatewayOptions{Network: network.Options{APN: "internet"}})
		require.NoError(t, g.Start(ctx))
		require.Eventually(t, func() bool {
			g.mu.Lock()
			defer g.mu.Unlock()
			return g.attach.Status() == network.StatusGprsReady
		}, 5*time.Second, time.Millisecond)
		ch.AssertDone(t)
	})

	t.Run("Failure", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.ExpectError("AT+CMEE=2")

		g := NewGateway(ch, fast, GatewayOptions{Network: network.Options{Sync: true}})
		require.ErrorContains(t, g.Start(ctx), "bring-up")
		require.Equal(t, network.StatusError, g.prov.Status())
	})
}

func TestGatewayRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("Send and inbox", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect(`AT+CMGS="+4930",145`, "+CMGS: 12")
		ch.Expect(`AT+CMGL="REC UNREAD"`, `+CMGL: 4,"REC UNREAD","+4930",,"24/05/01,11:00:00+08"`, "pong")
		ch.Expect("AT+CMGD=4")

		g := NewGateway(ch, fast, GatewayOptions{})
		ref, err := g.Send(ctx, "+4930", "ping")
		require.NoError(t, err)
		require.Equal(t, 12, ref)
		require.Equal(t, [][]byte{[]byte("ping\x1a")}, ch.Payloads())

		msgs, err := g.Inbox(ctx)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, "pong", msgs[0].Text)
		require.Equal(t, 4, msgs[0].Index)
		require.NoError(t, g.Delete(ctx, msgs[0].Index))
		ch.AssertDone(t)
	})

	t.Run("Status", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect("AT+CREG?", "+CREG: 0,5")
		ch.Expect("AT+COPS?", `+COPS: 0,0,"Telekom",7`)
		ch.Expect("AT+CSQ", "+CSQ: 20,99")

		rep := NewGateway(ch, fast, GatewayOptions{}).Status(ctx)
		require.Equal(t, StatusReport{
			Network:    "idle",
			Packet:     "idle",
			Carrier:    "Telekom",
			Registered: true,
			RSSI:       20,
			DBm:        -73,
		}, rep)
		ch.AssertDone(t)
	})

	t.Run("Probe", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect("AT#SS", "#SS: 1,0")
		ch.Expect("AT#SCFG=1,1,0,0,600,50")
		ch.Expect("AT#SCFGEXT=1,0,1,0")
		ch.Expect(`AT#SD=1,0,443,"example.com",0,0,1`)
		ch.Expect("AT#SH=1")

		g := NewGateway(ch, fast, GatewayOptions{})
		res := g.Probe(ctx, ProbeRequest{Host: "example.com", Port: 443})
		require.True(t, res.Connected)
		require.Empty(t, res.Error)
		require.True(t, g.plain.Free(1))
		ch.AssertDone(t)
	})

	t.Run("Probe rejected", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect("AT#SS", "#SS: 1,0")
		ch.Expect("AT#SCFG=1,*")
		ch.Expect("AT#SCFGEXT=1,*")
		ch.ExpectError(`AT#SD=1,*`, "+CME ERROR: 568")
		ch.Expect("AT#SH=1")
		ch.Expect("AT#SLASTCLOSURE=1", "#SLASTCLOSURE: 1,2")

		res := NewGateway(ch, fast, GatewayOptions{}).Probe(ctx, ProbeRequest{Host: "example.com", Port: 80})
		require.False(t, res.Connected)
		require.Equal(t, "2", res.Cause)
		require.NotEmpty(t, res.Error)
		ch.AssertDone(t)
	})

	t.Run("UDP test connection", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect("AT#SS", "#SS: 1,0")
		ch.Expect("AT#SCFG=1,1,0,0,600,50")
		ch.Expect("AT#SCFGEXT=1,0,1,0")
		ch.Expect(`AT#SD=1,1,7,"192.0.2.1",0,0,1`)
		ch.Expect("AT#SSENDEXT=1,4")
		ch.Expect("AT#SS=1", "#SS: 1,3,10.0.0.2,4000,192.0.2.1,7")
		ch.Expect("AT#SRECV=1,512", "#SRECV: 1,4", "6563686f")
		ch.Expect("AT#SH=1")

		g := NewGateway(ch, fast, GatewayOptions{})
		res := g.Probe(ctx, ProbeRequest{Host: "192.0.2.1", Port: 7, UDP: true, Payload: "echo"})
		require.True(t, res.Connected)
		require.Equal(t, "echo", res.Reply)
		require.Equal(t, "192.0.2.1:7", res.From)
		require.True(t, g.plain.Free(1))
		ch.AssertDone(t)
	})

	t.Run("Timed out test connection shuts the socket down", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect("AT#SS", "#SS: 1,0")
		ch.Expect("AT#SCFG=1,*")
		ch.Expect("AT#SCFGEXT=1,*")
		ch.Expect(`AT#SD=1,*`).After(60)
		ch.Expect("AT#SH=1")

		d := modem.Driver{Interval: time.Millisecond, Timeout: 40 * time.Millisecond}
		g := NewGateway(ch, d, GatewayOptions{})
		res := g.Probe(ctx, ProbeRequest{Host: "example.com", Port: 80})
		require.False(t, res.Connected)
		require.Contains(t, res.Error, modem.ErrTimeout.Error())
		require.True(t, g.plain.Free(1))
		ch.AssertDone(t)
	})
}

func TestGatewayQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("Enqueue", func(t *testing.T) {
		g := NewGateway(modemtest.NewChannel(), fast, GatewayOptions{QueueSize: 1})
		id, err := g.Enqueue(SMSRequest{To: "+4930", Message: "a"})
		require.NoError(t, err)
		require.Len(t, id, 16)

		_, err = g.Enqueue(SMSRequest{To: "+4930", Message: "b"})
		require.ErrorIs(t, err, errQueueFull)

		j := <-g.queue
		require.Equal(t, id, j.req.ID)
	})

	t.Run("Caller id kept", func(t *testing.T) {
		g := NewGateway(modemtest.NewChannel(), fast, GatewayOptions{})
		id, err := g.Enqueue(SMSRequest{To: "+4930", Message: "a", ID: "req-1"})
		require.NoError(t, err)
		require.Equal(t, "req-1", id)
	})

	t.Run("Run sends", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect(`AT+CMGS="+4930",145`, "+CMGS: 3")

		g := NewGateway(ch, fast, GatewayOptions{})
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go g.Run(ctx)

		_, err := g.Enqueue(SMSRequest{To: "+4930", Message: "hello"})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return ch.Remaining() == 0 }, 5*time.Second, time.Millisecond)
	})

	t.Run("Failure without retries drops", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.ExpectError(`AT+CMGS="+4930",145`, "+CMS ERROR: 500")

		g := NewGateway(ch, fast, GatewayOptions{})
		g.process(ctx, job{req: SMSRequest{To: "+4930", Message: "x"}})
		require.Empty(t, g.queue)
		ch.AssertDone(t)
	})
}

func TestRate(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := NewRate(2)
	r.now = func() time.Time { return now }

	require.True(t, r.Allow())
	require.True(t, r.Allow())
	require.False(t, r.Allow())

	now = now.Add(30 * time.Second)
	require.False(t, r.Allow())

	now = now.Add(31 * time.Second)
	require.True(t, r.Allow())
	require.True(t, r.Allow())
	require.False(t, r.Allow())
}
