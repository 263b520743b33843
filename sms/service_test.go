package sms_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
	"i4.energy/across/cellular/modem/modemtest"
	"i4.energy/across/cellular/sms"
)

var fast = modem.Driver{Interval: time.Millisecond}

const listUnread = `AT+CMGL="REC UNREAD"`

func TestList(t *testing.T) {
	ctx := context.Background()

	t.Run("Blocking", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect(listUnread,
			`+CMGL: 1,"REC UNREAD","+491701234567","","24/05/01,10:00:00+08"`,
			"Hello",
			`+CMGL: 2,"REC UNREAD","+4930",,"24/05/01,11:00:00+08"`,
			"Line one",
			"Line two",
		)

		s := sms.NewService(ch, fast)
		msgs, err := s.List(ctx, modem.Blocking)
		require.NoError(t, err)
		require.Equal(t, []sms.SMS{
			{Index: 1, Status: "REC UNREAD", Sender: "+491701234567", Time: "24/05/01,10:00:00+08", Text: "Hello"},
			{Index: 2, Status: "REC UNREAD", Sender: "+4930", Time: "24/05/01,11:00:00+08", Text: "Line one\nLine two"},
		}, msgs)
		require.Contains(t, s.Raw(), "Line two\r\nOK\r\n")
		require.Equal(t, sms.ListIdle, s.State())
		ch.AssertDone(t)
	})

	t.Run("Empty", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect(listUnread)

		msgs, err := sms.NewService(ch, fast).List(ctx, modem.Blocking)
		require.NoError(t, err)
		require.Empty(t, msgs)
	})

	t.Run("Error response still completes", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.ExpectError(listUnread, "+CMS ERROR: 321")

		s := sms.NewService(ch, fast)
		_, err := s.List(ctx, modem.Blocking)
		var re *at.ResultError
		require.ErrorAs(t, err, &re)
		require.Equal(t, 321, re.Code)
		require.Equal(t, 1, s.Step(ctx).Code())
	})

	t.Run("Non-blocking", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect(listUnread, `+CMGL: 5,"REC UNREAD","+4930",,"24/05/01,11:00:00+08"`, "Hi").After(2)

		s := sms.NewService(ch, fast)
		_, err := s.List(ctx, modem.NonBlocking)
		require.ErrorIs(t, err, sms.ErrInProgress)
		require.Equal(t, sms.WaitListMessagesResponse, s.State())

		_, err = s.List(ctx, modem.NonBlocking)
		require.ErrorIs(t, err, sms.ErrInProgress)

		msgs, err := s.List(ctx, modem.NonBlocking)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, 5, msgs[0].Index)
		require.Equal(t, 1, ch.Count("AT+CMGL"))
		ch.AssertDone(t)
	})

	t.Run("Timeout", func(t *testing.T) {
		ch := modemtest.NewChannel().AlwaysBusy()
		d := modem.Driver{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}

		s := sms.NewService(ch, d)
		_, err := s.List(ctx, modem.Blocking)
		require.ErrorIs(t, err, modem.ErrTimeout)
		require.Equal(t, sms.ListIdle, s.State())
	})
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect(`AT+CMGS="+1234567890",145`, "+CMGS: 42")

		ref, err := sms.NewService(ch, fast).Send(ctx, "+1234567890", "Hello World")
		require.NoError(t, err)
		require.Equal(t, 42, ref)
		require.Equal(t, [][]byte{[]byte("Hello World\x1a")}, ch.Payloads())
		ch.AssertDone(t)
	})

	t.Run("Network rejection", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.ExpectError(`AT+CMGS="+1234567890",145`, "+CMS ERROR: 500")

		_, err := sms.NewService(ch, fast).Send(ctx, "+1234567890", "Hello World")
		var re *at.ResultError
		require.ErrorAs(t, err, &re)
		require.Equal(t, "CMS", re.Kind)
		require.Equal(t, 500, re.Code)
	})

	t.Run("No recipient", func(t *testing.T) {
		ch := modemtest.NewChannel()
		_, err := sms.NewService(ch, fast).Send(ctx, "", "Hello")
		require.ErrorIs(t, err, sms.ErrNoRecipient)
		require.Empty(t, ch.Issued())
	})

	t.Run("Buffered message", func(t *testing.T) {
		ch := modemtest.NewChannel()
		ch.Expect(`AT+CMGS="+4930",145`, "+CMGS: 7")

		s := sms.NewService(ch, fast)
		_, err := s.EndSMS(ctx)
		require.ErrorIs(t, err, sms.ErrNoDraft)

		s.BeginSMS("+4930")
		fmt.Fprintf(s, "Temp %d", 21)
		_, err = s.Write([]byte(" C"))
		require.NoError(t, err)

		ref, err := s.EndSMS(ctx)
		require.NoError(t, err)
		require.Equal(t, 7, ref)
		require.Equal(t, []byte("Temp 21 C\x1a"), ch.Payloads()[0])

		_, err = s.Write([]byte("late"))
		require.ErrorIs(t, err, sms.ErrNoDraft)
		ch.AssertDone(t)
	})
}

func TestStorage(t *testing.T) {
	ctx := context.Background()

	ch := modemtest.NewChannel()
	ch.Expect("AT+CMGD=3")
	ch.Expect("AT+CMGD=1,2")
	ch.Expect("AT+CMGD=1,4")
	ch.ExpectError("AT+CMGD=9")
	ch.Expect("AT+CMGF=1")

	s := sms.NewService(ch, fast)
	require.NoError(t, s.Delete(ctx, 3))
	require.NoError(t, s.Clean(ctx, 9))
	require.NoError(t, s.Clean(ctx, sms.DeleteAll))
	require.Error(t, s.Delete(ctx, 9))
	require.NoError(t, s.SetMessageFormat(ctx))
	ch.AssertDone(t)
}
