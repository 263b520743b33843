package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"i4.energy/across/cellular/sms"
)

type fakeModem struct {
	sent     []SMSRequest
	sendErr  error
	inbox    []sms.SMS
	probe    ProbeResult
	networks []string
	deleted  []int
}

func (f *fakeModem) Send(_ context.Context, to, text string) (int, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, SMSRequest{To: to, Message: text})
	return 17, nil
}

func (f *fakeModem) Inbox(context.Context) ([]sms.SMS, error) {
	return f.inbox, nil
}

func (f *fakeModem) Delete(_ context.Context, index int) error {
	f.deleted = append(f.deleted, index)
	return nil
}

func (f *fakeModem) Status(context.Context) StatusReport {
	return StatusReport{Network: "ready", Packet: "gprs-ready", Registered: true, RSSI: 20, DBm: -73}
}

func (f *fakeModem) Networks(context.Context) ([]string, error) {
	return f.networks, nil
}

func (f *fakeModem) Probe(_ context.Context, req ProbeRequest) ProbeResult {
	return f.probe
}

func serve(t *testing.T, m Modem, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	s := &Server{Logger: slog.New(slog.DiscardHandler), Modem: m}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestServer(t *testing.T) {
	t.Run("Send", func(t *testing.T) {
		m := &fakeModem{}
		rec := serve(t, m, http.MethodPost, "/sms", `{"to":"+4930","message":"hi"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"reference":17}`, rec.Body.String())
		require.Equal(t, []SMSRequest{{To: "+4930", Message: "hi"}}, m.sent)
	})

	t.Run("Send validation", func(t *testing.T) {
		m := &fakeModem{}
		require.Equal(t, http.StatusBadRequest, serve(t, m, http.MethodPost, "/sms", `{"to":"+4930"}`).Code)
		require.Equal(t, http.StatusBadRequest, serve(t, m, http.MethodPost, "/sms", `not json`).Code)
		require.Equal(t, http.StatusMethodNotAllowed, serve(t, m, http.MethodDelete, "/sms", ``).Code)
		require.Empty(t, m.sent)
	})

	t.Run("Send failure", func(t *testing.T) {
		m := &fakeModem{sendErr: errors.New("at: CMS error 500")}
		rec := serve(t, m, http.MethodPost, "/sms", `{"to":"+4930","message":"hi"}`)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.JSONEq(t, `{"message":"at: CMS error 500"}`, rec.Body.String())
	})

	t.Run("Inbox", func(t *testing.T) {
		m := &fakeModem{inbox: []sms.SMS{{Index: 3, Status: "REC UNREAD", Sender: "+4930", Time: "t", Text: "hello"}}}
		rec := serve(t, m, http.MethodGet, "/sms", ``)
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `[{"index":3,"sender":"+4930","time":"t","text":"hello"}]`, rec.Body.String())

		rec = serve(t, &fakeModem{}, http.MethodGet, "/sms", ``)
		require.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("Delete", func(t *testing.T) {
		m := &fakeModem{}
		require.Equal(t, http.StatusNoContent, serve(t, m, http.MethodDelete, "/sms/4", ``).Code)
		require.Equal(t, http.StatusBadRequest, serve(t, m, http.MethodDelete, "/sms/x", ``).Code)
		require.Equal(t, []int{4}, m.deleted)
	})

	t.Run("Status", func(t *testing.T) {
		rec := serve(t, &fakeModem{}, http.MethodGet, "/status", ``)
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"network":"ready","packet":"gprs-ready","registered":true,"rssi":20,"dbm":-73}`, rec.Body.String())
	})

	t.Run("Networks", func(t *testing.T) {
		rec := serve(t, &fakeModem{networks: []string{"Telekom", "Vodafone"}}, http.MethodGet, "/networks", ``)
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `["Telekom","Vodafone"]`, rec.Body.String())

		rec = serve(t, &fakeModem{}, http.MethodGet, "/networks", ``)
		require.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("Probe", func(t *testing.T) {
		m := &fakeModem{probe: ProbeResult{Connected: true}}
		require.Equal(t, http.StatusOK, serve(t, m, http.MethodPost, "/probe", `{"host":"example.com","port":80}`).Code)
		require.Equal(t, http.StatusBadRequest, serve(t, m, http.MethodPost, "/probe", `{"host":"example.com"}`).Code)
		require.Equal(t, http.StatusBadRequest, serve(t, m, http.MethodPost, "/probe", `{"host":"example.com","port":53,"tls":true,"udp":true}`).Code)

		m.probe = ProbeResult{Error: "socket connect failed", Cause: "2"}
		require.Equal(t, http.StatusBadGateway, serve(t, m, http.MethodPost, "/probe", `{"host":"example.com","port":80}`).Code)
	})

	t.Run("Healthz", func(t *testing.T) {
		rec := serve(t, &fakeModem{}, http.MethodGet, "/healthz", ``)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "ok", rec.Body.String())
	})
}
