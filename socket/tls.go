package socket

import (
	"context"
	"fmt"
	"net/netip"

	"i4.energy/across/cellular/at"
	"i4.energy/across/cellular/modem"
)

// CertState is the state of the certificate provisioning machine.
type CertState int

const (
	// CertsReady means no provisioning is pending.
	CertsReady CertState = iota
	Enable
	WaitEnable
	ConfigureProfile
	WaitConfigureProfile
	ConfigureProfile2
	WaitConfigureProfile2
	LoadCert
	WaitLoadCert
	WaitDeleteCert
)

var certStateNames = [...]string{
	CertsReady:            "ready",
	Enable:                "enable",
	WaitEnable:            "wait-enable",
	ConfigureProfile:      "configure-profile",
	WaitConfigureProfile:  "wait-configure-profile",
	ConfigureProfile2:     "configure-profile2",
	WaitConfigureProfile2: "wait-configure-profile2",
	LoadCert:              "load-cert",
	WaitLoadCert:          "wait-load-cert",
	WaitDeleteCert:        "wait-delete-cert",
}

func (s CertState) String() string {
	if s < 0 || int(s) >= len(certStateNames) {
		return "unknown"
	}
	return certStateNames[s]
}

// DefaultTLSVersion selects every TLS version the modem supports.
const DefaultTLSVersion = 4

// TLSOptions configures a TLSClient.
type TLSOptions struct {
	// Version is the protocol version index of AT#SSLSECCFG2. Zero means
	// DefaultTLSVersion.
	Version int
	// DisableSNI turns off the server name indication extension.
	DisableSNI bool
	// Certs is the list provisioned before the first connection. The zero
	// value means DefaultCerts.
	Certs CertList
	// Cache records the list held by the profile. Nil means
	// SharedCertCache.
	Cache *CertCache
}

// TLSClient is a Client on the modem's SSL session. Before connecting with
// a certificate list that was not provisioned yet, it enables the session,
// configures the security profile and uploads the list.
//
// Enable and configure failures start over from Enable; the caller bounds
// the retries with the driver timeout. A rejected upload fails the
// connection attempt.
type TLSClient struct {
	*Client

	version int
	sni     int
	certs   CertList
	cache   *CertCache

	cert  CertState
	index int
}

// NewTLSClient returns a TLS client. pool should have a single id, shared
// by all TLS clients of the modem.
func NewTLSClient(ch modem.Channel, d modem.Driver, pool *Pool, bufs *Buffers, opts TLSOptions) *TLSClient {
	t := &TLSClient{
		Client:  newClient(ch, d, pool, bufs, true),
		version: DefaultTLSVersion,
		sni:     1,
		cache:   SharedCertCache,
	}
	if opts.Version > 0 {
		t.version = opts.Version
	}
	if opts.DisableSNI {
		t.sni = 0
	}
	if opts.Cache != nil {
		t.cache = opts.Cache
	}
	t.SetCerts(opts.Certs)
	return t
}

// SetCerts replaces the certificate list used by the next connection.
func (t *TLSClient) SetCerts(l CertList) {
	if l.Key() == "" {
		l = DefaultCerts()
	}
	t.certs = l
	t.index = 0
}

func (t *TLSClient) Certs() CertList {
	return t.certs
}

// Connect provisions the certificate list if needed, then dials host:port.
func (t *TLSClient) Connect(ctx context.Context, host string, port int, mode modem.Mode) error {
	if err := t.begin(ctx, host, port); err != nil {
		return err
	}
	t.index = 0
	// An empty custom list leaves the profile as it is.
	empty := t.certs.Key() != DefaultKey && t.certs.Len() == 0
	if empty || t.cache.Loaded(TLSProfile, t.certs.Key()) {
		t.cert = CertsReady
	} else {
		t.certTransition(Enable)
	}
	return t.run(ctx, t, mode)
}

func (t *TLSClient) ConnectAddr(ctx context.Context, addr netip.Addr, port int, mode modem.Mode) error {
	return t.Connect(ctx, addr.Unmap().String(), port, mode)
}

// Step performs at most one transition, provisioning first and connecting
// afterwards. See modem.Machine.
func (t *TLSClient) Step(ctx context.Context) modem.Result {
	if !t.x.Ready() {
		return modem.Pending
	}

	switch t.cert {
	case CertsReady:
		return t.Client.Step(ctx)

	case Enable:
		t.issue(ctx, at.Cmd("AT#SSLEN=%d,1", tlsSocketID), WaitEnable)

	case WaitEnable:
		t.configured(ConfigureProfile)

	case ConfigureProfile:
		t.issue(ctx, at.Cmd("AT#SSLSECCFG=%d,0,1", tlsSocketID), WaitConfigureProfile)

	case WaitConfigureProfile:
		t.configured(ConfigureProfile2)

	case ConfigureProfile2:
		t.issue(ctx, at.Cmd("AT#SSLSECCFG2=%d,%d,%d", tlsSocketID, t.version, t.sni), WaitConfigureProfile2)

	case WaitConfigureProfile2:
		t.configured(LoadCert)

	case LoadCert:
		if t.index >= t.certs.Len() {
			t.loaded()
			break
		}
		c := t.certs.At(t.index)
		if c.Size() > 0 {
			payload := append(append([]byte{}, c.Data...), at.CtrlZ...)
			cmd := at.Cmd("AT#SSLSECDATA=%d,1,%d,%d", tlsSocketID, c.Kind, c.Size()).WithPayload(payload)
			t.issue(ctx, cmd, WaitLoadCert)
		} else {
			t.issue(ctx, at.Cmd("AT#SSLSECDATA=%d,0,%d", tlsSocketID, c.Kind), WaitDeleteCert)
		}

	case WaitLoadCert:
		if r := t.x.Response(); r.Outcome == at.Error {
			c := t.certs.At(t.index)
			t.Fail(fmt.Errorf("%w: %s %s: %w", ErrCertUpload, c.Kind, c.Name, at.Wrap(r.Err, r.Command)))
			return modem.Failed
		}
		t.next()

	case WaitDeleteCert:
		// Deleting an absent entry fails on some firmware.
		t.next()
	}
	return modem.Pending
}

// configured moves on after an enable or configure step, or starts over.
func (t *TLSClient) configured(next CertState) {
	if r := t.x.Response(); r.Outcome == at.Error {
		t.log.Debug("ssl setup rejected, starting over", "command", r.Command, "error", r.Err)
		t.certTransition(Enable)
		return
	}
	t.certTransition(next)
}

func (t *TLSClient) next() {
	t.index++
	if t.index < t.certs.Len() {
		t.certTransition(LoadCert)
		return
	}
	t.loaded()
}

func (t *TLSClient) loaded() {
	t.cache.MarkLoaded(TLSProfile, t.certs.Key())
	t.index = 0
	t.certTransition(CertsReady)
	t.log.Info("certificates provisioned", "list", t.certs.Key(), "count", t.certs.Len())
}

func (t *TLSClient) issue(ctx context.Context, cmd at.Command, next CertState) {
	t.x.Issue(ctx, cmd)
	t.certTransition(next)
}

func (t *TLSClient) certTransition(next CertState) {
	t.log.Debug("transition", "from", t.cert.String(), "to", next.String())
	t.cert = next
}

// Fail puts both machines in their terminal error state.
func (t *TLSClient) Fail(err error) {
	t.cert = CertsReady
	t.index = 0
	t.Client.Fail(err)
}

func (t *TLSClient) CertState() CertState {
	return t.cert
}

// CertIndex returns the cursor into the certificate list.
func (t *TLSClient) CertIndex() int {
	return t.index
}

var _ modem.Machine = (*TLSClient)(nil)
